//go:build windows

package listenerregistry

// rlimitDerivedCap reports ok=false on Windows: RLIMIT_NOFILE has no
// equivalent handle-count limit worth sampling here, so the registry falls
// back to defaultMaxListeners unconditionally on this platform.
func rlimitDerivedCap() (int, bool) {
	return 0, false
}
