//go:build !windows

package listenerregistry

import "golang.org/x/sys/unix"

// rlimitDerivedCap samples RLIMIT_NOFILE fresh on every call (§4.4, §5 "the
// RLIMIT_NOFILE-derived listener cap is sampled on each registration, not
// cached") and returns 80% of the soft limit, or ok=false if the limit
// couldn't be read.
func rlimitDerivedCap() (int, bool) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, false
	}
	return int(rl.Cur * 80 / 100), true
}
