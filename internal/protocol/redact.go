package protocol

import (
	"regexp"
	"strings"
)

// redactedCommands are the commands whose entire argument is sensitive,
// §6.5. The sentinel, if present, is preserved; only the argument is masked.
var redactedCommands = map[string]bool{
	"login":         true,
	"passwd":        true,
	"confirm":       true,
	"confirmcancel": true,
}

// redactedOptions are option keys whose value is replaced wholesale.
var redactedOptions = regexp.MustCompile(`(?i)--(password|auth-code|auth-key)=("[^"]*"|'[^']*'|\S+)`)

// megaURL matches a MEGA sharing URL, capturing the key/auth suffix that
// follows the handle: https://mega.nz/{file|folder|#|#F|#P}/<handle>#<key>[:<auth>]
var megaURL = regexp.MustCompile(`(https://mega\.nz/(?:file|folder|#F|#P|#)/[A-Za-z0-9_-]+#)([A-Za-z0-9_-]+)(:[A-Za-z0-9_-]+)?`)

// Redact returns line with every pattern in §6.5 masked, suitable for
// committing to a log sink. It never mutates the original petition line —
// redaction happens only on the logged copy.
func Redact(line string) string {
	out := redactCommandArgument(line)
	out = redactedOptions.ReplaceAllString(out, "--$1=********")
	out = megaURL.ReplaceAllStringFunc(out, func(m string) string {
		parts := megaURL.FindStringSubmatch(m)
		return parts[1] + "********"
	})
	return out
}

// redactCommandArgument replaces the whole argument of a login/passwd/
// confirm/confirmcancel command (with or without the sentinel) with
// <REDACTED>.
func redactCommandArgument(line string) string {
	sentinel := ""
	rest := line
	if len(rest) > 0 && rest[0] == Sentinel {
		sentinel = string(Sentinel)
		rest = rest[1:]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return line
	}
	cmd := fields[0]
	if !redactedCommands[cmd] {
		return line
	}

	// Preserve leading whitespace exactly as seen after the sentinel, then
	// the command word, then a single redaction token for everything after.
	idx := strings.Index(rest, cmd) + len(cmd)
	return sentinel + rest[:idx] + " <REDACTED>"
}
