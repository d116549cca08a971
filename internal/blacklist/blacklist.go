// Package blacklist implements the gigablacklist: an
// unconditional, verb-agnostic substring/term scanner applied to every
// resolved argument of every operation, primary and cleanup, regardless of
// what verb-specific validation already passed. Patterns are grounded on
// internal/tools/shell.go's defaultDenyPatterns, generalized from a
// shell-command-only scanner to one run over every argument string.
package blacklist

import (
	"fmt"
	"regexp"
)

// Violation reports the pattern a blacklisted argument matched.
type Violation struct {
	Arg     string
	Pattern string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("gigablacklist: argument matches blocked pattern %s", v.Pattern)
}

// patterns is the closed, compile-time-fixed term list. It is never
// extended at runtime.
var patterns = []*regexp.Regexp{
	// Destructive operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),

	// Data exfiltration / reverse shells
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bmkfifo\b`),

	// Credential keywords (argument-context, not the EnvGet allowlist check;
	// that is a separate rule; this catches them leaking through any other
	// verb's arguments, e.g. a FileWrite whose content embeds a literal key).
	regexp.MustCompile(`(?i)\bAWS_SECRET_ACCESS_KEY\b`),
	regexp.MustCompile(`(?i)\bprivate[_-]?key\b.*BEGIN`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),

	// Environment variable injection
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bDYLD_INSERT_LIBRARIES\s*=`),
	regexp.MustCompile(`\bLD_LIBRARY_PATH\s*=`),
	regexp.MustCompile(`\bBASH_ENV\s*=`),

	// System alteration
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`/proc/sys/(kernel|fs|net)/`),
	regexp.MustCompile(`/sys/(kernel|fs|class|devices)/`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bnsenter\b`),
	regexp.MustCompile(`\bunshare\b`),

	// Sandbox environment filenames.
	regexp.MustCompile(`\.agentshell-env(\.sig)?\b`),
	regexp.MustCompile(`\.agentshell-workspace\.lock\b`),
}

// Scan rejects args containing any blacklisted term. Callers pass every
// resolved argument of every operation (main and cleanup) before the
// compiler emits a command.
func Scan(args []string) error {
	for _, arg := range args {
		for _, p := range patterns {
			if p.MatchString(arg) {
				return &Violation{Arg: arg, Pattern: p.String()}
			}
		}
	}
	return nil
}
