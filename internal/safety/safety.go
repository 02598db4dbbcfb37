// Package safety implements a shell-pattern deny list: a two-stage
// filter that blanks quoted substrings before testing for shell
// metacharacters and a short list of destructive command words.
package safety

import "regexp"

var quoted = regexp.MustCompile(`'[^']*'|"[^"]*"`)

// pattern pairs a compiled regex with the human-readable reason reported
// when it matches — first match wins.
type pattern struct {
	name string
	re   *regexp.Regexp
}

var patterns = []pattern{
	{"shell separator ';'", regexp.MustCompile(`;`)},
	{"pipe '|'", regexp.MustCompile(`\|`)},
	{"logical AND '&&'", regexp.MustCompile(`&&`)},
	{"logical OR '||'", regexp.MustCompile(`\|\|`)},
	{"output redirection '>>'", regexp.MustCompile(`>>`)},
	{"output redirection '>'", regexp.MustCompile(`>`)},
	{"command substitution '$(...)'", regexp.MustCompile(`\$\([^)]*\)`)},
	{"backtick command substitution", regexp.MustCompile("`[^`]*`")},
	{"destructive pattern 'rm -rf'", regexp.MustCompile(`\brm\s+-rf\b`)},
	{"destructive word 'shutdown'", regexp.MustCompile(`\bshutdown\b`)},
	{"destructive word 'reboot'", regexp.MustCompile(`\breboot\b`)},
	{"destructive word 'mkfs'", regexp.MustCompile(`\bmkfs\b`)},
	{"destructive word 'dd'", regexp.MustCompile(`\bdd\b`)},
}

// stripQuoted blanks the contents of single- and double-quoted substrings
// so legitimate quoted SQL text can't trip the deny list.
func stripQuoted(command string) string {
	return quoted.ReplaceAllString(command, "''")
}

// Check reports whether command is safe to run, and if not, the name of
// the first pattern that matched.
func Check(command string) (ok bool, reason string) {
	cleaned := stripQuoted(command)
	for _, p := range patterns {
		if p.re.MatchString(cleaned) {
			return false, "unsafe pattern detected: " + p.name
		}
	}
	return true, ""
}

// IsSafe is a convenience wrapper around Check for callers that only need
// the boolean.
func IsSafe(command string) bool {
	ok, _ := Check(command)
	return ok
}
