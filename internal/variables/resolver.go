// Package variables implements $VAR textual substitution over operation
// arguments. Resolution is purely textual and happens before
// path/URL sanitization, so every downstream layer re-validates the
// substituted result rather than trusting it.
package variables

import (
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches a variable reference: `$` followed by a letter or
// underscore, then letters/digits/underscores.
var refPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Names are case-insensitive: $prev and $PREV are the same
// variable. Both the variable table and the blocked set must be keyed by
// canonical (upper-case) names; Canonical is the one place that rule lives.
func Canonical(name string) string {
	return strings.ToUpper(name)
}

// CanonicalTable returns vars re-keyed by canonical names, so lookups during
// resolution are a single map hit regardless of the case the reference or
// the table entry was written in.
func CanonicalTable(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[Canonical(k)] = v
	}
	return out
}

// BlockedError is returned when an argument references a name in the caller's
// blocked set. Resolution fails closed rather than leaving the reference
// untouched, so a blocked name can never reach a downstream layer as literal
// text that might coincidentally pass path/URL validation.
type BlockedError struct {
	Name string
	Arg  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("variable $%s is blocked in this context (argument %q)", e.Name, e.Arg)
}

// Resolve substitutes every $VAR reference in args using the variable table.
// Unknown names are left literal. If blocked is non-nil
// and a reference names a blocked variable, Resolve returns a *BlockedError
// and no partial result. vars and blocked must be keyed by canonical names
// (CanonicalTable / ProcRunBlockedSet produce them); reference names are
// canonicalized before lookup, so a case-variant spelling of a blocked name
// cannot slip past the check.
func Resolve(args []string, vars map[string]string, blocked map[string]bool) ([]string, error) {
	out := make([]string, len(args))
	for i, arg := range args {
		resolved, err := resolveOne(arg, vars, blocked)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

func resolveOne(arg string, vars map[string]string, blocked map[string]bool) (string, error) {
	var firstErr error
	result := refPattern.ReplaceAllStringFunc(arg, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := Canonical(refPattern.FindStringSubmatch(match)[1])
		if blocked != nil && blocked[name] {
			firstErr = &BlockedError{Name: name, Arg: arg}
			return match
		}
		if v, ok := vars[name]; ok {
			return v
		}
		// Unknown name: pass through literally.
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// ProcRunBlockedSet builds the blocked set for ProcRun argument resolution:
// PREV plus every process-tainted capture name.
func ProcRunBlockedSet(processTainted map[string]bool) map[string]bool {
	blocked := make(map[string]bool, len(processTainted)+1)
	blocked["PREV"] = true
	for name := range processTainted {
		blocked[Canonical(name)] = true
	}
	return blocked
}
