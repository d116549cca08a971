// Package label validates the forward-only onFailure jump graph and builds
// the label-to-step-index table the executor uses for goto dispatch.
package label

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentshell/core/internal/script"
)

var labelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Error reports a label-validation violation.
type Error struct {
	StepIndex int
	Verb      script.Verb
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("label validation failed at step %d (%s): %s", e.StepIndex, e.Verb, e.Reason)
}

// Index maps a label name to its step index in the flattened operation list.
type Index map[string]int

// Validate checks label shape/uniqueness and that every onFailure goto target
// exists and is strictly later than its source step. The jump
// graph (nodes are steps, edges are onFailure transitions) is asserted to
// be a DAG; because jumps are forward-only this is automatic, but it is
// checked explicitly for defensive clarity.
func Validate(ops []script.Operation) (Index, error) {
	idx := make(Index, len(ops))
	for i, op := range ops {
		if op.Label == "" {
			continue
		}
		if !labelNamePattern.MatchString(op.Label) {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("label %q has an invalid shape", op.Label)}
		}
		if _, dup := idx[op.Label]; dup {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("label %q is not unique", op.Label)}
		}
		idx[op.Label] = i
	}

	for i, op := range ops {
		if op.OnFailure == "" {
			continue
		}
		target, err := parseGoto(op.OnFailure)
		if err != nil {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: err.Error()}
		}
		targetIdx, ok := idx[target]
		if !ok {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("onFailure target label %q does not exist", target)}
		}
		if targetIdx <= i {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("onFailure target label %q at step %d is not strictly later than step %d (jumps must be forward-only)", target, targetIdx, i)}
		}
	}

	return idx, nil
}

func parseGoto(onFailure string) (string, error) {
	const prefix = "goto:"
	if !strings.HasPrefix(onFailure, prefix) {
		return "", fmt.Errorf("onFailure %q is not of the form goto:<label>", onFailure)
	}
	target := strings.TrimPrefix(onFailure, prefix)
	if target == "" {
		return "", fmt.Errorf("onFailure goto: target label is empty")
	}
	return target, nil
}
