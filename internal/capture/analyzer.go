// Package capture validates captureAs names and tracks which of them
// originate from process-spawning steps, so the variable resolver can block
// them from later ProcRun arguments.
package capture

import (
	"fmt"
	"regexp"

	"github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/variables"
	"github.com/agentshell/core/internal/workspace"
)

// MaxCaptures bounds the number of distinct captureAs names in one script.
const MaxCaptures = 16

var captureNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// Error reports a capture-analysis violation, tagged with the offending
// verb and step index so the caller can surface both with a short reason.
type Error struct {
	StepIndex int
	Verb      script.Verb
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture analysis failed at step %d (%s): %s", e.StepIndex, e.Verb, e.Reason)
}

// Result is the output of Analyze: the set of capture names whose source
// step spawned a child process.
type Result struct {
	ProcessTainted map[string]bool
}

// Analyze validates captureAs uniqueness/shape/reserved-name exclusion across
// a flattened (post-expansion) operation list and builds the process-tainted
// set. ops must already be primitive (post-Expand) since capture
// analysis runs after expansion in the pipeline.
func Analyze(ops []script.Operation) (*Result, error) {
	seen := make(map[string]bool)
	tainted := make(map[string]bool)
	count := 0

	for i, op := range ops {
		if op.CaptureAs == "" {
			continue
		}
		count++
		if count > MaxCaptures {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("script declares more than %d captures", MaxCaptures)}
		}
		if !captureNamePattern.MatchString(op.CaptureAs) {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("captureAs %q has an invalid shape", op.CaptureAs)}
		}
		// Names are case-insensitive: "prev" collides with the
		// reserved PREV, and "Out"/"OUT" are the same capture.
		name := variables.Canonical(op.CaptureAs)
		if workspace.ReservedVariableNames[name] {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("captureAs %q is a reserved variable name", op.CaptureAs)}
		}
		if seen[name] {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("captureAs %q is not unique across the script", op.CaptureAs)}
		}
		seen[name] = true

		if script.SpawnsProcess(op.Verb) {
			tainted[name] = true
		}
	}

	return &Result{ProcessTainted: tainted}, nil
}
