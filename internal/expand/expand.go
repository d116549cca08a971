// Package expand flattens ForEach/If/Include/batch verbs into the primitive
// operation list the rest of the pipeline operates on. After
// Expand returns, every operation's verb satisfies script.IsPrimitive.
package expand

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentshell/core/internal/script"
)

// Limits bound the size and shape of one expansion.
const (
	MaxForEachItems    = 256
	MaxTotalOperations = 1024
	MaxNestingDepth    = 3
)

// Error reports an expansion violation, tagged with the offending step's
// position in the pre-expansion operation list it was found in.
type Error struct {
	StepIndex int
	Verb      script.Verb
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("expansion failed at step %d (%s): %s", e.StepIndex, e.Verb, e.Reason)
}

// FragmentLookup resolves an Include verb's fragment id to the operation list
// it expands to. The registry backing it is host-supplied.
type FragmentLookup func(id string) ([]script.Operation, bool)

// EnvAllowlist is the host-supplied name-to-value table EnvEquals folds against
// at expansion time.
type EnvAllowlist map[string]string

// Expand flattens ops into a primitive operation list. It is used once for
// Script.Operations and, separately, once for Script.Cleanup. Each call
// enforces MaxTotalOperations independently, since cleanup operations run in
// a distinct phase with its own cap.
func Expand(ops []script.Operation, env EnvAllowlist, fragments FragmentLookup) ([]script.Operation, error) {
	out := make([]script.Operation, 0, len(ops))
	count := 0
	for i, op := range ops {
		expanded, err := expandOne(op, env, fragments, 0)
		if err != nil {
			if e, ok := err.(*Error); ok && e.StepIndex < 0 {
				e.StepIndex = i
			}
			return nil, err
		}
		count += len(expanded)
		if count > MaxTotalOperations {
			return nil, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("expansion produced more than %d operations", MaxTotalOperations)}
		}
		out = append(out, expanded...)
	}
	return out, nil
}

func expandOne(op script.Operation, env EnvAllowlist, fragments FragmentLookup, depth int) ([]script.Operation, error) {
	switch op.Verb {
	case script.VerbForEach:
		return expandForEach(op, env, fragments, depth)
	case script.VerbIf:
		return expandIf(op, env, fragments, depth)
	case script.VerbInclude:
		return expandInclude(op, env, fragments, depth)
	case script.VerbFileWriteMany:
		return expandBatchPairs(op, script.VerbFileWrite, "FileWriteMany")
	case script.VerbFileCopyMany:
		return expandBatchPairs(op, script.VerbFileCopy, "FileCopyMany")
	case script.VerbFileDeleteMany:
		return expandBatchSingles(op, script.VerbFileDelete)
	default:
		return []script.Operation{op}, nil
	}
}

func expandForEach(op script.Operation, env EnvAllowlist, fragments FragmentLookup, depth int) ([]script.Operation, error) {
	if depth >= MaxNestingDepth {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("ForEach/If/Include nesting exceeds depth %d", MaxNestingDepth)}
	}
	if op.ForEach == nil {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: "ForEach operation is missing its forEach block"}
	}
	if len(op.ForEach.Items) > MaxForEachItems {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("ForEach declares more than %d items", MaxForEachItems)}
	}
	if op.ForEach.Body.Verb == script.VerbForEach {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: "nested ForEach is rejected"}
	}

	out := make([]script.Operation, 0, len(op.ForEach.Items))
	for i, item := range op.ForEach.Items {
		body := op.ForEach.Body
		body.Args = substituteItemIndex(body.Args, item, i)
		expanded, err := expandOne(body, env, fragments, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// substituteItemIndex replaces $ITEM and $INDEX in the ForEach body's Args
// only.
func substituteItemIndex(args []string, item string, index int) []string {
	idx := strconv.Itoa(index)
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, "$ITEM", item)
		a = strings.ReplaceAll(a, "$INDEX", idx)
		out[i] = a
	}
	return out
}

func expandIf(op script.Operation, env EnvAllowlist, fragments FragmentLookup, depth int) ([]script.Operation, error) {
	if depth >= MaxNestingDepth {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("ForEach/If/Include nesting exceeds depth %d", MaxNestingDepth)}
	}
	if op.If == nil {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: "If operation is missing its if block"}
	}
	pred := op.If.Predicate

	if pred.Kind == script.PredicateEnvEquals {
		if env[pred.Arg] != pred.Value {
			return nil, nil
		}
		return expandOne(op.If.Then, env, fragments, depth+1)
	}

	// PrevContains, PrevEmpty, FileExists, DirExists all need state the
	// expander does not have (prior step output or live sandbox filesystem
	// state), so the guarded operation is retained with a deferred-predicate
	// marker for the executor to check immediately before running it.
	expanded, err := expandOne(op.If.Then, env, fragments, depth+1)
	if err != nil {
		return nil, err
	}
	guard := pred
	for i := range expanded {
		expanded[i].Guard = &guard
	}
	return expanded, nil
}

func expandInclude(op script.Operation, env EnvAllowlist, fragments FragmentLookup, depth int) ([]script.Operation, error) {
	if depth >= MaxNestingDepth {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("ForEach/If/Include nesting exceeds depth %d", MaxNestingDepth)}
	}
	if len(op.Args) != 1 || op.Args[0] == "" {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: "Include requires exactly one argument: the fragment id"}
	}
	if fragments == nil {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: "no fragment registry is configured"}
	}
	fragment, ok := fragments(op.Args[0])
	if !ok {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("fragment %q does not exist", op.Args[0])}
	}

	out := make([]script.Operation, 0, len(fragment))
	for _, fop := range fragment {
		expanded, err := expandOne(fop, env, fragments, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

const maxBatchEntries = 64

func expandBatchPairs(op script.Operation, target script.Verb, name string) ([]script.Operation, error) {
	if op.Label != "" || op.CaptureAs != "" {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("%s cannot carry a label or captureAs; label each expanded step is ambiguous across %d sub-operations", name, len(op.Args)/2)}
	}
	if len(op.Args)%2 != 0 {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("%s requires an even number of arguments (pairs)", name)}
	}
	entries := len(op.Args) / 2
	if entries == 0 {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("%s declares no entries", name)}
	}
	if entries > maxBatchEntries {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("%s declares more than %d entries", name, maxBatchEntries)}
	}

	out := make([]script.Operation, entries)
	for i := 0; i < entries; i++ {
		out[i] = script.Operation{
			Verb: target,
			Args: []string{op.Args[2*i], op.Args[2*i+1]},
		}
	}
	return out, nil
}

func expandBatchSingles(op script.Operation, target script.Verb) ([]script.Operation, error) {
	if op.Label != "" || op.CaptureAs != "" {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: "FileDeleteMany cannot carry a label or captureAs; label each expanded step is ambiguous across sub-operations"}
	}
	if len(op.Args) == 0 {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: "FileDeleteMany declares no entries"}
	}
	if len(op.Args) > maxBatchEntries {
		return nil, &Error{StepIndex: -1, Verb: op.Verb, Reason: fmt.Sprintf("FileDeleteMany declares more than %d entries", maxBatchEntries)}
	}

	out := make([]script.Operation, len(op.Args))
	for i, path := range op.Args {
		out[i] = script.Operation{Verb: target, Args: []string{path}}
	}
	return out, nil
}
