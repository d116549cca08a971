// Package compiler turns a flat, post-expansion operation list into a
// CompiledScript: every argument variable-resolved, blacklist-scanned, and
// verb-specific-validated, ready for the executor to dispatch without
// revisiting any security decision.
package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentshell/core/internal/blacklist"
	"github.com/agentshell/core/internal/label"
	"github.com/agentshell/core/internal/pathsec"
	"github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/urlsec"
	"github.com/agentshell/core/internal/variables"
	"github.com/agentshell/core/internal/whitelist"
	"github.com/agentshell/core/internal/workspace"
)

// Error is a CompileError: a verb-tagged violation discovered during
// resolution, sanitization, or compilation. Compilation aborts
// on the first one; no partial compiled script is ever emitted.
type Error struct {
	StepIndex int
	Verb      script.Verb
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("compile failed at step %d (%s): %s", e.StepIndex, e.Verb, e.Reason)
}

func compileErr(i int, verb script.Verb, err error) error {
	return &Error{StepIndex: i, Verb: verb, Reason: err.Error()}
}

// CommandKind distinguishes an in-memory handler dispatch from a process
// spawn.
type CommandKind int

const (
	KindInMemory CommandKind = iota
	KindProcess
)

// CompiledCommand is one ready-to-dispatch unit.
type CompiledCommand struct {
	StepIndex int
	Verb      script.Verb
	Kind      CommandKind

	// Args holds the verb's resolved, validated arguments for in-memory
	// dispatch. For Process commands, Executable/ProcessArgs carry the
	// syscall-level invocation instead.
	Args []string

	Executable  string
	ProcessArgs []string // full argv, Executable included at index 0

	Label     string
	OnFailure string
	CaptureAs string
	Guard     *script.Predicate

	MaxRetries    int
	StepTimeoutMs int64

	Template *script.TemplateSpec
	Patches  []script.Patch
}

// CompiledScript is the compiler's full output. Labels and
// CleanupLabels are independent namespaces: an onFailure goto in the main
// operation list can only target a main-list label, and likewise for
// cleanup, since cleanup only ever runs after the main sequence has fully
// terminated.
type CompiledScript struct {
	Commands      []CompiledCommand
	Cleanup       []CompiledCommand
	Labels        label.Index
	CleanupLabels label.Index
	Options       script.ExecutionOptions
}

// arity is the per-verb {min, max} argument-count table.
var arity = map[script.Verb][2]int{
	script.VerbFileRead:     {1, 1},
	script.VerbFileExist:    {1, 1},
	script.VerbDirList:      {1, 1},
	script.VerbDirExist:     {1, 1},
	script.VerbDirTree:      {1, 2},
	script.VerbFileWrite:    {2, 2},
	script.VerbFileAppend:   {2, 2},
	script.VerbFileCopy:     {2, 2},
	script.VerbFileMove:     {2, 2},
	script.VerbFileDelete:   {1, 1},
	script.VerbDirCreate:    {1, 1},
	script.VerbDirDelete:    {1, 1},
	script.VerbProcRun:      {1, 32},
	script.VerbHTTPGet:      {1, 1},
	script.VerbHTTPPost:     {1, 2},
	script.VerbTextReplace:  {3, 3},
	script.VerbJSONGet:      {2, 2},
	script.VerbJSONSet:      {3, 3},
	script.VerbEnvGet:       {1, 1},
	script.VerbSysInfo:      {0, 0},
	script.VerbFileHash:     {2, 2},
	script.VerbFileTemplate: {2, 2},
	script.VerbFilePatch:    {1, 1},
	script.VerbMathEval:     {1, 1},
}

const maxDirTreeDepth = 5
const defaultDirTreeDepth = 3
const maxTemplateKeys = 64
const maxPatches = 32
const maxMathExprLen = 256

var hashAlgorithms = map[string]bool{"sha256": true, "sha512": true, "md5": true}

// Options configures verb-specific compilation choices that are host policy,
// not script content.
type Options struct {
	Whitelist *whitelist.Registry
	AllowHTTP bool
	// Execution is the script's effective options (its own Options, or the
	// host default when the script specifies none), used to resolve each
	// step's effective retry count/timeout.
	Execution script.ExecutionOptions
}

// Compile compiles a flattened operation list (main or cleanup) into
// CompiledCommands. tainted is the process-tainted capture set from
// internal/capture; it only matters for ProcRun argument resolution.
func Compile(ops []script.Operation, ctx *workspace.Context, tainted map[string]bool, opts Options) ([]CompiledCommand, error) {
	out := make([]CompiledCommand, 0, len(ops))
	for i, op := range ops {
		cc, err := compileOne(i, op, ctx, tainted, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, nil
}

func compileOne(i int, op script.Operation, ctx *workspace.Context, tainted map[string]bool, opts Options) (CompiledCommand, error) {
	if !script.IsPrimitive(op.Verb) {
		return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: "operation did not survive expansion into a primitive verb"}
	}

	bounds, ok := arity[op.Verb]
	if !ok {
		return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: "verb has no registered arity"}
	}
	if len(op.Args) < bounds[0] || len(op.Args) > bounds[1] {
		return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("expects between %d and %d arguments, got %d", bounds[0], bounds[1], len(op.Args))}
	}

	var blocked map[string]bool
	if op.Verb == script.VerbProcRun {
		blocked = variables.ProcRunBlockedSet(tainted)
	}
	resolved, err := variables.Resolve(op.Args, ctx.Variables, blocked)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}

	if err := blacklist.Scan(resolved); err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	if err := validateLiteralFields(op); err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}

	cc := CompiledCommand{
		StepIndex:     i,
		Verb:          op.Verb,
		Label:         op.Label,
		OnFailure:     op.OnFailure,
		CaptureAs:     op.CaptureAs,
		Guard:         op.Guard,
		MaxRetries:    script.EffectiveStepRetries(op, opts.Execution),
		StepTimeoutMs: script.EffectiveStepTimeoutMs(op, opts.Execution),
		Template:      op.Template,
		Patches:       op.Patches,
	}

	switch op.Verb {
	case script.VerbProcRun:
		return compileProcRun(i, op, resolved, ctx, opts, cc)
	case script.VerbFileRead, script.VerbFileExist, script.VerbDirList, script.VerbDirExist, script.VerbFileHash:
		return compileReadPath(i, op, resolved, ctx, cc)
	case script.VerbDirTree:
		return compileDirTree(i, op, resolved, ctx, cc)
	case script.VerbFileWrite, script.VerbFileAppend:
		return compileWritePath(i, op, resolved, ctx, cc, 0)
	case script.VerbFileCopy:
		return compileCopyOrMove(i, op, resolved, ctx, cc, true)
	case script.VerbFileMove:
		return compileCopyOrMove(i, op, resolved, ctx, cc, false)
	case script.VerbFileDelete, script.VerbDirCreate, script.VerbDirDelete:
		return compileWritePath(i, op, resolved, ctx, cc, 0)
	case script.VerbHTTPGet, script.VerbHTTPPost:
		return compileURL(i, op, resolved, opts, cc)
	case script.VerbFileTemplate:
		return compileFileTemplate(i, op, resolved, ctx, cc)
	case script.VerbFilePatch:
		return compileFilePatch(i, op, resolved, ctx, cc)
	case script.VerbMathEval:
		return compileMathEval(i, op, resolved, cc)
	default:
		// Text/JSON, EnvGet, SysInfo: argument-count check only; body logic
		// moves to the executor.
		cc.Kind = KindInMemory
		cc.Args = resolved
		return cc, nil
	}
}

func validateLiteralFields(op script.Operation) error {
	if op.Template != nil {
		if len(op.Template.Values) > maxTemplateKeys {
			return fmt.Errorf("FileTemplate declares more than %d keys", maxTemplateKeys)
		}
		for k, v := range op.Template.Values {
			if strings.Contains(v, "$") {
				return fmt.Errorf("FileTemplate value for key %q contains a variable reference", k)
			}
		}
	}
	if len(op.Patches) > 0 {
		if len(op.Patches) > maxPatches {
			return fmt.Errorf("FilePatch declares more than %d patches", maxPatches)
		}
		for idx, p := range op.Patches {
			if p.Find == "" {
				return fmt.Errorf("FilePatch entry %d has an empty find", idx)
			}
			if strings.Contains(p.Find, "$") || strings.Contains(p.Replace, "$") {
				return fmt.Errorf("FilePatch entry %d contains a variable reference", idx)
			}
		}
	}
	return nil
}

func compileProcRun(i int, op script.Operation, resolved []string, ctx *workspace.Context, opts Options, cc CompiledCommand) (CompiledCommand, error) {
	if opts.Whitelist == nil {
		return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: "no whitelist registry configured; ProcRun is unconditionally rejected"}
	}
	if _, err := opts.Whitelist.Validate(resolved, ctx.SandboxRoot); err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	cc.Kind = KindProcess
	cc.Executable = resolved[0]
	cc.ProcessArgs = resolved
	return cc, nil
}

func compileReadPath(i int, op script.Operation, resolved []string, ctx *workspace.Context, cc CompiledCommand) (CompiledCommand, error) {
	real, err := pathsec.Resolve(resolved[0], ctx.SandboxRoot, pathsec.TierRead)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	args := append([]string{real}, resolved[1:]...)
	if op.Verb == script.VerbFileHash {
		if !hashAlgorithms[resolved[1]] {
			return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("hash algorithm %q is not one of sha256/sha512/md5", resolved[1])}
		}
	}
	cc.Kind = KindInMemory
	cc.Args = args
	return cc, nil
}

func compileDirTree(i int, op script.Operation, resolved []string, ctx *workspace.Context, cc CompiledCommand) (CompiledCommand, error) {
	real, err := pathsec.Resolve(resolved[0], ctx.SandboxRoot, pathsec.TierRead)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	depth := defaultDirTreeDepth
	if len(resolved) == 2 {
		n, err := strconv.Atoi(resolved[1])
		if err != nil || n < 0 || n > maxDirTreeDepth {
			return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("depth must be an integer in [0, %d]", maxDirTreeDepth)}
		}
		depth = n
	}
	cc.Kind = KindInMemory
	cc.Args = []string{real, strconv.Itoa(depth)}
	return cc, nil
}

func compileWritePath(i int, op script.Operation, resolved []string, ctx *workspace.Context, cc CompiledCommand, pathArgIndex int) (CompiledCommand, error) {
	real, err := pathsec.Resolve(resolved[pathArgIndex], ctx.SandboxRoot, pathsec.TierWrite)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	args := append([]string{}, resolved...)
	args[pathArgIndex] = real
	cc.Kind = KindInMemory
	cc.Args = args
	return cc, nil
}

func compileCopyOrMove(i int, op script.Operation, resolved []string, ctx *workspace.Context, cc CompiledCommand, srcIsRead bool) (CompiledCommand, error) {
	srcTier := pathsec.TierWrite
	if srcIsRead {
		srcTier = pathsec.TierRead
	}
	src, err := pathsec.Resolve(resolved[0], ctx.SandboxRoot, srcTier)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	dst, err := pathsec.Resolve(resolved[1], ctx.SandboxRoot, pathsec.TierWrite)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	cc.Kind = KindInMemory
	cc.Args = []string{src, dst}
	return cc, nil
}

func compileURL(i int, op script.Operation, resolved []string, opts Options, cc CompiledCommand) (CompiledCommand, error) {
	if _, err := urlsec.Validate(resolved[0], opts.AllowHTTP); err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	cc.Kind = KindInMemory
	cc.Args = resolved
	return cc, nil
}

func compileFileTemplate(i int, op script.Operation, resolved []string, ctx *workspace.Context, cc CompiledCommand) (CompiledCommand, error) {
	if op.Template == nil {
		return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: "FileTemplate requires a template definition"}
	}
	src, err := pathsec.Resolve(resolved[0], ctx.SandboxRoot, pathsec.TierRead)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	dst, err := pathsec.Resolve(resolved[1], ctx.SandboxRoot, pathsec.TierWrite)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	cc.Kind = KindInMemory
	cc.Args = []string{src, dst}
	return cc, nil
}

func compileFilePatch(i int, op script.Operation, resolved []string, ctx *workspace.Context, cc CompiledCommand) (CompiledCommand, error) {
	if len(op.Patches) == 0 {
		return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: "FilePatch requires at least one patch"}
	}
	real, err := pathsec.Resolve(resolved[0], ctx.SandboxRoot, pathsec.TierWrite)
	if err != nil {
		return CompiledCommand{}, compileErr(i, op.Verb, err)
	}
	cc.Kind = KindInMemory
	cc.Args = []string{real}
	return cc, nil
}

func compileMathEval(i int, op script.Operation, resolved []string, cc CompiledCommand) (CompiledCommand, error) {
	expr := resolved[0]
	if len(expr) > maxMathExprLen {
		return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("expression exceeds %d characters", maxMathExprLen)}
	}
	for _, r := range expr {
		if !strings.ContainsRune("0123456789.+-*/%() ", r) {
			return CompiledCommand{}, &Error{StepIndex: i, Verb: op.Verb, Reason: fmt.Sprintf("expression contains disallowed character %q", r)}
		}
	}
	cc.Kind = KindInMemory
	cc.Args = []string{expr}
	return cc, nil
}
