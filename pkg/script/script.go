// Package script re-exports the public-facing DTOs external callers submit
// and receive: the script a host compiles, the compiled form it holds onto,
// and the results/audit stream it gets back. It is the only
// package a host embedding this module should import from outside
// internal/; everything else is compiler/executor internals that are free
// to change shape between releases.
package script

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentshell/core/internal/audit"
	"github.com/agentshell/core/internal/compiler"
	"github.com/agentshell/core/internal/corepipeline"
	"github.com/agentshell/core/internal/executor"
	internalscript "github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/whitelist"
	"github.com/agentshell/core/internal/workspace"
)

// Re-exported request-side types. A caller builds one of these and
// passes it to Compile.
type (
	Verb             = internalscript.Verb
	Operation        = internalscript.Operation
	Script           = internalscript.Script
	ForEachSpec      = internalscript.ForEachSpec
	IfSpec           = internalscript.IfSpec
	Predicate        = internalscript.Predicate
	PredicateKind    = internalscript.PredicateKind
	TemplateSpec     = internalscript.TemplateSpec
	Patch            = internalscript.Patch
	ExecutionOptions = internalscript.ExecutionOptions
	FailureMode      = internalscript.FailureMode
)

// Re-exported verb constants, so a caller never needs to import
// internal/script directly.
const (
	VerbProcRun      = internalscript.VerbProcRun
	VerbFileRead     = internalscript.VerbFileRead
	VerbFileWrite    = internalscript.VerbFileWrite
	VerbFileAppend   = internalscript.VerbFileAppend
	VerbFileCopy     = internalscript.VerbFileCopy
	VerbFileMove     = internalscript.VerbFileMove
	VerbFileDelete   = internalscript.VerbFileDelete
	VerbFileExist    = internalscript.VerbFileExist
	VerbDirList      = internalscript.VerbDirList
	VerbDirCreate    = internalscript.VerbDirCreate
	VerbDirDelete    = internalscript.VerbDirDelete
	VerbDirExist     = internalscript.VerbDirExist
	VerbDirTree      = internalscript.VerbDirTree
	VerbHTTPGet      = internalscript.VerbHTTPGet
	VerbHTTPPost     = internalscript.VerbHTTPPost
	VerbTextReplace  = internalscript.VerbTextReplace
	VerbJSONGet      = internalscript.VerbJSONGet
	VerbJSONSet      = internalscript.VerbJSONSet
	VerbEnvGet       = internalscript.VerbEnvGet
	VerbSysInfo      = internalscript.VerbSysInfo
	VerbFileHash     = internalscript.VerbFileHash
	VerbFileTemplate = internalscript.VerbFileTemplate
	VerbFilePatch    = internalscript.VerbFilePatch
	VerbMathEval     = internalscript.VerbMathEval
	VerbForEach      = internalscript.VerbForEach
	VerbIf           = internalscript.VerbIf
	VerbInclude      = internalscript.VerbInclude

	VerbFileWriteMany  = internalscript.VerbFileWriteMany
	VerbFileCopyMany   = internalscript.VerbFileCopyMany
	VerbFileDeleteMany = internalscript.VerbFileDeleteMany
)

const (
	StopOnFirstError = internalscript.StopOnFirstError
	ContinueOnError  = internalscript.ContinueOnError
	StopAndCleanup   = internalscript.StopAndCleanup
)

// DefaultExecutionOptions returns the built-in safe defaults.
func DefaultExecutionOptions() ExecutionOptions {
	return internalscript.DefaultExecutionOptions()
}

// Re-exported result-side types.
type (
	StepResult    = executor.StepResult
	ScriptResult  = executor.ScriptResult
	AuditEntry    = audit.Entry
	WorkspaceInfo = workspace.Context
)

// NewWorkspace builds the per-request sandbox context every compile/execute
// call validates against. The sandbox root must
// already exist and be owned by the host; the core never creates or deletes
// it. This is the only way for an external caller to obtain a
// *WorkspaceInfo, since the backing type lives under internal/.
func NewWorkspace(sandboxRoot, workingDirectory, runAsUser string, vars map[string]string) (*WorkspaceInfo, error) {
	return workspace.New(sandboxRoot, workingDirectory, runAsUser, vars)
}

// AcquireWorkspaceLock takes the advisory per-sandbox lock for one
// compile-execute cycle. Callers must Release it when the cycle completes.
func AcquireWorkspaceLock(ws *WorkspaceInfo) (*workspace.Lock, error) {
	return workspace.Acquire(ws)
}

// LoadSignedSandboxEnv reads and verifies the HMAC-SHA256-signed env file
// adjacent to sandboxRoot and returns its pairs for merging into
// NewWorkspace's vars argument. A
// missing env file returns nil, nil; a tampered or unsigned one errors.
func LoadSignedSandboxEnv(sandboxRoot string, key []byte) (map[string]string, error) {
	return workspace.LoadSignedEnv(sandboxRoot, key)
}

// Policy is the host-supplied, per-compile configuration that is not part of
// the script itself: the command whitelist, SSRF policy, and expansion
// inputs.
type Policy struct {
	Whitelist    *whitelist.Registry
	AllowHTTP    bool
	EnvAllowlist map[string]string
	Fragments    func(id string) ([]Operation, bool)
}

// CompiledScript is the opaque, ready-to-execute artifact Compile returns.
// Callers should treat its internals as opaque and only ever pass it back
// into Execute.
type CompiledScript struct {
	inner       *compiler.CompiledScript
	expandedOps []Operation
	expandedCln []Operation
}

// StepCount returns the number of primitive steps the main sequence
// compiled to, after expansion.
func (cs *CompiledScript) StepCount() int { return len(cs.inner.Commands) }

// CleanupStepCount returns the number of primitive cleanup steps.
func (cs *CompiledScript) CleanupStepCount() int { return len(cs.inner.Cleanup) }

// Compile validates s end to end (expansion, capture analysis, label graph,
// variable resolution, path/URL sanitization, whitelist/blacklist checks)
// against ws and policy, failing closed at the first violation.
func Compile(s *Script, ws *workspace.Context, policy Policy) (*CompiledScript, error) {
	cr, err := corepipeline.Compile(s, ws, corepipeline.Options{
		Whitelist:    policy.Whitelist,
		AllowHTTP:    policy.AllowHTTP,
		EnvAllowlist: policy.EnvAllowlist,
		Fragments:    policy.Fragments,
	})
	if err != nil {
		return nil, err
	}
	return &CompiledScript{inner: cr.Compiled, expandedOps: cr.ExpandedOps, expandedCln: cr.ExpandedCleanup}, nil
}

// ExecuteOptions configures runtime execution behavior.
type ExecuteOptions struct {
	AllowHTTP         bool
	HTTPTimeout       time.Duration
	MaxRedirects      int
	ProcessKillGrace  time.Duration
	ProcessSpawnRate  float64
	ProcessSpawnBurst int
	EnvAllowlist      map[string]bool
}

// DefaultExecuteOptions returns sane defaults for ExecuteOptions.
func DefaultExecuteOptions() ExecuteOptions {
	d := executor.DefaultOptions()
	return ExecuteOptions{
		AllowHTTP:         d.AllowHTTP,
		HTTPTimeout:       d.HTTPTimeout,
		MaxRedirects:      d.MaxRedirects,
		ProcessKillGrace:  d.ProcessKillGrace,
		ProcessSpawnRate:  float64(d.ProcessSpawnRate),
		ProcessSpawnBurst: d.ProcessSpawnBurst,
		EnvAllowlist:      d.EnvAllowlist,
	}
}

// Result bundles the execution report with its correlated audit stream.
type Result struct {
	ScriptResult *ScriptResult
	Audit        []AuditEntry
}

// Execute runs a CompiledScript against ws, honoring ctx as the outermost
// cancellation token. jobID correlates every resulting audit
// entry; pass "" to have one minted automatically.
func Execute(ctx context.Context, cs *CompiledScript, ws *workspace.Context, opts ExecuteOptions, jobID string) *Result {
	execOpts := executor.Options{
		AllowHTTP:         opts.AllowHTTP,
		HTTPTimeout:       opts.HTTPTimeout,
		MaxRedirects:      opts.MaxRedirects,
		ProcessKillGrace:  opts.ProcessKillGrace,
		ProcessSpawnRate:  rateLimit(opts.ProcessSpawnRate),
		ProcessSpawnBurst: opts.ProcessSpawnBurst,
		EnvAllowlist:      opts.EnvAllowlist,
	}
	cr := &corepipeline.CompileResult{Compiled: cs.inner, ExpandedOps: cs.expandedOps, ExpandedCleanup: cs.expandedCln}
	er := corepipeline.Execute(ctx, cr, ws, execOpts, jobID)
	return &Result{ScriptResult: er.Result, Audit: er.Audit}
}

// WriteAudit persists every entry in entries to sink, returning every individual
// write failure encountered (audit persistence never gates script success).
func WriteAudit(sink audit.Sink, entries []AuditEntry) []error {
	return corepipeline.WriteAudit(sink, entries)
}

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}
