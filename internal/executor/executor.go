// Package executor dispatches a CompiledScript: in-memory handlers or
// process spawns, with retries, per-step/per-script timeouts, cancellation,
// and failure-mode composition. Compile-time security
// decisions are never revisited here; the executor's own job is purely
// sequencing and resource bounding.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentshell/core/internal/blacklist"
	"github.com/agentshell/core/internal/compiler"
	"github.com/agentshell/core/internal/pathsec"
	"github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/urlsec"
	"github.com/agentshell/core/internal/variables"
	"github.com/agentshell/core/internal/workspace"
)

// StepResult is one step's outcome, shaped to serve both ScriptResult
// and the audit entry builder (internal/audit).
type StepResult struct {
	StepIndex   int
	Verb        script.Verb
	Success     bool
	Skipped     bool // guard predicate was not satisfied
	Output      string
	Error       string
	ExitCode    *int
	Attempts    int
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// ScriptResult is the executor's top-level report.
type ScriptResult struct {
	AllSucceeded  bool
	Steps         []StepResult
	Cleanup       []StepResult
	TotalDuration time.Duration
}

// Options configures execution behavior that is host policy, not script
// content.
type Options struct {
	AllowHTTP         bool
	HTTPTimeout       time.Duration
	MaxRedirects      int
	ProcessKillGrace  time.Duration
	ProcessSpawnRate  rate.Limit // spawns/sec; 0 disables limiting
	ProcessSpawnBurst int
	EnvAllowlist      map[string]bool
}

// DefaultOptions returns sane defaults for Options.
func DefaultOptions() Options {
	return Options{
		AllowHTTP:         false,
		HTTPTimeout:       30 * time.Second,
		MaxRedirects:      5,
		ProcessKillGrace:  2 * time.Second,
		ProcessSpawnRate:  5,
		ProcessSpawnBurst: 5,
		EnvAllowlist: map[string]bool{
			"HOME": true, "USER": true, "PATH": true, "LANG": true,
			"TZ": true, "TERM": true, "PWD": true, "HOSTNAME": true,
		},
	}
}

// Executor runs one compile-execute cycle against a fixed workspace.
type Executor struct {
	ws      *workspace.Context
	opts    Options
	limiter *rate.Limiter
}

// New builds an Executor bound to ws. opts is host policy.
func New(ws *workspace.Context, opts Options) *Executor {
	var limiter *rate.Limiter
	if opts.ProcessSpawnRate > 0 {
		limiter = rate.NewLimiter(opts.ProcessSpawnRate, opts.ProcessSpawnBurst)
	}
	return &Executor{ws: ws, opts: opts, limiter: limiter}
}

// runtimeState is the mutable per-run state the executor threads through
// step dispatch: the latest $PREV text and the capture table. Both are
// distinct from workspace.Context.Variables, which is immutable for the
// whole compile-execute cycle.
type runtimeState struct {
	prev     string
	captures map[string]string
}

func newRuntimeState() *runtimeState {
	return &runtimeState{captures: make(map[string]string)}
}

func (rt *runtimeState) variables(base map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(rt.captures)+1)
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range rt.captures {
		merged[k] = v
	}
	merged["PREV"] = rt.prev
	return merged
}

// Execute runs compiled.Commands in order (honoring forward onFailure
// jumps), then, if the failure mode calls for it, compiled.Cleanup with
// ContinueOnError semantics. The caller-supplied ctx is the
// outermost cancellation token; it is never itself timed out by the
// executor (that is compiled.Options.ScriptTimeoutMs's job, layered on
// top of it).
func (e *Executor) Execute(ctx context.Context, compiled *compiler.CompiledScript) *ScriptResult {
	start := time.Now()
	scriptCtx, cancelScript := context.WithTimeout(ctx, durationMs(compiled.Options.ScriptTimeoutMs))
	defer cancelScript()

	rt := newRuntimeState()
	steps, allOK := e.runSequence(scriptCtx, compiled.Commands, compiled.Labels, compiled.Options, rt)

	result := &ScriptResult{AllSucceeded: allOK, Steps: steps}

	if !allOK && compiled.Options.FailureMode == script.StopAndCleanup {
		if ctx.Err() == nil {
			cleanupOpts := compiled.Options
			cleanupOpts.FailureMode = script.ContinueOnError
			cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), durationMs(compiled.Options.ScriptTimeoutMs))
			cleanupSteps, _ := e.runSequence(cleanupCtx, compiled.Cleanup, compiled.CleanupLabels, cleanupOpts, rt)
			cancelCleanup()
			result.Cleanup = cleanupSteps
		} else {
			slog.Warn("executor.cleanup_skipped", "reason", "caller cancellation observed; cleanup is best-effort, not transactional")
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// runSequence executes one flat command list (main or cleanup), honoring
// forward-only onFailure jumps and the given failure mode.
func (e *Executor) runSequence(ctx context.Context, commands []compiler.CompiledCommand, labels map[string]int, opts script.ExecutionOptions, rt *runtimeState) ([]StepResult, bool) {
	results := make([]StepResult, 0, len(commands))
	allOK := true

	i := 0
	for i < len(commands) {
		cc := commands[i]

		if cc.Guard != nil && !evaluateGuard(cc.Guard, rt, e.ws.SandboxRoot) {
			results = append(results, StepResult{StepIndex: cc.StepIndex, Verb: cc.Verb, Success: true, Skipped: true})
			i++
			continue
		}

		sr := e.runStepWithRetries(ctx, cc, opts, rt)
		results = append(results, sr)

		if sr.Success {
			if opts.PipeStepOutput {
				rt.prev = sr.Output
			}
			if cc.CaptureAs != "" {
				rt.captures[variables.Canonical(cc.CaptureAs)] = sr.Output
			}
			i++
			continue
		}

		allOK = false
		if opts.PipeStepOutput {
			rt.prev = sr.Output
		}
		if cc.CaptureAs != "" {
			rt.captures[variables.Canonical(cc.CaptureAs)] = sr.Output
		}

		if cc.OnFailure != "" {
			target, ok := labels[parseGotoLabel(cc.OnFailure)]
			if ok {
				i = target
				continue
			}
		}

		switch opts.FailureMode {
		case script.ContinueOnError:
			i++
			continue
		default: // StopOnFirstError, StopAndCleanup
			return results, false
		}
	}

	return results, allOK
}

func parseGotoLabel(onFailure string) string {
	const prefix = "goto:"
	if len(onFailure) > len(prefix) && onFailure[:len(prefix)] == prefix {
		return onFailure[len(prefix):]
	}
	return ""
}

// runStepWithRetries runs one compiled command up to stepMaxRetries+1 times,
// with exponential backoff between attempts (retryDelay doubles after each
// failed attempt). All step failures, in-memory or process, are uniformly
// retryable.
func (e *Executor) runStepWithRetries(ctx context.Context, cc compiler.CompiledCommand, opts script.ExecutionOptions, rt *runtimeState) StepResult {
	maxAttempts := cc.MaxRetries + 1
	retryDelay := time.Duration(opts.RetryDelayMs) * time.Millisecond

	var last StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, durationMs(cc.StepTimeoutMs))
		started := time.Now()
		output, err := e.dispatch(stepCtx, cc, rt, opts)
		completed := time.Now()
		cancel()

		last = StepResult{
			StepIndex:   cc.StepIndex,
			Verb:        cc.Verb,
			Success:     err == nil,
			Output:      output,
			Attempts:    attempt,
			StartedAt:   started,
			CompletedAt: completed,
			Duration:    completed.Sub(started),
		}
		if perr, ok := err.(*processError); ok {
			code := perr.exitCode
			last.ExitCode = &code
		}
		if err != nil {
			if stepCtx.Err() == context.DeadlineExceeded {
				last.Error = fmt.Sprintf("step timed out after %s", durationMs(cc.StepTimeoutMs))
			} else {
				last.Error = err.Error()
			}
		}

		if err == nil {
			return last
		}
		if ctx.Err() != nil && stepCtx.Err() == context.Canceled {
			// Parent (script/caller) cancellation, not a step timeout: no
			// point retrying.
			return last
		}
		if attempt < maxAttempts {
			if !sleepCancellable(ctx, retryDelay*time.Duration(1<<uint(attempt-1))) {
				return last
			}
		}
	}
	return last
}

func sleepCancellable(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func durationMs(ms int64) time.Duration {
	if ms <= 0 {
		return time.Hour // ExecutionOptions invariant requires >0; this is a defensive fallback only
	}
	return time.Duration(ms) * time.Millisecond
}

// dispatch re-substitutes $PREV/capture references into cc's arguments at
// runtime (they could not be resolved at compile time, since their values
// don't exist until a prior step runs), re-scans the result through the
// gigablacklist, re-validates paths and URLs, and then runs the command.
func (e *Executor) dispatch(ctx context.Context, cc compiler.CompiledCommand, rt *runtimeState, opts script.ExecutionOptions) (string, error) {
	vars := rt.variables(e.ws.Variables)

	if cc.Kind == compiler.KindProcess {
		// ProcRun arguments can never reference $PREV or a process-tainted
		// capture; no runtime
		// substitution is needed or permitted here.
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		return e.runProcess(ctx, cc, opts)
	}

	args, err := variables.Resolve(cc.Args, vars, nil)
	if err != nil {
		return "", err
	}
	if err := blacklist.Scan(args); err != nil {
		return "", err
	}
	if err := revalidateDynamicArgs(cc.Verb, args, e.ws.SandboxRoot, e.opts.AllowHTTP); err != nil {
		return "", err
	}

	return e.runInMemory(ctx, cc, args, opts)
}

// revalidateDynamicArgs re-checks path/URL arguments after runtime
// substitution, mirroring the compiler's per-verb tier map exactly. A $PREV
// or capture reference survives compilation as a literal path component
// (its value does not exist yet), so the canonical path the compiler
// validated is not the path the handler is about to touch. Without this
// pass, a capture resolving to "../.." would walk out of the sandbox after
// every compile-time check already passed.
func revalidateDynamicArgs(verb script.Verb, args []string, sandboxRoot string, allowHTTP bool) error {
	checkPath := func(idx int, tier pathsec.Tier) error {
		if idx < len(args) {
			if _, err := pathsec.Resolve(args[idx], sandboxRoot, tier); err != nil {
				return err
			}
		}
		return nil
	}

	switch verb {
	case script.VerbHTTPGet, script.VerbHTTPPost:
		if len(args) > 0 {
			if _, err := urlsec.Validate(args[0], allowHTTP); err != nil {
				return err
			}
		}
		return nil
	case script.VerbFileRead, script.VerbFileExist, script.VerbDirList, script.VerbDirExist,
		script.VerbDirTree, script.VerbFileHash:
		return checkPath(0, pathsec.TierRead)
	case script.VerbFileWrite, script.VerbFileAppend, script.VerbFileDelete,
		script.VerbDirCreate, script.VerbDirDelete, script.VerbFilePatch:
		return checkPath(0, pathsec.TierWrite)
	case script.VerbFileCopy:
		if err := checkPath(0, pathsec.TierRead); err != nil {
			return err
		}
		return checkPath(1, pathsec.TierWrite)
	case script.VerbFileMove:
		if err := checkPath(0, pathsec.TierWrite); err != nil {
			return err
		}
		return checkPath(1, pathsec.TierWrite)
	case script.VerbFileTemplate:
		if err := checkPath(0, pathsec.TierRead); err != nil {
			return err
		}
		return checkPath(1, pathsec.TierWrite)
	default:
		return nil
	}
}

func evaluateGuard(g *script.Predicate, rt *runtimeState, sandboxRoot string) bool {
	switch g.Kind {
	case script.PredicatePrevContains:
		return strings.Contains(rt.prev, g.Arg)
	case script.PredicatePrevEmpty:
		return rt.prev == ""
	case script.PredicateFileExists:
		real, err := pathsec.Resolve(g.Arg, sandboxRoot, pathsec.TierRead)
		if err != nil {
			return false
		}
		return fileExists(real)
	case script.PredicateDirExists:
		real, err := pathsec.Resolve(g.Arg, sandboxRoot, pathsec.TierRead)
		if err != nil {
			return false
		}
		return dirExists(real)
	default:
		return false
	}
}

