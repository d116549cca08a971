// Package corepipeline wires the expand, label, capture, compile, execute,
// and audit stages into the two entry points a host calls: Compile, then
// Execute. It owns no security decisions itself; every decision lives in
// the stage package it calls. The stage order is fixed, not host policy.
package corepipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentshell/core/internal/audit"
	"github.com/agentshell/core/internal/capture"
	"github.com/agentshell/core/internal/compiler"
	"github.com/agentshell/core/internal/executor"
	"github.com/agentshell/core/internal/expand"
	"github.com/agentshell/core/internal/label"
	"github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/whitelist"
	"github.com/agentshell/core/internal/workspace"
)

// Options bundles the host-supplied, per-request inputs that are not part
// of the script itself.
type Options struct {
	Whitelist    *whitelist.Registry
	AllowHTTP    bool
	EnvAllowlist expand.EnvAllowlist
	Fragments    expand.FragmentLookup
}

// CompileResult is everything Execute needs, plus the post-expansion
// operation lists Audit needs to correlate requested vs compiled vs
// executed state.
type CompileResult struct {
	Compiled        *compiler.CompiledScript
	ExpandedOps     []script.Operation
	ExpandedCleanup []script.Operation
}

// Compile runs every validation stage in order and fails closed at the
// first violation. No
// partial compiled script is ever returned alongside an error.
func Compile(s *script.Script, ws *workspace.Context, opts Options) (*CompileResult, error) {
	effective := script.DefaultExecutionOptions()
	if s.Options != nil {
		effective = *s.Options
	}
	if err := validateExecutionOptions(effective); err != nil {
		return nil, err
	}

	expandedOps, err := expand.Expand(s.Operations, opts.EnvAllowlist, opts.Fragments)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	expandedCleanup, err := expand.Expand(s.Cleanup, opts.EnvAllowlist, opts.Fragments)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	labels, err := label.Validate(expandedOps)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	cleanupLabels, err := label.Validate(expandedCleanup)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	captureResult, err := capture.Analyze(expandedOps)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	cleanupCaptureResult, err := capture.Analyze(expandedCleanup)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	compilerOpts := compiler.Options{
		Whitelist: opts.Whitelist,
		AllowHTTP: opts.AllowHTTP,
		Execution: effective,
	}

	commands, err := compiler.Compile(expandedOps, ws, captureResult.ProcessTainted, compilerOpts)
	if err != nil {
		return nil, err
	}
	cleanupCommands, err := compiler.Compile(expandedCleanup, ws, cleanupCaptureResult.ProcessTainted, compilerOpts)
	if err != nil {
		return nil, err
	}

	return &CompileResult{
		Compiled: &compiler.CompiledScript{
			Commands:      commands,
			Cleanup:       cleanupCommands,
			Labels:        labels,
			CleanupLabels: cleanupLabels,
			Options:       effective,
		},
		ExpandedOps:     expandedOps,
		ExpandedCleanup: expandedCleanup,
	}, nil
}

func validateExecutionOptions(o script.ExecutionOptions) error {
	if o.MaxRetries < 0 {
		return fmt.Errorf("compile: maxRetries must be >= 0")
	}
	if o.RetryDelayMs < 0 {
		return fmt.Errorf("compile: retryDelay must be >= 0")
	}
	if o.StepTimeoutMs <= 0 {
		return fmt.Errorf("compile: stepTimeout must be > 0")
	}
	if o.ScriptTimeoutMs <= 0 {
		return fmt.Errorf("compile: scriptTimeout must be > 0")
	}
	return nil
}

// ExecuteResult bundles the executor's report with the correlated audit
// entry stream.
type ExecuteResult struct {
	Result *executor.ScriptResult
	Audit  []audit.Entry
}

// Execute runs a CompileResult against ws and produces the audit stream as
// a pure function of the original/compiled/executed state. It
// never revisits any security decision made during Compile.
func Execute(ctx context.Context, cr *CompileResult, ws *workspace.Context, execOpts executor.Options, jobID string) *ExecuteResult {
	if jobID == "" {
		jobID = audit.NewJobID()
	}
	ex := executor.New(ws, execOpts)
	result := ex.Execute(ctx, cr.Compiled)

	entries := make([]audit.Entry, 0, len(result.Steps)+len(result.Cleanup))
	entries = append(entries, buildEntries(jobID, ws.SandboxRoot, cr.ExpandedOps, cr.Compiled.Commands, result.Steps)...)
	entries = append(entries, buildEntries(jobID, ws.SandboxRoot, cr.ExpandedCleanup, cr.Compiled.Cleanup, result.Cleanup)...)

	return &ExecuteResult{Result: result, Audit: entries}
}

func buildEntries(jobID, sandboxRoot string, ops []script.Operation, commands []compiler.CompiledCommand, steps []executor.StepResult) []audit.Entry {
	entries := make([]audit.Entry, 0, len(steps))
	for _, step := range steps {
		if step.StepIndex < 0 || step.StepIndex >= len(ops) || step.StepIndex >= len(commands) {
			continue
		}
		sr := audit.StepResult{
			Output:      step.Output,
			ExitCode:    step.ExitCode,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
			Attempts:    step.Attempts,
		}
		if step.Error != "" {
			sr.Err = errors.New(step.Error)
		}
		entries = append(entries, audit.Build(jobID, sandboxRoot, ops[step.StepIndex], commands[step.StepIndex], sr))
	}
	return entries
}

// WriteAudit persists every entry to sink, continuing past individual write
// failures. Audit persistence is best-effort observability, not a gate on
// script success.
func WriteAudit(sink audit.Sink, entries []audit.Entry) []error {
	var errs []error
	for _, e := range entries {
		if err := sink.Write(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
