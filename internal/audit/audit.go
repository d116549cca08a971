// Package audit emits the per-step AuditEntry stream. The dual-backend
// selection (file vs database) keeps the on-disk format identical across
// backends; the host picks one at startup.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentshell/core/internal/compiler"
	"github.com/agentshell/core/internal/script"
)

// Entry is one audit record.
type Entry struct {
	JobID              string      `json:"jobId"`
	StepIndex          int         `json:"stepIndex"`
	RequestedVerb      script.Verb `json:"requestedVerb"`
	RequestedArgs      []string    `json:"requestedArgs"`
	CompiledExecutable string      `json:"compiledExecutable,omitempty"`
	CompiledArgs       []string    `json:"compiledArgs,omitempty"`
	ExitCode           *int        `json:"exitCode,omitempty"`
	Output             string      `json:"output,omitempty"`
	Error              string      `json:"error,omitempty"`
	StartedAt          time.Time   `json:"startedAt"`
	CompletedAt        time.Time   `json:"completedAt"`
	Attempts           int         `json:"attempts"`
	SandboxRoot        string      `json:"sandboxRoot"`
}

// StepResult is what internal/executor reports back per step; audit.Build
// combines it with the original and compiled operation to produce an Entry.
type StepResult struct {
	Output      string
	Err         error
	ExitCode    *int
	StartedAt   time.Time
	CompletedAt time.Time
	Attempts    int
}

// Build is a pure function from the original operation, its compiled form,
// and its result to an audit entry. It never touches a sink
// itself.
func Build(jobID string, sandboxRoot string, original script.Operation, compiled compiler.CompiledCommand, result StepResult) Entry {
	e := Entry{
		JobID:              jobID,
		StepIndex:          compiled.StepIndex,
		RequestedVerb:      original.Verb,
		RequestedArgs:      original.Args,
		CompiledExecutable: compiled.Executable,
		CompiledArgs:       compiled.ProcessArgs,
		Output:             result.Output,
		StartedAt:          result.StartedAt,
		CompletedAt:        result.CompletedAt,
		Attempts:           result.Attempts,
		ExitCode:           result.ExitCode,
		SandboxRoot:        sandboxRoot,
	}
	if result.Err != nil {
		e.Error = result.Err.Error()
	}
	return e
}

// NewJobID mints a correlation id for one compile-execute cycle.
func NewJobID() string {
	return uuid.NewString()
}

// Sink persists (or forwards) a completed audit entry. Implementations must
// not block the executor's step sequencing for longer than their own I/O
// requires; failures are logged by the caller and never abort the script.
type Sink interface {
	Write(e Entry) error
	Close() error
}

// marshal is shared by both sink implementations so the on-disk/row format
// stays identical regardless of backend.
func marshal(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal entry: %w", err)
	}
	return b, nil
}
