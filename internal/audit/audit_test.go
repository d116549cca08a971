package audit

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentshell/core/internal/compiler"
	"github.com/agentshell/core/internal/script"
)

func TestBuild_SuccessEntry(t *testing.T) {
	started := time.Now()
	completed := started.Add(50 * time.Millisecond)
	code := 0

	entry := Build("job-1", "/sandbox", script.Operation{Verb: script.VerbFileRead, Args: []string{"$WORKSPACE/a.txt"}},
		compiler.CompiledCommand{StepIndex: 2, Verb: script.VerbFileRead, Kind: compiler.KindInMemory},
		StepResult{Output: "hello", ExitCode: &code, StartedAt: started, CompletedAt: completed, Attempts: 1})

	if entry.JobID != "job-1" {
		t.Errorf("got JobID %q, want job-1", entry.JobID)
	}
	if entry.StepIndex != 2 {
		t.Errorf("got StepIndex %d, want 2", entry.StepIndex)
	}
	if entry.RequestedVerb != script.VerbFileRead {
		t.Errorf("got RequestedVerb %s, want FileRead", entry.RequestedVerb)
	}
	if entry.RequestedArgs[0] != "$WORKSPACE/a.txt" {
		t.Error("expected RequestedArgs to preserve the pre-resolution literal")
	}
	if entry.Output != "hello" {
		t.Errorf("got Output %q, want hello", entry.Output)
	}
	if entry.Error != "" {
		t.Errorf("got Error %q, want empty for a successful step", entry.Error)
	}
}

func TestBuild_FailureEntryCarriesError(t *testing.T) {
	entry := Build("job-2", "/sandbox", script.Operation{Verb: script.VerbProcRun, Args: []string{"git", "push"}},
		compiler.CompiledCommand{StepIndex: 0, Verb: script.VerbProcRun, Kind: compiler.KindProcess, Executable: "git", ProcessArgs: []string{"git", "push"}},
		StepResult{Err: errors.New("exit status 1")})

	if entry.Error != "exit status 1" {
		t.Errorf("got Error %q, want %q", entry.Error, "exit status 1")
	}
	if entry.CompiledExecutable != "git" {
		t.Errorf("got CompiledExecutable %q, want git", entry.CompiledExecutable)
	}
}

func TestNewJobID_UniqueAndNonEmpty(t *testing.T) {
	a := NewJobID()
	b := NewJobID()
	if a == "" || b == "" {
		t.Fatal("expected NewJobID to return a non-empty id")
	}
	if a == b {
		t.Error("expected two calls to NewJobID to return distinct ids")
	}
}

func TestFileSink_WriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := NewFileSink(FileSinkConfig{Path: path})
	defer sink.Close()

	entry := Build("job-3", "/sandbox", script.Operation{Verb: script.VerbSysInfo},
		compiler.CompiledCommand{StepIndex: 0, Verb: script.VerbSysInfo, Kind: compiler.KindInMemory},
		StepResult{Output: "os=linux"})

	if err := sink.Write(entry); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
}
