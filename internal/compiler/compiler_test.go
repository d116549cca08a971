package compiler

import (
	"reflect"
	"testing"

	"github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/whitelist"
	"github.com/agentshell/core/internal/workspace"
)

func mustWorkspace(t *testing.T) *workspace.Context {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), "", "agent", nil)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	return ws
}

func TestCompile_FileReadHappyPath(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbFileRead, Args: []string{"data.txt"}}}
	out, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()})
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if len(out) != 1 || out[0].Kind != KindInMemory {
		t.Fatalf("got %+v, want one in-memory command", out)
	}
}

func TestCompile_RejectsWrongArity(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbFileRead, Args: []string{"a", "b"}}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected FileRead with 2 args to be rejected")
	}
}

func TestCompile_RejectsNonPrimitiveVerb(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbForEach}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected a non-primitive (unexpanded) verb to be rejected")
	}
}

func TestCompile_ProcRunRequiresWhitelist(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbProcRun, Args: []string{"git", "status"}}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected ProcRun without a configured whitelist to be rejected")
	}
}

func TestCompile_ProcRunWithWhitelist(t *testing.T) {
	ws := mustWorkspace(t)
	reg, err := whitelist.NewRegistry(whitelist.Config{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ops := []script.Operation{{Verb: script.VerbProcRun, Args: []string{"git", "status"}}}
	out, err := Compile(ops, ws, nil, Options{Whitelist: reg, Execution: script.DefaultExecutionOptions()})
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if out[0].Kind != KindProcess || out[0].Executable != "git" {
		t.Errorf("got %+v, want a process command for git", out[0])
	}
}

func TestCompile_ProcRunBlocksTaintedCapture(t *testing.T) {
	ws := mustWorkspace(t)
	reg, err := whitelist.NewRegistry(whitelist.Config{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tainted := map[string]bool{"OUT": true}
	ops := []script.Operation{{Verb: script.VerbProcRun, Args: []string{"git", "$OUT"}}}
	if _, err := Compile(ops, ws, tainted, Options{Whitelist: reg, Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected a ProcRun argument referencing a process-tainted capture to be rejected")
	}
}

func TestCompile_RejectsPathEscape(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbFileRead, Args: []string{"../../etc/passwd"}}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected a traversal path to be rejected")
	}
}

func TestCompile_RejectsBlacklistedArgument(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbTextReplace, Args: []string{"rm -rf /", "x", "y"}}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected an argument matching the gigablacklist to be rejected")
	}
}

func TestCompile_HTTPGetRejectsSSRF(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbHTTPGet, Args: []string{"https://127.0.0.1/admin"}}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected a loopback URL to be rejected")
	}
}

func TestCompile_FileHashRejectsUnknownAlgorithm(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbFileHash, Args: []string{"data.txt", "sha1"}}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected an unsupported hash algorithm to be rejected")
	}
}

func TestCompile_MathEvalRejectsDisallowedCharacters(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{Verb: script.VerbMathEval, Args: []string{"1; ls"}}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected a MathEval expression with disallowed characters to be rejected")
	}
}

func TestCompile_FileTemplateRejectsVariableInValue(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{
		Verb:     script.VerbFileTemplate,
		Args:     []string{"src.tmpl", "dst.txt"},
		Template: &script.TemplateSpec{Values: map[string]string{"name": "$PREV"}},
	}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected a template value containing a variable reference to be rejected")
	}
}

func TestCompile_FilePatchRejectsEmptyFind(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{{
		Verb:    script.VerbFilePatch,
		Args:    []string{"file.txt"},
		Patches: []script.Patch{{Find: "", Replace: "x"}},
	}}
	if _, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()}); err == nil {
		t.Error("expected a patch with an empty find to be rejected")
	}
}

func TestCompile_DeterministicForEqualInputs(t *testing.T) {
	ws := mustWorkspace(t)
	ops := []script.Operation{
		{Verb: script.VerbFileWrite, Args: []string{"a.txt", "$WORKSPACE"}},
		{Verb: script.VerbMathEval, Args: []string{"1+2*3"}},
	}
	first, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()})
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	second, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()})
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("compiling identical input twice produced different commands:\n%+v\n%+v", first, second)
	}
}

func TestCompile_EffectiveRetriesAndTimeoutUsePerStepOverride(t *testing.T) {
	ws := mustWorkspace(t)
	retries := 5
	timeout := int64(9000)
	ops := []script.Operation{{Verb: script.VerbFileRead, Args: []string{"data.txt"}, MaxRetries: &retries, StepTimeout: &timeout}}
	out, err := Compile(ops, ws, nil, Options{Execution: script.DefaultExecutionOptions()})
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if out[0].MaxRetries != 5 {
		t.Errorf("got MaxRetries %d, want 5", out[0].MaxRetries)
	}
	if out[0].StepTimeoutMs != 9000 {
		t.Errorf("got StepTimeoutMs %d, want 9000", out[0].StepTimeoutMs)
	}
}
