package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/agentshell/core/internal/compiler"
	"github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/workspace"
)

func newTestExecutor(t *testing.T) (*Executor, *workspace.Context) {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), "", "agent", nil)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	opts := DefaultOptions()
	opts.ProcessSpawnRate = 0
	return New(ws, opts), ws
}

func TestRunInMemory_FileWriteReadRoundTrip(t *testing.T) {
	e, ws := newTestExecutor(t)
	path := filepath.Join(ws.SandboxRoot, "note.txt")

	writeCC := compiler.CompiledCommand{Verb: script.VerbFileWrite, Kind: compiler.KindInMemory}
	if _, err := e.runInMemory(context.Background(), writeCC, []string{path, "hello"}, script.DefaultExecutionOptions()); err != nil {
		t.Fatalf("FileWrite failed: %v", err)
	}

	readCC := compiler.CompiledCommand{Verb: script.VerbFileRead, Kind: compiler.KindInMemory}
	out, err := e.runInMemory(context.Background(), readCC, []string{path}, script.DefaultExecutionOptions())
	if err != nil {
		t.Fatalf("FileRead failed: %v", err)
	}
	if out != "hello" {
		t.Errorf("got %q, want hello", out)
	}
}

func TestRunInMemory_TextReplace(t *testing.T) {
	e, _ := newTestExecutor(t)
	cc := compiler.CompiledCommand{Verb: script.VerbTextReplace, Kind: compiler.KindInMemory}
	out, err := e.runInMemory(context.Background(), cc, []string{"hello world", "world", "there"}, script.DefaultExecutionOptions())
	if err != nil {
		t.Fatalf("TextReplace failed: %v", err)
	}
	if out != "hello there" {
		t.Errorf("got %q, want %q", out, "hello there")
	}
}

func TestRunInMemory_JSONGetSet(t *testing.T) {
	e, _ := newTestExecutor(t)
	doc := `{"name":"a"}`

	getCC := compiler.CompiledCommand{Verb: script.VerbJSONGet, Kind: compiler.KindInMemory}
	out, err := e.runInMemory(context.Background(), getCC, []string{doc, "name"}, script.DefaultExecutionOptions())
	if err != nil {
		t.Fatalf("JSONGet failed: %v", err)
	}
	if out != "a" {
		t.Errorf("got %q, want a", out)
	}

	setCC := compiler.CompiledCommand{Verb: script.VerbJSONSet, Kind: compiler.KindInMemory}
	out, err = e.runInMemory(context.Background(), setCC, []string{doc, "name", "b"}, script.DefaultExecutionOptions())
	if err != nil {
		t.Fatalf("JSONSet failed: %v", err)
	}
	if out != `{"name":"b"}` {
		t.Errorf("got %q, want {\"name\":\"b\"}", out)
	}
}

func TestRunInMemory_EnvGetRejectsCredentialLookingName(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.opts.EnvAllowlist = map[string]bool{"API_SECRET_KEY": true}
	cc := compiler.CompiledCommand{Verb: script.VerbEnvGet, Kind: compiler.KindInMemory}
	if _, err := e.runInMemory(context.Background(), cc, []string{"API_SECRET_KEY"}, script.DefaultExecutionOptions()); err == nil {
		t.Error("expected a credential-shaped env name to be rejected even if allowlisted")
	}
}

func TestRunInMemory_EnvGetRejectsUnlistedName(t *testing.T) {
	e, _ := newTestExecutor(t)
	cc := compiler.CompiledCommand{Verb: script.VerbEnvGet, Kind: compiler.KindInMemory}
	if _, err := e.runInMemory(context.Background(), cc, []string{"RANDOM_NAME"}, script.DefaultExecutionOptions()); err == nil {
		t.Error("expected a name not in the allowlist to be rejected")
	}
}

func TestRunInMemory_FileHash(t *testing.T) {
	e, ws := newTestExecutor(t)
	path := filepath.Join(ws.SandboxRoot, "data.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	cc := compiler.CompiledCommand{Verb: script.VerbFileHash, Kind: compiler.KindInMemory}
	out, err := e.runInMemory(context.Background(), cc, []string{path, "sha256"}, script.DefaultExecutionOptions())
	if err != nil {
		t.Fatalf("FileHash failed: %v", err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestRunInMemory_FileTemplate(t *testing.T) {
	e, ws := newTestExecutor(t)
	src := filepath.Join(ws.SandboxRoot, "src.tmpl")
	dst := filepath.Join(ws.SandboxRoot, "dst.txt")
	if err := os.WriteFile(src, []byte("hello {{name}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	cc := compiler.CompiledCommand{
		Verb: script.VerbFileTemplate, Kind: compiler.KindInMemory,
		Template: &script.TemplateSpec{Values: map[string]string{"name": "world"}},
	}
	if _, err := e.runInMemory(context.Background(), cc, []string{src, dst}, script.DefaultExecutionOptions()); err != nil {
		t.Fatalf("FileTemplate failed: %v", err)
	}
	out, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello world" {
		t.Errorf("got %q, want %q", out, "hello world")
	}
}

func TestRunInMemory_FilePatch(t *testing.T) {
	e, ws := newTestExecutor(t)
	path := filepath.Join(ws.SandboxRoot, "file.txt")
	if err := os.WriteFile(path, []byte("foo bar"), 0o644); err != nil {
		t.Fatal(err)
	}
	cc := compiler.CompiledCommand{
		Verb: script.VerbFilePatch, Kind: compiler.KindInMemory,
		Patches: []script.Patch{{Find: "foo", Replace: "baz"}},
	}
	if _, err := e.runInMemory(context.Background(), cc, []string{path}, script.DefaultExecutionOptions()); err != nil {
		t.Fatalf("FilePatch failed: %v", err)
	}
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "baz bar" {
		t.Errorf("got %q, want %q", out, "baz bar")
	}
}

func TestRunInMemory_MathEval(t *testing.T) {
	e, _ := newTestExecutor(t)
	cc := compiler.CompiledCommand{Verb: script.VerbMathEval, Kind: compiler.KindInMemory}
	out, err := e.runInMemory(context.Background(), cc, []string{"(2 + 3) * 4"}, script.DefaultExecutionOptions())
	if err != nil {
		t.Fatalf("MathEval failed: %v", err)
	}
	if out != "20" {
		t.Errorf("got %q, want 20", out)
	}
}

func TestEvalMath_DivisionByZero(t *testing.T) {
	if _, err := evalMath("1/0"); err == nil {
		t.Error("expected division by zero to error")
	}
}

func TestTruncateTail_UTF8Safe(t *testing.T) {
	s := "héllo wörld"
	out := truncateTail(s, 5)
	if len(out) > 6 {
		t.Errorf("got %d bytes, want at most 6 (accounting for a 2-byte rune boundary)", len(out))
	}
	if !utf8.ValidString(out) {
		t.Fatalf("truncateTail split a multibyte rune: %q", out)
	}
}

func TestTruncateTail_NoOpWhenUnderLimit(t *testing.T) {
	if got := truncateTail("short", 100); got != "short" {
		t.Errorf("got %q, want short", got)
	}
}

func TestRunSequence_StopOnFirstErrorHaltsSequence(t *testing.T) {
	e, _ := newTestExecutor(t)
	commands := []compiler.CompiledCommand{
		{Verb: script.VerbFileRead, Kind: compiler.KindInMemory, Args: []string{"/does/not/exist"}, StepTimeoutMs: 1000},
		{Verb: script.VerbMathEval, Kind: compiler.KindInMemory, Args: []string{"1+1"}, StepTimeoutMs: 1000},
	}
	opts := script.ExecutionOptions{FailureMode: script.StopOnFirstError, StepTimeoutMs: 1000, ScriptTimeoutMs: 5000}
	rt := newRuntimeState()
	results, ok := e.runSequence(context.Background(), commands, nil, opts, rt)
	if ok {
		t.Error("expected the sequence to report failure")
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (stopped after first failure)", len(results))
	}
}

func TestRunSequence_ContinueOnErrorRunsAllSteps(t *testing.T) {
	e, _ := newTestExecutor(t)
	commands := []compiler.CompiledCommand{
		{Verb: script.VerbFileRead, Kind: compiler.KindInMemory, Args: []string{"/does/not/exist"}, StepTimeoutMs: 1000},
		{Verb: script.VerbMathEval, Kind: compiler.KindInMemory, Args: []string{"1+1"}, StepTimeoutMs: 1000},
	}
	opts := script.ExecutionOptions{FailureMode: script.ContinueOnError, StepTimeoutMs: 1000, ScriptTimeoutMs: 5000}
	rt := newRuntimeState()
	results, ok := e.runSequence(context.Background(), commands, nil, opts, rt)
	if ok {
		t.Error("expected overall failure to still be reported")
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (both steps ran)", len(results))
	}
	if !results[1].Success {
		t.Error("expected the second step to succeed")
	}
}

func TestRunSequence_OnFailureGotoJumpsForward(t *testing.T) {
	e, _ := newTestExecutor(t)
	commands := []compiler.CompiledCommand{
		{StepIndex: 0, Verb: script.VerbFileRead, Kind: compiler.KindInMemory, Args: []string{"/does/not/exist"}, OnFailure: "goto:recover", StepTimeoutMs: 1000},
		{StepIndex: 1, Verb: script.VerbMathEval, Kind: compiler.KindInMemory, Args: []string{"999"}, StepTimeoutMs: 1000},
		{StepIndex: 2, Verb: script.VerbMathEval, Kind: compiler.KindInMemory, Args: []string{"1+1"}, Label: "recover", StepTimeoutMs: 1000},
	}
	labels := map[string]int{"recover": 2}
	opts := script.ExecutionOptions{FailureMode: script.StopOnFirstError, StepTimeoutMs: 1000, ScriptTimeoutMs: 5000}
	rt := newRuntimeState()
	results, _ := e.runSequence(context.Background(), commands, labels, opts, rt)

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (jump skips the middle step)", len(results))
	}
	if results[1].Output != "2" {
		t.Errorf("got %q, want the jumped-to step's output 2", results[1].Output)
	}
}

func TestRunSequence_GuardSkipsStep(t *testing.T) {
	e, _ := newTestExecutor(t)
	commands := []compiler.CompiledCommand{
		{Verb: script.VerbMathEval, Kind: compiler.KindInMemory, Args: []string{"1+1"}, Guard: &script.Predicate{Kind: script.PredicatePrevEmpty}, StepTimeoutMs: 1000},
	}
	opts := script.ExecutionOptions{FailureMode: script.StopOnFirstError, StepTimeoutMs: 1000, ScriptTimeoutMs: 5000}
	rt := newRuntimeState()
	rt.prev = "not empty"
	results, ok := e.runSequence(context.Background(), commands, nil, opts, rt)
	if !ok {
		t.Error("expected a skipped step to not count as a failure")
	}
	if !results[0].Skipped {
		t.Error("expected the step to be marked Skipped")
	}
}

func TestRunStepWithRetries_RetriesThenSucceeds(t *testing.T) {
	e, ws := newTestExecutor(t)
	path := filepath.Join(ws.SandboxRoot, "appears-after-retry.txt")

	attempt := 0
	cc := compiler.CompiledCommand{Verb: script.VerbFileRead, Kind: compiler.KindInMemory, Args: []string{path}, MaxRetries: 5, StepTimeoutMs: 1000}
	opts := script.ExecutionOptions{RetryDelayMs: 2}

	go func() {
		time.Sleep(3 * time.Millisecond)
		os.WriteFile(path, []byte("ok"), 0o644)
		attempt = 1
	}()

	rt := newRuntimeState()
	sr := e.runStepWithRetries(context.Background(), cc, opts, rt)
	_ = attempt
	if !sr.Success {
		t.Errorf("expected eventual success after retries, got error %q", sr.Error)
	}
	if sr.Attempts < 1 {
		t.Error("expected at least one attempt recorded")
	}
}

func TestRunStepWithRetries_ExhaustsAndReportsLastError(t *testing.T) {
	e, _ := newTestExecutor(t)
	cc := compiler.CompiledCommand{Verb: script.VerbFileRead, Kind: compiler.KindInMemory, Args: []string{"/does/not/exist"}, MaxRetries: 1, StepTimeoutMs: 1000}
	opts := script.ExecutionOptions{RetryDelayMs: 1}
	rt := newRuntimeState()
	sr := e.runStepWithRetries(context.Background(), cc, opts, rt)
	if sr.Success {
		t.Error("expected failure")
	}
	if sr.Attempts != 2 {
		t.Errorf("got %d attempts, want 2 (MaxRetries=1 means one retry)", sr.Attempts)
	}
}

func TestEvaluateGuard_FileExists(t *testing.T) {
	_, ws := newTestExecutor(t)
	path := filepath.Join(ws.SandboxRoot, "present.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := newRuntimeState()
	g := &script.Predicate{Kind: script.PredicateFileExists, Arg: "present.txt"}
	if !evaluateGuard(g, rt, ws.SandboxRoot) {
		t.Error("expected FileExists guard to be true for an existing file")
	}
	g2 := &script.Predicate{Kind: script.PredicateFileExists, Arg: "missing.txt"}
	if evaluateGuard(g2, rt, ws.SandboxRoot) {
		t.Error("expected FileExists guard to be false for a missing file")
	}
}

func TestRevalidateDynamicArgs_RejectsEscapedPath(t *testing.T) {
	if err := revalidateDynamicArgs(script.VerbFileRead, []string{"/etc/passwd"}, "/sandbox", false); err == nil {
		t.Error("expected an out-of-sandbox path to be rejected at runtime revalidation")
	}
}

func TestRevalidateDynamicArgs_RejectsEscapedWritePath(t *testing.T) {
	root := t.TempDir()
	if err := revalidateDynamicArgs(script.VerbFileWrite, []string{root + "/../../etc/cron.d/x", "payload"}, root, false); err == nil {
		t.Error("expected a capture-derived traversal in a write path to be rejected at runtime")
	}
	if err := revalidateDynamicArgs(script.VerbFileWrite, []string{root + "/payload.so", "x"}, root, false); err == nil {
		t.Error("expected the write-tier extension denylist to apply at runtime revalidation too")
	}
}

func TestRuntimeCaptureSubstitutionCannotEscapeSandbox(t *testing.T) {
	e, ws := newTestExecutor(t)
	commands := []compiler.CompiledCommand{
		{Verb: script.VerbFileWrite, Kind: compiler.KindInMemory,
			Args: []string{filepath.Join(ws.SandboxRoot, "$ESCAPE"), "x"}, StepTimeoutMs: 1000},
	}
	opts := script.ExecutionOptions{FailureMode: script.StopOnFirstError, StepTimeoutMs: 1000, ScriptTimeoutMs: 5000}
	rt := newRuntimeState()
	rt.captures["ESCAPE"] = "../../etc/agentshell-pwned"
	results, ok := e.runSequence(context.Background(), commands, nil, opts, rt)
	if ok || results[0].Success {
		t.Error("expected a capture resolving to a traversal to fail the step, not escape the sandbox")
	}
}

func TestExecute_StopAndCleanupRunsCleanupOnFailure(t *testing.T) {
	e, ws := newTestExecutor(t)
	cleanupPath := filepath.Join(ws.SandboxRoot, "cleanup-ran.txt")

	compiled := &compiler.CompiledScript{
		Commands: []compiler.CompiledCommand{
			{Verb: script.VerbFileRead, Kind: compiler.KindInMemory, Args: []string{"/does/not/exist"}, StepTimeoutMs: 1000},
		},
		Cleanup: []compiler.CompiledCommand{
			{Verb: script.VerbFileWrite, Kind: compiler.KindInMemory, Args: []string{cleanupPath, "done"}, StepTimeoutMs: 1000},
		},
		Options: script.ExecutionOptions{FailureMode: script.StopAndCleanup, StepTimeoutMs: 1000, ScriptTimeoutMs: 5000},
	}

	result := e.Execute(context.Background(), compiled)
	if result.AllSucceeded {
		t.Error("expected overall failure")
	}
	if len(result.Cleanup) != 1 || !result.Cleanup[0].Success {
		t.Fatalf("expected cleanup to run and succeed, got %+v", result.Cleanup)
	}
	if _, err := os.Stat(cleanupPath); err != nil {
		t.Errorf("expected cleanup to have written %s: %v", cleanupPath, err)
	}
}

func TestProcessError_CarriesExitCode(t *testing.T) {
	var perr *processError
	err := error(&processError{exitCode: 7, stderr: "boom"})
	if !errors.As(err, &perr) {
		t.Fatal("expected errors.As to match a *processError")
	}
	if perr.exitCode != 7 {
		t.Errorf("got exit code %d, want 7", perr.exitCode)
	}
}
