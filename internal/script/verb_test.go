package script

import "testing"

func TestIsPrimitive(t *testing.T) {
	cases := []struct {
		verb Verb
		want bool
	}{
		{VerbFileRead, true},
		{VerbProcRun, true},
		{VerbForEach, false},
		{VerbIf, false},
		{VerbInclude, false},
		{VerbFileWriteMany, false},
	}
	for _, tt := range cases {
		if got := IsPrimitive(tt.verb); got != tt.want {
			t.Errorf("IsPrimitive(%s) = %v, want %v", tt.verb, got, tt.want)
		}
	}
}

func TestSpawnsProcess(t *testing.T) {
	if !SpawnsProcess(VerbProcRun) {
		t.Error("expected ProcRun to spawn a process")
	}
	if SpawnsProcess(VerbFileRead) {
		t.Error("expected FileRead to not spawn a process")
	}
}

func TestAllVerbsIsNonEmptyAndUnique(t *testing.T) {
	seen := make(map[Verb]bool, len(AllVerbs))
	for _, v := range AllVerbs {
		if seen[v] {
			t.Errorf("duplicate verb %s in AllVerbs", v)
		}
		seen[v] = true
	}
	if len(AllVerbs) == 0 {
		t.Fatal("expected AllVerbs to be non-empty")
	}
}

func TestPredicateKind_Decidable(t *testing.T) {
	if !PredicateEnvEquals.Decidable() {
		t.Error("expected EnvEquals to be decidable at expansion time")
	}
	if PredicatePrevContains.Decidable() {
		t.Error("expected PrevContains to be deferred to runtime")
	}
}

func TestEffectiveStepRetries_OverrideWinsOverDefault(t *testing.T) {
	override := 9
	op := Operation{MaxRetries: &override}
	opts := ExecutionOptions{MaxRetries: 3}
	if got := EffectiveStepRetries(op, opts); got != 9 {
		t.Errorf("got %d, want 9", got)
	}
}

func TestEffectiveStepRetries_FallsBackToScriptDefault(t *testing.T) {
	op := Operation{}
	opts := ExecutionOptions{MaxRetries: 3}
	if got := EffectiveStepRetries(op, opts); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestEffectiveStepTimeoutMs_OverrideWinsOverDefault(t *testing.T) {
	override := int64(5000)
	op := Operation{StepTimeout: &override}
	opts := ExecutionOptions{StepTimeoutMs: 30000}
	if got := EffectiveStepTimeoutMs(op, opts); got != 5000 {
		t.Errorf("got %d, want 5000", got)
	}
}

func TestDefaultExecutionOptions_SatisfiesInvariants(t *testing.T) {
	d := DefaultExecutionOptions()
	if d.MaxRetries < 0 {
		t.Error("expected maxRetries >= 0")
	}
	if d.RetryDelayMs < 0 {
		t.Error("expected retryDelayMs >= 0")
	}
	if d.StepTimeoutMs <= 0 {
		t.Error("expected stepTimeoutMs > 0")
	}
	if d.ScriptTimeoutMs <= 0 {
		t.Error("expected scriptTimeoutMs > 0")
	}
}
