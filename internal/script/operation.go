package script

// Operation is one concrete verb invocation with arguments and metadata.
// Control-flow fields (ForEach, If) are populated only for their matching
// verb; that invariant is enforced by the expander and compiler, not by the
// type itself.
type Operation struct {
	Verb Verb     `json:"verb"`
	Args []string `json:"args,omitempty"`

	MaxRetries  *int   `json:"maxRetries,omitempty"`
	StepTimeout *int64 `json:"stepTimeoutMs,omitempty"`
	Label       string `json:"label,omitempty"`
	OnFailure   string `json:"onFailure,omitempty"` // "goto:<label>"
	CaptureAs   string `json:"captureAs,omitempty"`

	ForEach *ForEachSpec `json:"forEach,omitempty"`
	If      *IfSpec      `json:"if,omitempty"`

	// Guard is attached by the expander to a primitive operation that guarded
	// an If whose predicate could not be folded away at expansion time
	// (PrevContains, PrevEmpty, FileExists, DirExists). The executor
	// evaluates it immediately before running the step and skips the step if
	// it is not satisfied. It is never set on an operation submitted directly
	// by a caller.
	Guard *Predicate `json:"-"`

	Template *TemplateSpec `json:"template,omitempty"`
	Patches  []Patch       `json:"patches,omitempty"`
}

// ForEachSpec drives ForEach expansion.
type ForEachSpec struct {
	Items []string  `json:"items"`
	Body  Operation `json:"body"`
}

// PredicateKind is the closed set of If predicates.
type PredicateKind string

const (
	PredicatePrevContains PredicateKind = "PrevContains"
	PredicatePrevEmpty    PredicateKind = "PrevEmpty"
	PredicateEnvEquals    PredicateKind = "EnvEquals"
	PredicateFileExists   PredicateKind = "FileExists"
	PredicateDirExists    PredicateKind = "DirExists"
)

// Decidable reports whether the predicate kind's inputs are fully known to
// the expander. No step has produced output yet at expansion time, so only
// EnvEquals, backed by the host-supplied env allowlist, qualifies;
// PrevContains/PrevEmpty depend on prior step output and are evaluated at
// runtime despite the surface similarity.
func (k PredicateKind) Decidable() bool {
	return k == PredicateEnvEquals
}

// Predicate is one If condition.
type Predicate struct {
	Kind  PredicateKind `json:"kind"`
	Arg   string        `json:"arg,omitempty"`   // substring for PrevContains, env name for EnvEquals, path for FileExists/DirExists
	Value string        `json:"value,omitempty"` // expected value for EnvEquals
}

// IfSpec drives If expansion/deferred evaluation.
type IfSpec struct {
	Predicate Predicate `json:"predicate"`
	Then      Operation `json:"then"`
}

// TemplateSpec is the FileTemplate verb's key/value substitution table:
// values must be literal (no `$`), key count capped at 64.
type TemplateSpec struct {
	Values map[string]string `json:"values"`
}

// Patch is one FilePatch find/replace pair: find must be
// non-empty, neither find nor replace may contain `$`.
type Patch struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// Script is the top-level submission unit.
type Script struct {
	Operations []Operation       `json:"operations"`
	Cleanup    []Operation       `json:"cleanup,omitempty"`
	Options    *ExecutionOptions `json:"options,omitempty"`
}

// FailureMode controls how the executor reacts to a step failure.
type FailureMode string

const (
	StopOnFirstError FailureMode = "StopOnFirstError"
	ContinueOnError  FailureMode = "ContinueOnError"
	StopAndCleanup   FailureMode = "StopAndCleanup"
)

// ExecutionOptions carries script-level defaults overridable per step.
type ExecutionOptions struct {
	MaxRetries      int         `json:"maxRetries"`
	RetryDelayMs    int64       `json:"retryDelayMs"`
	StepTimeoutMs   int64       `json:"stepTimeoutMs"`
	ScriptTimeoutMs int64       `json:"scriptTimeoutMs"`
	FailureMode     FailureMode `json:"failureMode"`
	MaxOutputBytes  int         `json:"maxOutputBytes"`
	MaxErrorBytes   int         `json:"maxErrorBytes"`
	PipeStepOutput  bool        `json:"pipeStepOutput"`
}

// DefaultExecutionOptions returns sane, safe defaults.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{
		MaxRetries:      0,
		RetryDelayMs:    200,
		StepTimeoutMs:   30_000,
		ScriptTimeoutMs: 300_000,
		FailureMode:     StopOnFirstError,
		MaxOutputBytes:  64 * 1024,
		MaxErrorBytes:   16 * 1024,
		PipeStepOutput:  true,
	}
}

// EffectiveStepRetries resolves the per-step retry override against the
// script default.
func EffectiveStepRetries(op Operation, opts ExecutionOptions) int {
	if op.MaxRetries != nil {
		return *op.MaxRetries
	}
	return opts.MaxRetries
}

// EffectiveStepTimeoutMs resolves the per-step timeout override.
func EffectiveStepTimeoutMs(op Operation, opts ExecutionOptions) int64 {
	if op.StepTimeout != nil {
		return *op.StepTimeout
	}
	return opts.StepTimeoutMs
}
