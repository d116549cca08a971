// Package whitelist implements the command whitelist: the only
// path by which a ProcRun operation produces a child process. Templates are
// matched by exact prefix and flag schema; positional arguments validate
// against one of a closed set of typed slot kinds. There is no "allowed
// binary with blocked flags" fallback; an unregistered shape is rejected
// outright.
package whitelist

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentshell/core/internal/pathsec"
)

// Violation reports why a ProcRun invocation did not match the whitelist.
type Violation struct {
	Args   []string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("whitelist: %s (args %v)", v.Reason, v.Args)
}

// permanentBlockList rejects a binary name regardless of any registered
// template.
// Entries ending in "*" match by prefix (the python2/python3/pythonw
// family).
var permanentBlockList = []string{
	"bash", "sh", "zsh", "fish", "dash", "cmd", "powershell", "pwsh",
	"python*", "perl", "ruby", "lua", "php",
	"sudo", "su",
	"curl", "wget",
	"find", "xargs",
	"env", "nohup",
	"ssh", "scp",
	"nc", "socat",
	"crontab",
	"chmod", "chown",
	"systemctl",
	"dd", "strace",
}

func isPermanentlyBlocked(binary string) bool {
	lower := strings.ToLower(binary)
	for _, entry := range permanentBlockList {
		if strings.HasSuffix(entry, "*") {
			if strings.HasPrefix(lower, strings.TrimSuffix(entry, "*")) {
				return true
			}
			continue
		}
		if lower == entry {
			return true
		}
	}
	return false
}

// SlotKind is a closed tag for the value kinds a positional argument or flag
// value can validate against.
type SlotKind int

const (
	SlotChoice SlotKind = iota
	SlotSandboxPath
	SlotAdminWord
	SlotIntRange
	SlotComposedWords
	SlotCompoundName
)

// Slot validates one positional argument or flag value.
type Slot struct {
	Kind SlotKind

	Choices []string // SlotChoice

	PathTier pathsec.Tier // SlotSandboxPath

	Words []string // SlotAdminWord

	Min, Max int // SlotIntRange

	WordList []string // SlotComposedWords
	MaxWords int      // SlotComposedWords

	compoundAccepted map[string]bool // SlotCompoundName, precomputed
}

// NewCompoundNameSlot precomputes the accepted set for a CompoundName slot as
// the cross-product bases × ({ε} ∪ suffixes ∪ "." · suffixes). bases is
// runtime configuration and must already be bounded by the caller.
func NewCompoundNameSlot(bases, suffixes []string) Slot {
	accepted := make(map[string]bool, len(bases)*(2*len(suffixes)+1))
	for _, b := range bases {
		accepted[b] = true
		for _, s := range suffixes {
			accepted[b+s] = true
			accepted[b+"."+s] = true
		}
	}
	return Slot{Kind: SlotCompoundName, compoundAccepted: accepted}
}

func (s Slot) validate(value, sandboxRoot string) error {
	switch s.Kind {
	case SlotChoice:
		for _, c := range s.Choices {
			if value == c {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %v", value, s.Choices)

	case SlotSandboxPath:
		if _, err := pathsec.Resolve(value, sandboxRoot, s.PathTier); err != nil {
			return err
		}
		return nil

	case SlotAdminWord:
		for _, w := range s.Words {
			if value == w {
				return nil
			}
		}
		return fmt.Errorf("value %q is not a recognized word", value)

	case SlotIntRange:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("value %q is not an integer", value)
		}
		if n < s.Min || n > s.Max {
			return fmt.Errorf("value %d is outside the range [%d, %d]", n, s.Min, s.Max)
		}
		return nil

	case SlotComposedWords:
		tokens := strings.Split(value, " ")
		if len(tokens) > s.MaxWords {
			return fmt.Errorf("value has more than %d words", s.MaxWords)
		}
		allowed := make(map[string]bool, len(s.WordList))
		for _, w := range s.WordList {
			allowed[w] = true
		}
		for _, t := range tokens {
			if !allowed[t] {
				return fmt.Errorf("word %q is not in the allowed list", t)
			}
		}
		return nil

	case SlotCompoundName:
		if !s.compoundAccepted[value] {
			return fmt.Errorf("value %q is not a registered compound name", value)
		}
		return nil

	default:
		return fmt.Errorf("unrecognized slot kind")
	}
}

// FlagSpec describes one permitted flag.
type FlagSpec struct {
	TakesValue bool
	Value      Slot
}

// Template is one registered command shape.
type Template struct {
	Name       string
	Prefix     []string
	Flags      map[string]FlagSpec
	Positional []Slot
}

// Registry is the immutable whitelist built once at host construction.
type Registry struct {
	templates []Template
	aliases   map[string]string
}

// Config carries the host's bounded runtime configuration.
type Config struct {
	ProjectBases  []string // ≤32
	GitRemoteURLs []string // ≤16
	// ProtectedBranches are excluded from the branch word list by
	// construction regardless of what the host passes in
	// AllowedBranches.
	AllowedBranches []string
}

var defaultProtectedBranches = map[string]bool{
	"main": true, "master": true, "develop": true, "staging": true,
	"production": true, "live": true, "trunk": true,
}

func isProtectedBranch(name string) bool {
	if defaultProtectedBranches[name] {
		return true
	}
	return strings.HasPrefix(name, "release")
}

// NewRegistry builds the immutable template registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if len(cfg.ProjectBases) > 32 {
		return nil, fmt.Errorf("whitelist: more than 32 project bases configured")
	}
	if len(cfg.GitRemoteURLs) > 16 {
		return nil, fmt.Errorf("whitelist: more than 16 git remote urls configured")
	}

	var branches []string
	for _, b := range cfg.AllowedBranches {
		if !isProtectedBranch(b) {
			branches = append(branches, b)
		}
	}

	remoteSlot := Slot{Kind: SlotAdminWord, Words: cfg.GitRemoteURLs}
	branchSlot := Slot{Kind: SlotAdminWord, Words: branches}
	projectSlot := NewCompoundNameSlot(cfg.ProjectBases, []string{"csproj", "sln"})

	templates := []Template{
		{Name: "git-status", Prefix: []string{"git", "status"}},
		{Name: "git-diff", Prefix: []string{"git", "diff"}, Positional: []Slot{{Kind: SlotSandboxPath, PathTier: pathsec.TierRead}}},
		{Name: "git-log", Prefix: []string{"git", "log"}, Flags: map[string]FlagSpec{
			"-n": {TakesValue: true, Value: Slot{Kind: SlotIntRange, Min: 1, Max: 200}},
		}},
		{Name: "git-branch", Prefix: []string{"git", "branch"}},
		{Name: "git-add", Prefix: []string{"git", "add"}, Positional: []Slot{{Kind: SlotSandboxPath, PathTier: pathsec.TierRead}}},
		{Name: "git-commit", Prefix: []string{"git", "commit"}, Flags: map[string]FlagSpec{
			"-m": {TakesValue: true, Value: Slot{Kind: SlotComposedWords, MaxWords: 32, WordList: commitMessageWords}},
		}},
		{Name: "git-push", Prefix: []string{"git", "push"}, Positional: []Slot{remoteSlot, branchSlot}},
		{Name: "dotnet-build", Prefix: []string{"dotnet", "build"}, Positional: []Slot{{Kind: SlotSandboxPath, PathTier: pathsec.TierRead}}},
		{Name: "dotnet-build-project", Prefix: []string{"dotnet", "build"}, Flags: map[string]FlagSpec{
			"--project": {TakesValue: true, Value: projectSlot},
		}},
		{Name: "npm-install", Prefix: []string{"npm", "install"}},
		{Name: "npm-test", Prefix: []string{"npm", "test"}},
	}

	return &Registry{templates: templates, aliases: map[string]string{}}, nil
}

// commitMessageWords is a conservative built-in vocabulary for the one free
// -text slot in the registry. Hosts that need richer commit messages should
// not route them through ProcRun at all; this exists to exercise the
// ComposedWords slot kind end to end, not to be a real commit UX.
var commitMessageWords = []string{
	"fix", "fixes", "add", "adds", "update", "updates", "remove", "removes",
	"refactor", "bump", "release", "initial", "commit", "merge", "revert",
	"test", "tests", "docs", "chore", "build", "ci", "style", "perf",
}

// Validate checks a ProcRun operation's resolved args against the registry.
// sandboxRoot is used to validate SandboxPath slots. Returns the matched
// template name on success.
func (r *Registry) Validate(args []string, sandboxRoot string) (string, error) {
	if len(args) == 0 {
		return "", &Violation{Args: args, Reason: "no binary specified"}
	}
	binary := args[0]
	if canonical, ok := r.aliases[binary]; ok {
		binary = canonical
	}
	if isPermanentlyBlocked(binary) {
		return "", &Violation{Args: args, Reason: fmt.Sprintf("binary %q is permanently blocked", binary)}
	}

	rewritten := append([]string{binary}, args[1:]...)

	var lastErr error
	for _, t := range r.templates {
		if !hasPrefix(rewritten, t.Prefix) {
			continue
		}
		if err := matchTemplate(t, rewritten[len(t.Prefix):], sandboxRoot); err != nil {
			lastErr = err
			continue
		}
		return t.Name, nil
	}
	if lastErr != nil {
		return "", &Violation{Args: args, Reason: lastErr.Error()}
	}
	return "", &Violation{Args: args, Reason: "no registered template matches this command"}
}

func hasPrefix(args, prefix []string) bool {
	if len(args) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if args[i] != p {
			return false
		}
	}
	return true
}

// matchTemplate validates the tokens following a matched prefix against the
// template's flag schema and positional slots. Flags (tokens starting with
// "-") may appear anywhere among the remaining tokens; every other token
// must match the next unconsumed positional slot in order.
func matchTemplate(t Template, rest []string, sandboxRoot string) error {
	var positionalValues []string

	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		if strings.HasPrefix(tok, "-") {
			spec, ok := t.Flags[tok]
			if !ok {
				return fmt.Errorf("flag %q is not permitted by template %q", tok, t.Name)
			}
			if !spec.TakesValue {
				continue
			}
			i++
			if i >= len(rest) {
				return fmt.Errorf("flag %q requires a value", tok)
			}
			if err := spec.Value.validate(rest[i], sandboxRoot); err != nil {
				return fmt.Errorf("flag %q value invalid: %w", tok, err)
			}
			continue
		}
		positionalValues = append(positionalValues, tok)
	}

	if len(positionalValues) != len(t.Positional) {
		return fmt.Errorf("template %q expects %d positional argument(s), got %d", t.Name, len(t.Positional), len(positionalValues))
	}
	for i, slot := range t.Positional {
		if err := slot.validate(positionalValues[i], sandboxRoot); err != nil {
			return fmt.Errorf("positional %d invalid: %w", i, err)
		}
	}
	return nil
}
