// Package workspace models the per-request sandbox context the compiler and
// executor validate against. It never creates
// or deletes the sandbox root; that is the host's responsibility.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nightlyone/lockfile"

	"github.com/agentshell/core/internal/variables"
)

// ReservedVariableNames cannot be assigned by an operation's captureAs.
var ReservedVariableNames = map[string]bool{
	"WORKSPACE": true,
	"CWD":       true,
	"USER":      true,
	"PREV":      true,
	"ITEM":      true,
	"INDEX":     true,
}

// Context is the immutable-after-construction workspace the whole pipeline
// validates paths and variables against.
type Context struct {
	SandboxRoot      string
	WorkingDirectory string
	RunAsUser        string
	Variables        map[string]string
}

// New builds a Context with the built-in reserved variables populated from
// the sandbox root/working directory/user. Variable names are
// case-insensitive, so the table is keyed by canonical names.
func New(sandboxRoot, workingDirectory, runAsUser string, vars map[string]string) (*Context, error) {
	if sandboxRoot == "" {
		return nil, fmt.Errorf("workspace: sandbox root is required")
	}
	root := filepath.Clean(sandboxRoot)
	wd := workingDirectory
	if wd == "" {
		wd = root
	}
	merged := make(map[string]string, len(vars)+3)
	for k, v := range vars {
		merged[variables.Canonical(k)] = v
	}
	merged["WORKSPACE"] = root
	merged["CWD"] = wd
	merged["USER"] = runAsUser
	return &Context{
		SandboxRoot:      root,
		WorkingDirectory: wd,
		RunAsUser:        runAsUser,
		Variables:        merged,
	}, nil
}

// lockFileName is gigablacklisted (internal/blacklist) so no verb can read,
// write, or otherwise reference it from inside a script.
const lockFileName = ".agentshell-workspace.lock"

// Lock takes an advisory, best-effort lock on the workspace for the duration
// of one compile-execute cycle.
type Lock struct {
	lf lockfile.Lockfile
}

// Acquire takes the workspace lock. Callers must call Release when the
// compile-execute cycle completes.
func Acquire(ctx *Context) (*Lock, error) {
	path := filepath.Join(ctx.SandboxRoot, lockFileName)
	lf, err := lockfile.New(path)
	if err != nil {
		return nil, fmt.Errorf("workspace: build lockfile: %w", err)
	}
	// lockfile.TryLock succeeds when the recorded owner is this process, so a
	// lock already held by this process is detected here.
	if owner, err := lf.GetOwner(); err == nil && owner.Pid == os.Getpid() {
		return nil, fmt.Errorf("workspace: sandbox %s is already in use by this process", ctx.SandboxRoot)
	}
	if err := lf.TryLock(); err != nil {
		return nil, fmt.Errorf("workspace: sandbox %s is already in use: %w", ctx.SandboxRoot, err)
	}
	return &Lock{lf: lf}, nil
}

// Release drops the workspace lock. Failure to unlock is logged by the
// caller, not treated as fatal; lock release is best-effort, matching the
// executor's best-effort process-tree kill semantics.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return l.lf.Unlock()
}
