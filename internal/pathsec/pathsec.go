// Package pathsec resolves and validates filesystem paths against a sandbox
// root. Validation is structural (canonicalization, boundary
// containment, symlink/hardlink hardening) and never depends on variable
// substitution having already run; callers substitute $VAR first and pass
// the resulting literal path in.
package pathsec

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
)

// Violation reports why a path was rejected.
type Violation struct {
	Path   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("access denied: %s (path %q)", v.Reason, v.Path)
}

// Tier controls which additional filename/extension rules apply on top of
// sandbox containment.
type Tier int

const (
	TierRead Tier = iota
	TierWrite
)

// tier1Extensions and tier1Names are the write-tier restrictions:
// native-executable or allowed-binary-interpretable extensions, and
// build/package-manager config files whose contents other tooling trusts.
// Shell-script extensions (.sh, .py, .ps1, …) are intentionally absent:
// the agent cannot execute them since every interpreter is permanently
// blocklisted, but humans or external automation may legitimately consume
// them.
var tier1Extensions = map[string]bool{
	".exe": true, ".com": true, ".scr": true, ".msi": true, ".msp": true,
	".dll": true, ".bin": true, ".run": true, ".appimage": true, ".elf": true,
	".so": true, ".dylib": true, ".js": true, ".mjs": true, ".cjs": true,
	".jse": true, ".wsf": true, ".wsh": true, ".msh": true, ".vbs": true,
	".vbe": true, ".csproj": true, ".fsproj": true, ".vbproj": true,
	".proj": true, ".targets": true, ".props": true, ".sln": true, ".rs": true,
}

var tier1Names = map[string]bool{
	"Makefile": true, "makefile": true, "GNUmakefile": true,
	"CMakeLists.txt": true, "Dockerfile": true, ".npmrc": true,
	"Directory.Build.props": true, "Directory.Build.targets": true,
	"Directory.Packages.props": true, "nuget.config": true,
	"package.json": true, "build.rs": true, "Cargo.toml": true,
	"setup.py": true, "setup.cfg": true, "pyproject.toml": true,
	".gitattributes": true, ".gitmodules": true,
}

// deniedNamePatterns are gigablacklisted sandbox environment filenames,
// checked on every resolve regardless of tier.
var deniedNamePatterns = []string{
	"**/.agentshell-workspace.lock",
	"**/.agentshell-env.sig",
	"**/.agentshell-env",
}

// Resolve canonicalizes path relative to the sandbox root and validates
// containment, symlink, and hardlink safety: canonicalize the root,
// canonicalize the target (following broken-symlink chains through their
// deepest existing ancestor), then reject escape, mutable-symlink-parent,
// and hardlinked targets. tier additionally applies the write-tier
// name/extension denylist.
func Resolve(path, sandboxRoot string, tier Tier) (string, error) {
	if path == "" {
		return "", &Violation{Path: path, Reason: "path is empty"}
	}
	if err := checkControlChars(path); err != nil {
		return "", &Violation{Path: path, Reason: err.Error()}
	}

	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Clean(filepath.Join(sandboxRoot, path))
	}

	absRoot, err := filepath.Abs(sandboxRoot)
	if err != nil {
		return "", &Violation{Path: path, Reason: "cannot resolve sandbox root"}
	}
	rootReal, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		rootReal = absRoot
	}

	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", &Violation{Path: path, Reason: "cannot resolve path"}
	}
	real, err := canonicalize(absCandidate)
	if err != nil {
		return "", &Violation{Path: path, Reason: err.Error()}
	}

	if !isInside(real, rootReal) {
		slog.Warn("pathsec.escape", "path", path, "resolved", real, "root", rootReal)
		return "", &Violation{Path: path, Reason: "path escapes the sandbox root"}
	}

	if hasMutableSymlinkParent(real) {
		slog.Warn("pathsec.mutable_symlink_parent", "path", path, "resolved", real)
		return "", &Violation{Path: path, Reason: "path contains a mutable symlink component"}
	}

	if err := checkHardlink(real); err != nil {
		return "", &Violation{Path: path, Reason: err.Error()}
	}

	if err := checkBlacklistedName(real, rootReal); err != nil {
		return "", &Violation{Path: path, Reason: err.Error()}
	}

	if tier == TierWrite {
		if err := checkWriteTierDenylist(real, rootReal); err != nil {
			return "", &Violation{Path: path, Reason: err.Error()}
		}
	}

	return real, nil
}

// checkControlChars rejects null bytes and control characters other than
// tab.
func checkControlChars(path string) error {
	for _, r := range path {
		if r == 0 || (r < 0x20 && r != '\t') {
			return fmt.Errorf("path contains a disallowed control character")
		}
	}
	return nil
}

// canonicalize resolves a path's symlinks, handling the not-yet-existing
// and broken-symlink cases.
func canonicalize(absPath string) (string, error) {
	real, err := filepath.EvalSymlinks(absPath)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("cannot resolve path")
	}

	if linfo, lerr := os.Lstat(absPath); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
		target, readErr := os.Readlink(absPath)
		if readErr != nil {
			return "", fmt.Errorf("cannot resolve symlink")
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(absPath), target)
		}
		return resolveThroughExistingAncestors(filepath.Clean(target))
	}

	parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absPath))
	if parentErr != nil {
		return "", fmt.Errorf("cannot resolve parent directory")
	}
	return filepath.Join(parentReal, filepath.Base(absPath)), nil
}

// resolveThroughExistingAncestors finds the deepest existing ancestor of
// target, canonicalizes it, and rebuilds the remaining (non-existent) tail
// on top, so a chain of symlinks whose final target does not yet exist
// still resolves to its true location for containment checking.
func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, c := range tail {
				result = filepath.Join(result, c)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

func isInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// hasMutableSymlinkParent rejects a path with a symlink component whose
// parent directory is writable: the symlink could be rebound between
// validation and the actual file operation (TOCTOU).
func hasMutableSymlinkParent(path string) bool {
	clean := filepath.Clean(path)
	components := strings.Split(clean, string(filepath.Separator))
	current := string(filepath.Separator)
	for _, comp := range components {
		if comp == "" {
			continue
		}
		current = filepath.Join(current, comp)
		info, err := os.Lstat(current)
		if err != nil {
			break
		}
		if info.Mode()&os.ModeSymlink != 0 {
			parentDir := filepath.Dir(current)
			if syscall.Access(parentDir, 0x2) == nil {
				return true
			}
		}
	}
	return false
}

// checkHardlink rejects regular files with more than one link: a second
// name for the same inode could alias content outside the sandbox.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Nlink > 1 {
			slog.Warn("pathsec.hardlink_rejected", "path", path, "nlink", stat.Nlink)
			return fmt.Errorf("hardlinked file not allowed")
		}
	}
	return nil
}

func checkBlacklistedName(real, root string) error {
	rel, err := filepath.Rel(root, real)
	if err != nil {
		rel = real
	}
	relSlash := filepath.ToSlash(rel)
	for _, pattern := range deniedNamePatterns {
		if matched, _ := doublestar.Match(pattern, relSlash); matched {
			return fmt.Errorf("path targets a blacklisted sandbox environment file")
		}
	}
	return nil
}

func checkWriteTierDenylist(real, root string) error {
	ext := strings.ToLower(filepath.Ext(real))
	if tier1Extensions[ext] {
		return fmt.Errorf("write-tier operations cannot target %s files", ext)
	}
	if tier1Names[filepath.Base(real)] {
		return fmt.Errorf("write-tier operations cannot target %s", filepath.Base(real))
	}

	rel, err := filepath.Rel(root, real)
	if err != nil {
		rel = real
	}
	relSlash := filepath.ToSlash(rel)
	if matched, _ := doublestar.Match("**/.git/**", relSlash); matched {
		return fmt.Errorf("write-tier operations cannot target a .git path")
	}
	return nil
}
