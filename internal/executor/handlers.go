package executor

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agentshell/core/internal/blacklist"
	"github.com/agentshell/core/internal/compiler"
	"github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/urlsec"
)

// runInMemory dispatches a non-process compiled command to its handler.
// Handlers are pure with respect to the effects they name: no shelling out,
// no opening any resource outside a sandbox-validated path.
func (e *Executor) runInMemory(ctx context.Context, cc compiler.CompiledCommand, args []string, opts script.ExecutionOptions) (string, error) {
	var out string
	var err error

	switch cc.Verb {
	case script.VerbFileRead:
		out, err = handleFileRead(args[0])
	case script.VerbFileExist:
		out = boolStr(fileExists(args[0]))
	case script.VerbDirList:
		out, err = handleDirList(args[0])
	case script.VerbDirExist:
		out = boolStr(dirExists(args[0]))
	case script.VerbDirTree:
		out, err = handleDirTree(args[0], args[1])
	case script.VerbFileWrite:
		err = os.WriteFile(args[0], []byte(args[1]), 0o644)
	case script.VerbFileAppend:
		err = handleFileAppend(args[0], args[1])
	case script.VerbFileCopy:
		err = handleFileCopy(args[0], args[1])
	case script.VerbFileMove:
		err = os.Rename(args[0], args[1])
	case script.VerbFileDelete:
		err = os.Remove(args[0])
	case script.VerbDirCreate:
		err = os.MkdirAll(args[0], 0o755)
	case script.VerbDirDelete:
		err = os.RemoveAll(args[0])
	case script.VerbHTTPGet:
		out, err = e.handleHTTP(ctx, http.MethodGet, args[0], "")
	case script.VerbHTTPPost:
		body := ""
		if len(args) > 1 {
			body = args[1]
		}
		out, err = e.handleHTTP(ctx, http.MethodPost, args[0], body)
	case script.VerbTextReplace:
		out = strings.ReplaceAll(args[0], args[1], args[2])
	case script.VerbJSONGet:
		out, err = handleJSONGet(args[0], args[1])
	case script.VerbJSONSet:
		out, err = handleJSONSet(args[0], args[1], args[2])
	case script.VerbEnvGet:
		out, err = e.handleEnvGet(args[0])
	case script.VerbSysInfo:
		out = handleSysInfo()
	case script.VerbFileHash:
		out, err = handleFileHash(args[0], args[1])
	case script.VerbFileTemplate:
		err = handleFileTemplate(args[0], args[1], cc.Template)
	case script.VerbFilePatch:
		err = handleFilePatch(args[0], cc.Patches)
	case script.VerbMathEval:
		out, err = evalMath(args[0])
	default:
		err = fmt.Errorf("executor: no in-memory handler registered for verb %s", cc.Verb)
	}

	if err != nil {
		return truncateTail(out, nonZero(opts.MaxErrorBytes, 16*1024)), err
	}
	return truncateTail(out, nonZero(opts.MaxOutputBytes, 64*1024)), nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func handleFileRead(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("FileRead: %w", err)
	}
	return string(b), nil
}

func handleDirList(path string) (string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("DirList: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func handleDirTree(path, depthStr string) (string, error) {
	depth, err := strconv.Atoi(depthStr)
	if err != nil {
		return "", fmt.Errorf("DirTree: invalid depth %q", depthStr)
	}
	var lines []string
	if err := walkTree(path, "", depth, &lines); err != nil {
		return "", fmt.Errorf("DirTree: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

func walkTree(path, prefix string, depth int, lines *[]string) error {
	if depth < 0 {
		return nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	byName := make(map[string]os.DirEntry, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
		byName[entry.Name()] = entry
	}
	sort.Strings(names)
	for _, name := range names {
		entry := byName[name]
		label := prefix + name
		if entry.IsDir() {
			label += "/"
		}
		*lines = append(*lines, label)
		if entry.IsDir() && depth > 0 {
			if err := walkTree(filepath.Join(path, name), prefix+"  ", depth-1, lines); err != nil {
				return err
			}
		}
	}
	return nil
}

func handleFileAppend(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("FileAppend: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("FileAppend: %w", err)
	}
	return nil
}

func handleFileCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("FileCopy: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("FileCopy: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("FileCopy: %w", err)
	}
	return nil
}

// handleHTTP issues an HTTP request with SSRF protection re-validated on
// every redirect hop and output wrapped with an explicit content-
// boundary marker so the prompting layer never silently blends sandboxed
// and external-network content.
func (e *Executor) handleHTTP(ctx context.Context, method, rawURL, body string) (string, error) {
	if _, err := urlsec.Validate(rawURL, e.opts.AllowHTTP); err != nil {
		return "", err
	}
	client := &http.Client{
		Timeout: e.opts.HTTPTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if err := urlsec.CheckRedirect(e.opts.MaxRedirects, e.opts.AllowHTTP)(req.URL.String(), len(via)); err != nil {
				return err
			}
			return nil
		},
	}
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return "", fmt.Errorf("%s: read response: %w", method, err)
	}
	wrapped := fmt.Sprintf("<external_content source=%q status=%d>\n%s\n</external_content>", rawURL, resp.StatusCode, respBody)
	if resp.StatusCode >= 400 {
		return wrapped, fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}
	return wrapped, nil
}

func handleJSONGet(doc, path string) (string, error) {
	result := gjson.Get(doc, path)
	if !result.Exists() {
		return "", fmt.Errorf("JsonGet: path %q not found", path)
	}
	return result.String(), nil
}

func handleJSONSet(doc, path, value string) (string, error) {
	out, err := sjson.Set(doc, path, value)
	if err != nil {
		return "", fmt.Errorf("JsonSet: %w", err)
	}
	return out, nil
}

// envAllowlist is the set of names the EnvGet verb may read when
// Options.EnvAllowlist is nil; a non-nil Options.EnvAllowlist replaces it.
// Names containing any credential-shaped keyword are rejected even when
// listed in either.
var envAllowlist = map[string]bool{
	"HOME": true, "USER": true, "PATH": true, "LANG": true,
	"TZ": true, "TERM": true, "PWD": true, "HOSTNAME": true,
}

var envForbiddenSubstrings = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "CONN"}

func (e *Executor) handleEnvGet(name string) (string, error) {
	allowlist := envAllowlist
	if e.opts.EnvAllowlist != nil {
		allowlist = e.opts.EnvAllowlist
	}
	if !allowlist[name] {
		return "", fmt.Errorf("EnvGet: %q is not in the environment allowlist", name)
	}
	upper := strings.ToUpper(name)
	for _, bad := range envForbiddenSubstrings {
		if strings.Contains(upper, bad) {
			return "", fmt.Errorf("EnvGet: %q looks like a credential name and is rejected", name)
		}
	}
	if err := blacklist.Scan([]string{name}); err != nil {
		return "", err
	}
	return os.Getenv(name), nil
}

func handleSysInfo() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("os=%s arch=%s cpus=%d hostname=%s time=%s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), hostname, time.Now().UTC().Format(time.RFC3339))
}

func handleFileHash(path, algo string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("FileHash: %w", err)
	}
	defer f.Close()

	switch algo {
	case "sha256":
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("FileHash: %w", err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	case "sha512":
		h := sha512.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("FileHash: %w", err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	case "md5":
		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("FileHash: %w", err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	default:
		return "", fmt.Errorf("FileHash: unsupported algorithm %q", algo)
	}
}

// handleFileTemplate performs the real read-replace-write the compiler's
// FileTemplate validation implies:
// every {{key}} placeholder in the source is substituted with its literal
// value and written to dst.
func handleFileTemplate(src, dst string, tmpl *script.TemplateSpec) error {
	if tmpl == nil {
		return fmt.Errorf("FileTemplate: no template definition")
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("FileTemplate: %w", err)
	}
	out := string(raw)
	for k, v := range tmpl.Values {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	if err := os.WriteFile(dst, []byte(out), 0o644); err != nil {
		return fmt.Errorf("FileTemplate: %w", err)
	}
	return nil
}

// handleFilePatch performs the real read-replace-write the compiler's
// FilePatch validation implies, applying every patch in order to the same
// in-memory buffer before a single write.
func handleFilePatch(path string, patches []script.Patch) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("FilePatch: %w", err)
	}
	out := string(raw)
	for _, p := range patches {
		out = strings.ReplaceAll(out, p.Find, p.Replace)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("FilePatch: %w", err)
	}
	return nil
}
