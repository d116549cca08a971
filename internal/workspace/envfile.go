package workspace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentshell/core/internal/variables"
)

// Signed sandbox env loading: a host may keep persistent
// per-sandbox variables in an HMAC-SHA256-signed file adjacent to the
// sandbox root. The key lives outside the sandbox, and the filenames are
// gigablacklisted from every verb operation, so a script can neither read
// nor forge the file it was seeded from.
const (
	envFileName = ".agentshell-env"
	sigFileName = ".agentshell-env.sig"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadSignedEnv reads and verifies the signed env file next to sandboxRoot
// and returns its KEY=VALUE pairs keyed by canonical variable name, ready to
// merge into New's vars argument. A missing env file is not an error (the
// feature is opt-in per sandbox); a present file with a missing or invalid
// signature is.
func LoadSignedEnv(sandboxRoot string, key []byte) (map[string]string, error) {
	parent := filepath.Dir(filepath.Clean(sandboxRoot))
	envPath := filepath.Join(parent, envFileName)
	sigPath := filepath.Join(parent, sigFileName)

	data, err := os.ReadFile(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: read env file: %w", err)
	}
	sigHex, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, fmt.Errorf("workspace: env file present but its signature is unreadable: %w", err)
	}
	provided, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return nil, fmt.Errorf("workspace: env signature is not valid hex")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return nil, fmt.Errorf("workspace: env file signature verification failed")
	}

	return parseEnvPairs(data)
}

func parseEnvPairs(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("workspace: env line %q is not KEY=VALUE", line)
		}
		name = strings.TrimSpace(name)
		if !envNamePattern.MatchString(name) {
			return nil, fmt.Errorf("workspace: env name %q has an invalid shape", name)
		}
		canonical := variables.Canonical(name)
		if ReservedVariableNames[canonical] {
			return nil, fmt.Errorf("workspace: env name %q is reserved", name)
		}
		out[canonical] = value
	}
	return out, nil
}
