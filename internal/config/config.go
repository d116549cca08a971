// Package config loads the host's static policy: execution-option
// defaults, the command whitelist's bounded runtime configuration, the
// environment read allowlist, and SSRF policy. Policy comes from a JSON5
// file with environment-variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"

	"github.com/agentshell/core/internal/executor"
	"github.com/agentshell/core/internal/script"
	"github.com/agentshell/core/internal/whitelist"
)

// AuditConfig selects and configures the audit sink backend.
type AuditConfig struct {
	FilePath   string `json:"filePath"`
	SQLitePath string `json:"sqlitePath,omitempty"`
}

// HostConfig is the root policy object a host builds once at startup and
// passes by reference into every compile/execute call.
type HostConfig struct {
	Execution script.ExecutionOptions `json:"execution"`

	Whitelist whitelist.Config `json:"whitelist"`
	AllowHTTP bool             `json:"allowHttp"`

	EnvAllowlist []string `json:"envAllowlist,omitempty"`

	// SandboxEnvKeyFile points at the HMAC key used to verify a sandbox's
	// signed env file. The key lives outside every sandbox; when
	// unset, signed env loading is disabled.
	SandboxEnvKeyFile string `json:"sandboxEnvKeyFile,omitempty"`

	Audit AuditConfig `json:"audit"`
}

// Default returns a HostConfig with safe defaults: https only, built-in
// env allowlist, file-backed audit log.
func Default() *HostConfig {
	return &HostConfig{
		Execution: script.DefaultExecutionOptions(),
		Whitelist: whitelist.Config{},
		AllowHTTP: false,
		EnvAllowlist: []string{
			"HOME", "USER", "PATH", "LANG", "TZ", "TERM", "PWD", "HOSTNAME",
		},
		Audit: AuditConfig{FilePath: "agentshell-audit.log"},
	}
}

// Load reads host policy from a JSON5 file (forgiving of the trailing
// commas and comments a hand-edited policy file accumulates), then overlays
// environment variables.
func Load(path string) (*HostConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config, taking
// precedence over file values.
func (c *HostConfig) applyEnvOverrides() {
	if v := os.Getenv("AGENTSHELL_ALLOW_HTTP"); v != "" {
		c.AllowHTTP = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTSHELL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Execution.MaxRetries = n
		}
	}
	if v := os.Getenv("AGENTSHELL_SCRIPT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Execution.ScriptTimeoutMs = n
		}
	}
	if v := os.Getenv("AGENTSHELL_ENV_KEY_FILE"); v != "" {
		c.SandboxEnvKeyFile = v
	}
	if v := os.Getenv("AGENTSHELL_AUDIT_PATH"); v != "" {
		c.Audit.FilePath = v
	}
	if v := os.Getenv("AGENTSHELL_AUDIT_SQLITE_PATH"); v != "" {
		c.Audit.SQLitePath = v
	}
}

// EnvAllowlistSet returns the env allowlist as a lookup set, falling back
// to the built-in default when the config declares none.
func (c *HostConfig) EnvAllowlistSet() map[string]bool {
	if len(c.EnvAllowlist) == 0 {
		return executor.DefaultOptions().EnvAllowlist
	}
	set := make(map[string]bool, len(c.EnvAllowlist))
	for _, name := range c.EnvAllowlist {
		set[name] = true
	}
	return set
}

// NewWhitelistRegistry builds the immutable command whitelist from this
// config's bounded runtime configuration.
func (c *HostConfig) NewWhitelistRegistry() (*whitelist.Registry, error) {
	return whitelist.NewRegistry(c.Whitelist)
}

// ExecutorOptions derives internal/executor.Options from this config.
func (c *HostConfig) ExecutorOptions() executor.Options {
	opts := executor.DefaultOptions()
	opts.AllowHTTP = c.AllowHTTP
	opts.EnvAllowlist = c.EnvAllowlistSet()
	return opts
}
