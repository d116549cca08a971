package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/titanous/json5"

	"github.com/agentshell/core/internal/config"
	"github.com/agentshell/core/internal/workspace"
	pubscript "github.com/agentshell/core/pkg/script"
)

func loadScript(path string) (*pubscript.Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	var s pubscript.Script
	if err := json5.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	return &s, nil
}

func loadHostConfig() (*config.HostConfig, error) {
	return config.Load(resolveConfigPath())
}

func buildWorkspace(hostCfg *config.HostConfig) (*workspace.Context, error) {
	if sandboxRoot == "" {
		return nil, fmt.Errorf("--sandbox is required")
	}
	var vars map[string]string
	if hostCfg.SandboxEnvKeyFile != "" {
		key, err := os.ReadFile(hostCfg.SandboxEnvKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read sandbox env key: %w", err)
		}
		vars, err = workspace.LoadSignedEnv(sandboxRoot, key)
		if err != nil {
			return nil, fmt.Errorf("load signed sandbox env: %w", err)
		}
	}
	return workspace.New(sandboxRoot, "", os.Getenv("USER"), vars)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func compileScript(path string) (*pubscript.CompiledScript, *workspace.Context, *config.HostConfig, error) {
	s, err := loadScript(path)
	if err != nil {
		return nil, nil, nil, err
	}
	hostCfg, err := loadHostConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load host config: %w", err)
	}
	ws, err := buildWorkspace(hostCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	registry, err := hostCfg.NewWhitelistRegistry()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build whitelist: %w", err)
	}

	policy := pubscript.Policy{
		Whitelist: registry,
		AllowHTTP: hostCfg.AllowHTTP,
	}
	compiled, err := pubscript.Compile(s, ws, policy)
	if err != nil {
		return nil, nil, nil, err
	}
	return compiled, ws, hostCfg, nil
}
