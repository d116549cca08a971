package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentshell/core/internal/audit"
	"github.com/agentshell/core/internal/config"
	pubscript "github.com/agentshell/core/pkg/script"
)

func runCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "run <script.json5>",
		Short: "Compile and execute a script against a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			compiled, ws, hostCfg, err := compileScript(args[0])
			if err != nil {
				return err
			}

			sink, err := openSink(hostCfg)
			if err != nil {
				return err
			}
			defer sink.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			execOpts := pubscript.DefaultExecuteOptions()
			execOpts.AllowHTTP = hostCfg.AllowHTTP
			execOpts.EnvAllowlist = hostCfg.EnvAllowlistSet()

			result := pubscript.Execute(ctx, compiled, ws, execOpts, jobID)

			for _, errWrite := range pubscript.WriteAudit(sink, result.Audit) {
				logger.Warn("run.audit_write_failed", "error", errWrite)
			}

			out, _ := json.MarshalIndent(result.ScriptResult, "", "  ")
			fmt.Println(string(out))

			if !result.ScriptResult.AllSucceeded {
				return fmt.Errorf("script did not complete successfully")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "correlation id for the audit stream (default: generated)")
	return cmd
}

func openSink(hostCfg *config.HostConfig) (audit.Sink, error) {
	if hostCfg.Audit.SQLitePath != "" {
		return audit.NewSQLiteSink(hostCfg.Audit.SQLitePath)
	}
	path := hostCfg.Audit.FilePath
	if path == "" {
		path = "agentshell-audit.log"
	}
	return audit.NewFileSink(audit.FileSinkConfig{Path: path}), nil
}
