package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/agentshell/core/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile     string
	sandboxRoot string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "agentshellctl",
	Short: "agentshellctl: compile and run agent command scripts",
	Long:  "agentshellctl: compiles agent command scripts against a sandboxed workspace and runs them through the same fail-closed pipeline a host embeds, for local testing and CI.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "host policy file (JSON5); defaults to built-in safe defaults")
	rootCmd.PersistentFlags().StringVar(&sandboxRoot, "sandbox", "", "sandbox root directory (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(runCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentshellctl " + Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AGENTSHELL_CONFIG"); v != "" {
		return v
	}
	return "agentshell.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
