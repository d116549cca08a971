package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func compileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <script.json5>",
		Short: "Compile a script and print the resulting step counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			compiled, _, _, err := compileScript(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("compiled: %d step(s), %d cleanup step(s)\n", compiled.StepCount(), compiled.CleanupStepCount())
			return nil
		},
	}
}
