package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <script.json5>",
		Short: "Compile a script against a sandbox without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, _, err := compileScript(args[0])
			if err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}
