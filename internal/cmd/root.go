package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coderelay",
	Short: "Remote control core for a code-generation agent CLI",
	Long: `coderelay manages an external code-generation agent on behalf of
remote chat users: it spawns the agent CLI, follows its streamed output,
keeps per-user sessions continuable, and audits every tool the agent
tries to use.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
