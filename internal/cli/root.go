// Package cli wires the semipd command tree.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// buildRootCmd constructs the command tree. Output goes to out.
func buildRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "semipd",
		Short:         "Launch prefill and decode workers that share one copy of weights and KV cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.AddCommand(newLaunchCmd(), newWorkerCmd())

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cmd.OutOrStdout(), true) }})
	root.AddCommand(completionCmd)
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

// MainWithArgs is a testable variant of Main that accepts args explicitly.
// It returns an exit code: 0 on success, 2 for a missing command and 1 for
// any other error.
func MainWithArgs(args []string) int {
	root := buildRootCmd(os.Stderr)
	if len(args) == 0 {
		_ = root.Usage()
		return 2
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "semipd:", err.Error())
		return 1
	}
	return 0
}

// Main returns an exit code for use by cmd/semipd.
func Main() int { return MainWithArgs(os.Args[1:]) }
