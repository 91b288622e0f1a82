package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe local state (stored token and any other saved entries)",
	Long:  "Clears the local state file. The remote API is not contacted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := state.Keys()
		if err != nil {
			return fmt.Errorf("failed to read local state: %w", err)
		}
		if len(keys) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "✨ Local state is already empty.")
			return nil
		}

		if !resetYes && !confirm(bufio.NewReader(cmd.InOrStdin()), cmd.ErrOrStderr(),
			fmt.Sprintf("⚠️  Delete %d local entries (%s)?", len(keys), strings.Join(keys, ", "))) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Aborted.")
			return nil
		}

		// Through the session so the client drops its header too
		if err := Client.Logout(); err != nil {
			return err
		}
		n, err := state.Clear()
		if err != nil {
			return fmt.Errorf("failed to reset local state: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "🗑️  Cleared %d local entries.\n", n)
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
