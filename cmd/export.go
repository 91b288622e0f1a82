package cmd

import (
	"fmt"

	"github.com/andresmejia3/rollcall/internal/export"
	"github.com/spf13/cobra"
)

var exportOpts struct {
	export.Params
	Dir   string
	Quiet bool
}

var exportCmd = &cobra.Command{
	Use:         "export",
	Short:       "Download the attendance spreadsheet for a session or a group",
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := export.Options{Dir: exportOpts.Dir}
		if !exportOpts.Quiet {
			opts.Progress = cmd.ErrOrStderr()
		}
		path, err := export.Run(cmd.Context(), Client, exportOpts.Params, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\n💾 Saved %s\n", path)
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOpts.SessionID, "session", "s", "", "Session id (takes precedence over --group)")
	exportCmd.Flags().StringVarP(&exportOpts.GroupID, "group", "g", "", "Group id")
	exportCmd.Flags().StringVarP(&exportOpts.Dir, "output", "o", ".", "Directory to save the spreadsheet in")
	exportCmd.Flags().BoolVarP(&exportOpts.Quiet, "quiet", "q", false, "Do not draw a progress bar")

	rootCmd.AddCommand(exportCmd)
}
