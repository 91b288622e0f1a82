package cmd

import (
	"fmt"

	"github.com/andresmejia3/rollcall/internal/admin"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/spf13/cobra"
)

var sessionCreateOpts struct {
	GroupID   int
	TeacherID int
	Start     string
	End       string
}

var sessionsCmd = &cobra.Command{
	Use:         "sessions",
	Short:       "List and create attendance sessions",
	Annotations: authenticated(),
}

var sessionsListCmd = &cobra.Command{
	Use:         "list",
	Short:       "List all sessions",
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		screen := admin.Sessions(Client)
		if err := screen.Load(cmd.Context()); err != nil {
			return err
		}
		return screen.Render(cmd.OutOrStdout())
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:         "create",
	Short:       "Create a session and show the refreshed list",
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := types.SessionCreate{
			GroupID:   sessionCreateOpts.GroupID,
			StartTime: sessionCreateOpts.Start,
			EndTime:   sessionCreateOpts.End,
		}
		if cmd.Flags().Changed("teacher") {
			id := sessionCreateOpts.TeacherID
			in.TeacherID = &id
		}

		screen := admin.Sessions(Client)
		s, err := screen.Create(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✅ Created session %d for group %d\n", s.ID, s.GroupID)
		return screen.Render(cmd.OutOrStdout())
	},
}

func init() {
	f := sessionsCreateCmd.Flags()
	f.IntVar(&sessionCreateOpts.GroupID, "group", 0, "Group id")
	f.IntVar(&sessionCreateOpts.TeacherID, "teacher", 0, "Teacher user id (optional)")
	f.StringVar(&sessionCreateOpts.Start, "start", "", "Start time, e.g. 2025-12-22T10:00:00")
	f.StringVar(&sessionCreateOpts.End, "end", "", "End time, e.g. 2025-12-22T12:00:00")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsCreateCmd)
	rootCmd.AddCommand(sessionsCmd)
}
