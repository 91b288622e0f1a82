package cmd

import (
	"fmt"

	"github.com/andresmejia3/rollcall/internal/admin"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/spf13/cobra"
)

var groupCreateOpts types.GroupCreate

var groupsCmd = &cobra.Command{
	Use:         "groups",
	Short:       "List and create groups, enroll students",
	Annotations: authenticated(),
}

var groupsListCmd = &cobra.Command{
	Use:         "list",
	Short:       "List all groups",
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		screen := admin.Groups(Client)
		if err := screen.Load(cmd.Context()); err != nil {
			return err
		}
		return screen.Render(cmd.OutOrStdout())
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:         "create",
	Short:       "Create a group and show the refreshed list",
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		screen := admin.Groups(Client)
		g, err := screen.Create(cmd.Context(), groupCreateOpts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✅ Created group %d (%s)\n", g.ID, g.Name)
		return screen.Render(cmd.OutOrStdout())
	},
}

var groupsAddStudentCmd = &cobra.Command{
	Use:         "add-student <group_id> <student_id>",
	Short:       "Add a student to a group",
	Args:        cobra.ExactArgs(2),
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := admin.AddStudent(cmd.Context(), Client, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

func init() {
	groupsCreateCmd.Flags().StringVar(&groupCreateOpts.Name, "name", "", "Group name")

	groupsCmd.AddCommand(groupsListCmd, groupsCreateCmd, groupsAddStudentCmd)
	rootCmd.AddCommand(groupsCmd)
}
