package cmd

import (
	"fmt"
	"strings"

	"github.com/andresmejia3/rollcall/internal/admin"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/spf13/cobra"
)

var userCreateOpts types.UserCreate
var userRole string

var usersCmd = &cobra.Command{
	Use:         "users",
	Short:       "List and create users",
	Annotations: authenticated(),
}

var usersListCmd = &cobra.Command{
	Use:         "list",
	Short:       "List all users",
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		screen := admin.Users(Client)
		if err := screen.Load(cmd.Context()); err != nil {
			return err
		}
		return screen.Render(cmd.OutOrStdout())
	},
}

var usersCreateCmd = &cobra.Command{
	Use:         "create",
	Short:       "Create a user and show the refreshed list",
	Annotations: authenticated(),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := userCreateOpts
		// Values go to the server as typed; it owns validation
		in.Role = types.Role(strings.ToUpper(userRole))

		screen := admin.Users(Client)
		u, err := screen.Create(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✅ Created user %d (%s)\n", u.ID, u.Email)
		return screen.Render(cmd.OutOrStdout())
	},
}

func init() {
	f := usersCreateCmd.Flags()
	f.StringVar(&userCreateOpts.FirstName, "first-name", "", "First name")
	f.StringVar(&userCreateOpts.LastName, "last-name", "", "Last name")
	f.StringVar(&userCreateOpts.Email, "email", "", "Email (login name)")
	f.StringVar(&userCreateOpts.Password, "password", "", "Initial password")
	f.StringVar(&userRole, "role", string(types.RoleStudent), "ADMIN, TEACHER or STUDENT")

	usersCmd.AddCommand(usersListCmd, usersCreateCmd)
	rootCmd.AddCommand(usersCmd)
}
