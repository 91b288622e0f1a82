package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginOpts struct {
	Username string
	Password string
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the bearer token locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		username := loginOpts.Username
		password := loginOpts.Password
		in := bufio.NewReader(cmd.InOrStdin())
		var err error
		if username == "" {
			if username, err = prompt(cmd, in, "Email: "); err != nil {
				return err
			}
		}
		if password == "" {
			if password, err = readPassword(cmd, in, "Password: "); err != nil {
				return err
			}
		}

		if _, err := Client.Login(cmd.Context(), username, password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "🔓 Logged in as %s\n", username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Client.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "🔒 Logged out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the API URL and whether a token is stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		auth := "logged out"
		if Session.IsAuthenticated() {
			auth = "logged in"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API:     %s\nSession: %s\n", Client.BaseURL(), auth)
		return nil
	},
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readPassword reads without echo when stdin is a terminal.
func readPassword(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return prompt(cmd, in, label)
	}
	fmt.Fprint(cmd.ErrOrStderr(), label)
	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

func init() {
	loginCmd.Flags().StringVarP(&loginOpts.Username, "username", "u", "", "Account email")
	loginCmd.Flags().StringVarP(&loginOpts.Password, "password", "p", "", "Account password (prompted when omitted)")

	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd)
}
