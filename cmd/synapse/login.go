package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Open a session and print its token",
	Long: `Login authenticates against the API and prints the session token on
stdout so it can be exported:

  export SYNAPSE_TOKEN=$(synapse login --email ada@lab.org --password ...)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" || password == "" {
			return fmt.Errorf("--email and --password are required")
		}

		s, err := newClient().Login(cmd.Context(), email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Fprintf(os.Stderr, "Logged in as %s (session expires %s)\n",
			s.User.Email, s.ExpiresAt.Local().Format("2006-01-02 15:04"))
		fmt.Println(s.Token)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password")

	rootCmd.AddCommand(loginCmd)
}
