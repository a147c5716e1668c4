package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qualys/accessreview/internal/auth"
)

var (
	flagEmail    string
	flagName     string
	flagPassword string
	flagRole     string
)

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create a user account",
	Long: `Create a user account. Use this to bootstrap the first
ADMINISTRATOR; further accounts can be created through the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := auth.Role(flagRole)
		if !role.Valid() {
			return fmt.Errorf("invalid role %q", flagRole)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.Auth.Register(cmd.Context(), flagEmail, flagName, flagPassword, role)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) id=%s\n", user.Email, user.Role, user.ID)
		return nil
	},
}

func init() {
	createUserCmd.Flags().StringVar(&flagEmail, "email", "", "Email address")
	createUserCmd.Flags().StringVar(&flagName, "name", "", "Display name")
	createUserCmd.Flags().StringVar(&flagPassword, "password", "", "Initial password (min 8 characters)")
	createUserCmd.Flags().StringVar(&flagRole, "role", string(auth.RoleAdministrator), "ADMINISTRATOR, ISO, ANALYST, REVIEWER or AUDITOR")
	_ = createUserCmd.MarkFlagRequired("email")
	_ = createUserCmd.MarkFlagRequired("password")
}
