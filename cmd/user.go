package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/cityhall/internal/keystore"
)

var newPassword string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their rights",
}

var userGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "List the environments a user has rights on",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			user := c.session.User
			if len(args) == 1 {
				user = args[0]
			}
			envs, err := c.client.ReadUser(ctx, c.session, user)
			if err != nil {
				return err
			}
			return writeRights(cmd.OutOrStdout(), "ENVIRONMENT", envs)
		})
	},
}

// chosenPassword returns --new-password, or prompts for one.
func chosenPassword(cmd *cobra.Command, prompt string) (string, error) {
	if cmd.Flags().Changed("new-password") {
		return newPassword, nil
	}
	return readPassword(prompt)
}

var userCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := chosenPassword(cmd, fmt.Sprintf("Password for new user %s: ", args[0]))
		if err != nil {
			return err
		}
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return c.client.CreateUser(ctx, c.session, args[0], pw)
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a user; needs grant rights on all of their environments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return c.client.DeleteUser(ctx, c.session, args[0])
		})
	},
}

var userGrantCmd = &cobra.Command{
	Use:   "grant <user> <environment> <rights>",
	Short: "Set a user's rights on an environment",
	Long: `Set a user's rights on an environment. Rights are one of none, read,
read-protected, write, grant, admin, or their number 0-5.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := keystore.ParseRights(args[2])
		if err != nil {
			return err
		}
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return c.client.GrantUser(ctx, c.session, args[0], args[1], r)
		})
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change your password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := chosenPassword(cmd, "New password: ")
		if err != nil {
			return err
		}
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return c.client.UpdatePassword(ctx, c.session, pw)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{userCreateCmd, userPasswdCmd} {
		c.Flags().StringVar(&newPassword, "new-password", "", "Password to set (prompted for when omitted)")
	}
	userCmd.AddCommand(userGetCmd, userCreateCmd, userDeleteCmd, userGrantCmd, userPasswdCmd)
	rootCmd.AddCommand(userCmd)
}
