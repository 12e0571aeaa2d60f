package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentic-research/cityhall/internal/keystore"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environments",
}

var envCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an environment; you get grant rights on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return c.client.CreateEnvironment(ctx, c.session, args[0])
		})
	},
}

var envUsersCmd = &cobra.Command{
	Use:   "users [name]",
	Short: "List users with rights on an environment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			env := c.env
			if len(args) == 1 {
				env = args[0]
			}
			users, err := c.client.ViewUsers(ctx, c.session, env)
			if err != nil {
				return err
			}
			return writeRights(cmd.OutOrStdout(), "USER", users)
		})
	},
}

var envDefaultCmd = &cobra.Command{
	Use:   "default [name]",
	Short: "Show or set your default environment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			if len(args) == 1 {
				return c.client.SetDefaultEnvironment(ctx, c.session, args[0])
			}
			env, err := c.client.DefaultEnvironment(ctx, c.session)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), env)
			return err
		})
	},
}

func init() {
	envCmd.AddCommand(envCreateCmd, envUsersCmd, envDefaultCmd)
	rootCmd.AddCommand(envCmd)
}

func writeRights(w io.Writer, header string, rights map[string]keystore.Rights) error {
	names := make([]string, 0, len(rights))
	for name := range rights {
		names = append(names, name)
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tRIGHTS\n", header)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%s\n", name, rights[name])
	}
	return tw.Flush()
}
