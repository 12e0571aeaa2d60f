package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	overrideName string
	protectFlag  bool
	recursive    bool
)

func init() {
	for _, c := range []*cobra.Command{getCmd, setCmd, createCmd, rmCmd, mvCmd, historyCmd} {
		c.Flags().StringVarP(&overrideName, "override", "o", "", "Override (user) variant of the key")
	}
	setCmd.Flags().BoolVar(&protectFlag, "protect", false, "Set the protect flag (only sent when given)")
	mvCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Also copy children and their overrides")

	rootCmd.AddCommand(lsCmd, treeCmd, getCmd, setCmd, createCmd, rmCmd, mvCmd, historyCmd)
}

func pathArg(args []string) string {
	if len(args) == 0 {
		return "/"
	}
	return args[0]
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List the children of a key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			nodes, err := listChildren(ctx, c.model(), c.env, pathArg(args))
			if werr := writeChildren(cmd.OutOrStdout(), nodes); werr != nil {
				return werr
			}
			return err
		})
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree [path]",
	Short: "Print a key and everything below it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			m := c.model()
			h, err := m.Lookup(ctx, c.env, pathArg(args), "")
			if err != nil {
				return err
			}
			expandErr := m.ExpandAll(ctx, h)
			if err := writeTree(cmd.OutOrStdout(), m, h); err != nil {
				return err
			}
			return expandErr
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Print the value of a key",
	Long: `Print the value of a key. Without --override the store picks the
variant for the logged-in user, falling back to the default.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			var ovr *string
			if cmd.Flags().Changed("override") {
				ovr = &overrideName
			}
			v, err := c.client.ReadValue(ctx, c.session, c.env, args[0], ovr)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), v.Value)
			return err
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <path> [value]",
	Short: "Write a key, creating it when missing",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value *string
		if len(args) == 2 {
			value = &args[1]
		}
		var protect *bool
		if cmd.Flags().Changed("protect") {
			protect = &protectFlag
		}
		if value == nil && protect == nil {
			return fmt.Errorf("nothing to set: give a value or --protect")
		}
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return setValue(ctx, c.model(), c.env, args[0], overrideName, value, protect)
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create an empty key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return createKey(ctx, c.model(), c.env, args[0], overrideName)
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete a key",
	Long: `Delete a key. Deleting the default variant deletes every override of
it too; with --override only that variant goes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return deleteKey(ctx, c.model(), c.env, args[0], overrideName)
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <path> <environment>",
	Short: "Copy a key to the same path in another environment",
	Long: `Copy a key to the same path in another environment. The copy is not
transactional: if a key fails, keys already written stay written.
With --override only that variant is copied.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return moveKey(ctx, c.model(), c.env, args[0], overrideName, args[1], recursive)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <path>",
	Short: "Show how a key and its children changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			events, err := keyHistory(ctx, c.model(), c.env, args[0], overrideName)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), events)
		})
	},
}
