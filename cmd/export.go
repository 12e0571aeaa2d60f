package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/agentic-research/cityhall/internal/snapshot"
)

var exportCmd = &cobra.Command{
	Use:   "export <path> <dir|->",
	Short: "Write a key and everything below it to a directory, or JSON to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			doc, err := buildDocument(ctx, c.model(), c.env, args[0])
			if err != nil {
				return err
			}
			if args[1] == "-" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			return snapshot.Export(osfs.New(args[1]), "/", doc)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <dir> <path>",
	Short: "Write a directory produced by export back into the store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := snapshot.Load(osfs.New(args[0]), "/")
		if err != nil {
			return err
		}
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			return snapshot.Apply(ctx, c.client, c.session, c.env, args[1], doc)
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <jsonpath> [path]",
	Short: "Evaluate a JSONPath expression over a subtree",
	Long: `Evaluate a JSONPath expression over a subtree. Each key is an object
with "value", "protected", "overrides" (user to {value, protected}) and
"children" (name to key), e.g.

  cityhall query '$.children.app.children.port.overrides.*.value'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := "/"
		if len(args) == 2 {
			p = args[1]
		}
		return withConn(cmd, func(ctx context.Context, c *conn) error {
			doc, err := buildDocument(ctx, c.model(), c.env, p)
			if err != nil {
				return err
			}
			results, err := snapshot.Query(doc, args[0])
			if err != nil {
				return err
			}
			for _, r := range results {
				b, err := json.Marshal(r)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd, queryCmd)
}
