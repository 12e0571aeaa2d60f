package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/agentic-research/cityhall/internal/history"
	"github.com/agentic-research/cityhall/internal/snapshot"
	"github.com/agentic-research/cityhall/internal/tree"
)

// The operations below are shared by the cobra commands and the MCP tools.

// splitKey splits "/a/b/c" into "/a/b/" and "c".
func splitKey(p string) (string, string) {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return "/", ""
	}
	dir, name := path.Split("/" + trimmed)
	return dir, name
}

func listChildren(ctx context.Context, m *tree.Model, env, p string) ([]tree.Node, error) {
	h, err := m.Lookup(ctx, env, p, "")
	if err != nil {
		return nil, err
	}
	// A failed fetch still leaves a placeholder worth showing.
	selErr := m.Select(ctx, h)
	children, err := m.Children(h)
	if err != nil {
		return nil, err
	}
	out := make([]tree.Node, 0, len(children))
	for _, c := range children {
		n, err := m.Node(c)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, selErr
}

func createKey(ctx context.Context, m *tree.Model, env, p, ovr string) error {
	parent, name := splitKey(p)
	ph, err := m.Lookup(ctx, env, parent, "")
	if err != nil {
		return err
	}
	return m.Create(ctx, ph, name, ovr)
}

// setValue saves value and/or protect on a key, creating it first if it
// does not exist.
func setValue(ctx context.Context, m *tree.Model, env, p, ovr string, value *string, protect *bool) error {
	h, err := m.Lookup(ctx, env, p, ovr)
	if errors.Is(err, tree.ErrNotFound) {
		if err := createKey(ctx, m, env, p, ovr); err != nil {
			return err
		}
		h, err = m.Lookup(ctx, env, p, ovr)
	}
	if err != nil {
		return err
	}
	n, err := m.Node(h)
	if err != nil {
		return err
	}
	v, prot := n.Value, n.Protected
	if value != nil {
		v = *value
	}
	if protect != nil {
		prot = *protect
	}
	return m.Save(ctx, h, v, prot)
}

func deleteKey(ctx context.Context, m *tree.Model, env, p, ovr string) error {
	h, err := m.Lookup(ctx, env, p, ovr)
	if err != nil {
		return err
	}
	return m.Delete(ctx, h)
}

func moveKey(ctx context.Context, m *tree.Model, env, p, ovr, target string, recursive bool) error {
	h, err := m.Lookup(ctx, env, p, ovr)
	if err != nil {
		return err
	}
	return m.Move(ctx, h, target, recursive)
}

func keyHistory(ctx context.Context, m *tree.Model, env, p, ovr string) ([]history.Event, error) {
	h, err := m.Lookup(ctx, env, p, ovr)
	if err != nil {
		return nil, err
	}
	return m.History(ctx, h)
}

func buildDocument(ctx context.Context, m *tree.Model, env, p string) (*snapshot.Document, error) {
	h, err := m.Lookup(ctx, env, p, "")
	if err != nil {
		return nil, err
	}
	if err := m.ExpandAll(ctx, h); err != nil {
		return nil, err
	}
	return snapshot.Build(m, h)
}

func writeChildren(w io.Writer, nodes []tree.Node) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, n := range nodes {
		if !n.Valid() {
			fmt.Fprintf(tw, "! %s\t\n", n.Label)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", n.Label, n.Value)
	}
	return tw.Flush()
}

func writeTree(w io.Writer, m *tree.Model, h tree.Handle) error {
	return m.Walk(h, func(n tree.Node, depth int) error {
		line := strings.Repeat("  ", depth) + n.Label
		if n.Valid() && n.Value != "" {
			line += " = " + n.Value
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}

func writeHistory(w io.Writer, events []history.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATETIME\tAUTHOR\tEVENT\tVALUE\tVISIBILITY")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Datetime.Format("2006-01-02 15:04:05"), e.Author, e.Label, e.Value, e.Visibility)
	}
	return tw.Flush()
}
