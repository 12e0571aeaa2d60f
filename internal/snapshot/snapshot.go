// Package snapshot turns a loaded part of the tree into a document that can
// be queried with JSONPath, written out as a directory hierarchy, and read
// back in to recreate the keys elsewhere.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/agentic-research/cityhall/internal/keystore"
	"github.com/agentic-research/cityhall/internal/tree"
)

// Variant is one override of a key.
type Variant struct {
	Value     string `json:"value"`
	Protected bool   `json:"protected,omitempty"`
}

// Document is a key, its overrides and its children.
type Document struct {
	Value     string               `json:"value"`
	Protected bool                 `json:"protected,omitempty"`
	Overrides map[string]Variant   `json:"overrides,omitempty"`
	Children  map[string]*Document `json:"children,omitempty"`
}

func (d *Document) child(name string) *Document {
	if d.Children == nil {
		d.Children = make(map[string]*Document)
	}
	c, ok := d.Children[name]
	if !ok {
		c = &Document{}
		d.Children[name] = c
	}
	return c
}

func (d *Document) setOverride(user string, v Variant) {
	if d.Overrides == nil {
		d.Overrides = make(map[string]Variant)
	}
	d.Overrides[user] = v
}

// Build copies the loaded subtree rooted at h. Unloaded nodes contribute
// their own value but no children; error placeholders are skipped.
func Build(m *tree.Model, h tree.Handle) (*Document, error) {
	var root *Document
	docs := make(map[tree.Handle]*Document)
	err := m.Walk(h, func(n tree.Node, depth int) error {
		if depth == 0 {
			root = &Document{Value: n.Value, Protected: n.Protected}
			docs[n.Handle] = root
			return nil
		}
		parent, ok := docs[n.Parent]
		if !ok {
			return nil
		}
		switch n.Kind {
		case tree.DefaultKey:
			d := parent.child(n.Name)
			d.Value, d.Protected = n.Value, n.Protected
			docs[n.Handle] = d
		case tree.OverrideKey:
			parent.child(n.Name).setOverride(n.Override, Variant{Value: n.Value, Protected: n.Protected})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

// Generic returns d as plain maps, the shape JSONPath expressions run over.
func (d *Document) Generic() map[string]any {
	out := map[string]any{"value": d.Value, "protected": d.Protected}
	if len(d.Overrides) > 0 {
		ovr := make(map[string]any, len(d.Overrides))
		for user, v := range d.Overrides {
			ovr[user] = map[string]any{"value": v.Value, "protected": v.Protected}
		}
		out["overrides"] = ovr
	}
	if len(d.Children) > 0 {
		children := make(map[string]any, len(d.Children))
		for name, c := range d.Children {
			children[name] = c.Generic()
		}
		out["children"] = children
	}
	return out
}

// Query evaluates a JSONPath expression against d.
func Query(d *Document, expr string) ([]any, error) {
	x, err := jp.ParseString(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", expr, err)
	}
	return x.Get(d.Generic()), nil
}

// Apply writes d into env at path through client, parents before children
// and each default before its overrides. Children are visited in name
// order. Failures are collected and the remaining keys still written.
func Apply(ctx context.Context, c keystore.Client, s *keystore.Session, env, path string, d *Document) error {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	var errs []error
	value, protected := d.Value, d.Protected
	if err := c.WriteValue(ctx, s, env, path, "", keystore.Update{Value: &value, Protected: &protected}); err != nil {
		// Without the default nothing below it can be written.
		return fmt.Errorf("apply %s%s: %w", env, path, err)
	}
	for _, user := range sortedKeys(d.Overrides) {
		v := d.Overrides[user]
		if err := c.WriteValue(ctx, s, env, path, user, keystore.Update{Value: &v.Value, Protected: &v.Protected}); err != nil {
			errs = append(errs, fmt.Errorf("apply %s%s [%s]: %w", env, path, user, err))
		}
	}
	for _, name := range sortedKeys(d.Children) {
		if err := Apply(ctx, c, s, env, path+name+"/", d.Children[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
