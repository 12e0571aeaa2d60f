// Package tree is the client-side model of a City Hall key forest.
//
// Nodes live in an arena addressed by Handle. Environment roots are added
// explicitly; everything below them is fetched lazily, one level per
// expansion, and every structural edit goes through the store first and is
// reflected locally only after it succeeds.
package tree

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/agentic-research/cityhall/internal/history"
	"github.com/agentic-research/cityhall/internal/keystore"
	"github.com/agentic-research/cityhall/internal/override"
)

// Model owns the forest, the selection, the edit buffer and the pending
// history view. Its mutex is never held across a client call, so expansions
// of different nodes may be in flight at the same time.
type Model struct {
	client  keystore.Client
	session *keystore.Session

	mu       sync.Mutex
	nodes    []*entry // nil slot = discarded
	roots    []Handle
	selected Handle
	edit     keystore.Value
	history  []history.Event
}

// NewModel returns an empty forest that talks to client on behalf of session.
func NewModel(client keystore.Client, session *keystore.Session) *Model {
	return &Model{
		client:   client,
		session:  session,
		selected: NoHandle,
	}
}

// Session returns the session the model issues calls with.
func (m *Model) Session() *keystore.Session { return m.session }

// AddEnvironment adds an unloaded root for env, or returns the existing one.
func (m *Model) AddEnvironment(env string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addEnvironment(env)
}

func (m *Model) addEnvironment(env string) Handle {
	if h, ok := m.root(env); ok {
		return h
	}
	h := m.alloc(&entry{
		kind:   Environment,
		name:   env,
		path:   "/",
		env:    env,
		parent: NoHandle,
	})
	m.roots = append(m.roots, h)
	return h
}

// LoadEnvironments adds a root for every environment the session user has
// any rights on, and returns the roots in name order.
func (m *Model) LoadEnvironments(ctx context.Context) ([]Handle, error) {
	if err := keystore.RequireSession(m.session); err != nil {
		return nil, err
	}
	envs, err := m.client.ReadUser(ctx, m.session, m.session.User)
	if err != nil {
		return nil, fmt.Errorf("read environments of %s: %w", m.session.User, err)
	}
	names := make([]string, 0, len(envs))
	for env, r := range envs {
		if r > keystore.RightsNone {
			names = append(names, env)
		}
	}
	slices.Sort(names)

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(names))
	for _, env := range names {
		out = append(out, m.addEnvironment(env))
	}
	return out, nil
}

// Roots returns the environment roots in insertion order.
func (m *Model) Roots() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handle(nil), m.roots...)
}

// Root returns the root of env if it has been added.
func (m *Model) Root(env string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root(env)
}

func (m *Model) root(env string) (Handle, bool) {
	for _, h := range m.roots {
		if m.nodes[h].env == env {
			return h, true
		}
	}
	return NoHandle, false
}

// Node returns a copy of the node at h.
func (m *Model) Node(h Handle) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(h)
	if err != nil {
		return Node{}, err
	}
	return e.snapshot(h), nil
}

// Children returns the child handles of h in store order.
func (m *Model) Children(h Handle) ([]Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(h)
	if err != nil {
		return nil, err
	}
	return append([]Handle(nil), e.children...), nil
}

// Selected returns the current selection.
func (m *Model) Selected() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == NoHandle || m.nodes[m.selected] == nil {
		return NoHandle, false
	}
	return m.selected, true
}

// EditBuffer returns the uncommitted value and protect flag of the selection.
func (m *Model) EditBuffer() keystore.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edit
}

// SetEditBuffer replaces the uncommitted value of the selection.
func (m *Model) SetEditBuffer(value string, protected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edit = keystore.Value{Value: value, Protected: protected}
}

// Dirty reports whether the edit buffer differs from the selection's
// committed state.
func (m *Model) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == NoHandle || m.nodes[m.selected] == nil {
		return false
	}
	e := m.nodes[m.selected]
	return m.edit.Value != e.value || m.edit.Protected != e.protected
}

// PendingHistory returns the history view of the selection, if one has been
// fetched since it was selected.
func (m *Model) PendingHistory() []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// Select makes h the current selection, resets the edit buffer to its
// committed state and drops any pending history. If h is an unloaded,
// expandable node its children are fetched. A failed fetch leaves a single
// error placeholder child and the node Loaded; the error is also returned.
// Selecting a node whose fetch is already in flight does not fetch again.
func (m *Model) Select(ctx context.Context, h Handle) error {
	m.mu.Lock()
	e, err := m.entry(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.selected = h
	m.edit = keystore.Value{Value: e.value, Protected: e.protected}
	m.history = nil
	ld, err := m.beginLoad(e)
	m.mu.Unlock()
	if err != nil || ld == nil {
		return err
	}
	return m.finishLoad(ctx, h, ld)
}

type load struct {
	gen  uint64
	env  string
	path string
	done chan struct{}
}

// beginLoad moves e to Loading when it needs a fetch. It returns nil when
// there is nothing to fetch.
func (m *Model) beginLoad(e *entry) (*load, error) {
	if e.kind == ErrorPlaceholder || !e.expandable() || e.state != Unloaded {
		return nil, nil
	}
	if err := keystore.RequireSession(m.session); err != nil {
		return nil, err
	}
	e.state = Loading
	e.loaded = make(chan struct{})
	return &load{gen: e.gen, env: e.env, path: e.path, done: e.loaded}, nil
}

func (m *Model) finishLoad(ctx context.Context, h Handle, ld *load) error {
	children, err := m.client.ReadChildren(ctx, m.session, ld.env, ld.path)

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.nodes[h]
	if e == nil || e.gen != ld.gen {
		glog.V(2).Infof("tree: dropping stale children of %s%s", ld.env, ld.path)
		return nil
	}
	if e.loaded == ld.done {
		close(e.loaded)
		e.loaded = nil
	}
	e.state = Loaded
	if err != nil {
		m.attach(h, &entry{kind: ErrorPlaceholder, name: err.Error(), env: e.env, state: Loaded})
		return fmt.Errorf("read children of %s%s: %w", ld.env, ld.path, err)
	}
	glog.V(2).Infof("tree: %s%s has %d children", ld.env, ld.path, len(children))
	for _, c := range children {
		m.attachChild(h, e, c)
	}
	return nil
}

func (m *Model) attachChild(h Handle, parent *entry, c keystore.Child) {
	child := &entry{
		kind:      DefaultKey,
		name:      c.Name,
		override:  c.Override,
		path:      c.Path,
		env:       parent.env,
		value:     c.Value,
		protected: c.Protected,
	}
	if child.path == "" {
		child.path = parent.path + c.Name + "/"
	}
	if c.Override != "" {
		// Overrides are leaves: there is nothing to fetch.
		child.kind = OverrideKey
		child.state = Loaded
	}
	m.attach(h, child)
}

// Lookup resolves path in env, expanding every node along the way and
// waiting for fetches already in flight. A non-empty override selects that
// variant of the last segment. The environment root is added if missing.
func (m *Model) Lookup(ctx context.Context, env, path, ovr string) (Handle, error) {
	m.mu.Lock()
	h := m.addEnvironment(env)
	m.mu.Unlock()

	segs := splitPath(path)
	for i, seg := range segs {
		if err := m.ensureLoaded(ctx, h); err != nil {
			return NoHandle, err
		}
		want := override.Key{Name: seg}
		if i == len(segs)-1 {
			want.Override = ovr
		}
		next, ok := m.findChild(h, want)
		if !ok {
			return NoHandle, fmt.Errorf("%w: %s%s", ErrNotFound, env, path)
		}
		h = next
	}
	if len(segs) == 0 && ovr != "" {
		return NoHandle, ErrCannotHaveChildren
	}
	return h, nil
}

func (m *Model) findChild(h Handle, want override.Key) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.nodes[h]
	if e == nil {
		return NoHandle, false
	}
	for _, c := range e.children {
		ce := m.nodes[c]
		if ce.kind != ErrorPlaceholder && ce.key() == want {
			return c, true
		}
	}
	return NoHandle, false
}

// ensureLoaded fetches the children of h unless they are loaded or being
// loaded, in which case it waits for that fetch.
func (m *Model) ensureLoaded(ctx context.Context, h Handle) error {
	for {
		m.mu.Lock()
		e, err := m.entry(h)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		if e.state == Loading {
			done := e.loaded
			m.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ld, err := m.beginLoad(e)
		m.mu.Unlock()
		if err != nil || ld == nil {
			return err
		}
		return m.finishLoad(ctx, h, ld)
	}
}

// Invalidate discards the children of h and returns it to Unloaded. A fetch
// in flight for h is dropped when it completes.
func (m *Model) Invalidate(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(h)
	if err != nil {
		return err
	}
	m.invalidate(e)
	return nil
}

func (m *Model) invalidate(e *entry) {
	for _, c := range e.children {
		m.free(c)
	}
	e.children = nil
	e.gen++
	if e.loaded != nil {
		close(e.loaded)
		e.loaded = nil
	}
	if e.expandable() {
		e.state = Unloaded
	}
}

// Save commits value and protected to the key at h. Only fields that differ
// from the committed state are sent; if none differ nothing is sent.
func (m *Model) Save(ctx context.Context, h Handle, value string, protected bool) error {
	m.mu.Lock()
	e, err := m.entry(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if e.kind == ErrorPlaceholder {
		m.mu.Unlock()
		return ErrInvalidNode
	}
	var u keystore.Update
	if value != e.value {
		u.Value = &value
	}
	if protected != e.protected {
		u.Protected = &protected
	}
	env, path, ovr := e.env, e.path, e.override
	m.mu.Unlock()

	if u.Empty() {
		return nil
	}
	if err := m.client.WriteValue(ctx, m.session, env, path, ovr, u); err != nil {
		return fmt.Errorf("save %s%s: %w", env, path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.nodes[h]; e == nil {
		return nil
	}
	if u.Value != nil {
		e.value = *u.Value
	}
	if u.Protected != nil {
		e.protected = *u.Protected
	}
	if m.selected == h {
		m.edit = keystore.Value{Value: e.value, Protected: e.protected}
	}
	return nil
}

// SaveSelected saves the edit buffer into the selected node.
func (m *Model) SaveSelected(ctx context.Context) error {
	h, ok := m.Selected()
	if !ok {
		return ErrInvalidNode
	}
	buf := m.EditBuffer()
	return m.Save(ctx, h, buf.Value, buf.Protected)
}

// ValidateName rejects names that would corrupt a key path.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if strings.ContainsAny(name, illegalNameChars) {
		return fmt.Errorf("%w: %q", ErrIllegalName, name)
	}
	return nil
}

// Create writes an empty key name under parent, as variant ovr when it is
// non-empty. On success the parent is invalidated and reselected so that the
// store's view replaces the local one.
func (m *Model) Create(ctx context.Context, parent Handle, name, ovr string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if ovr != "" {
		if err := ValidateName(ovr); err != nil {
			return err
		}
	}

	m.mu.Lock()
	e, err := m.entry(parent)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if e.kind == ErrorPlaceholder {
		m.mu.Unlock()
		return ErrInvalidNode
	}
	if !e.expandable() {
		m.mu.Unlock()
		return ErrCannotHaveChildren
	}
	env, path := e.env, e.path+name
	m.mu.Unlock()

	empty := ""
	if err := m.client.WriteValue(ctx, m.session, env, path, ovr, keystore.Update{Value: &empty}); err != nil {
		return fmt.Errorf("create %s%s: %w", env, path, err)
	}
	if err := m.Invalidate(parent); err != nil {
		return err
	}
	return m.Select(ctx, parent)
}

// Delete removes the key at h. Deleting a default also removes every
// override of it under the same parent; deleting an override removes only
// that variant. The parent is reselected afterwards.
func (m *Model) Delete(ctx context.Context, h Handle) error {
	m.mu.Lock()
	e, err := m.entry(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	switch e.kind {
	case Environment:
		m.mu.Unlock()
		return ErrRootImmutable
	case ErrorPlaceholder:
		m.mu.Unlock()
		return ErrInvalidNode
	}
	env, path, target, parent := e.env, e.path, e.key(), e.parent
	m.mu.Unlock()

	if err := m.client.DeleteKey(ctx, m.session, env, path, target.Override); err != nil {
		return fmt.Errorf("delete %s%s: %w", env, path, err)
	}

	m.mu.Lock()
	if pe := m.nodes[parent]; pe != nil {
		kept := pe.children[:0]
		for _, c := range pe.children {
			ce := m.nodes[c]
			if ce.kind != ErrorPlaceholder && override.IsOverrideOf(ce.key(), target) {
				m.free(c)
				continue
			}
			kept = append(kept, c)
		}
		pe.children = kept
	}
	alive := parent != NoHandle && m.nodes[parent] != nil
	m.mu.Unlock()
	if !alive {
		return nil
	}
	return m.Select(ctx, parent)
}

// Move copies the key at h to the same path in targetEnv. When recursive is
// set and h is a default, its children follow depth first, each keeping its
// own override. A failed leg skips its subtree only; completed legs are not
// undone. Both environment roots are invalidated whatever the outcome.
func (m *Model) Move(ctx context.Context, h Handle, targetEnv string, recursive bool) error {
	m.mu.Lock()
	e, err := m.entry(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var verr error
	switch {
	case e.kind == Environment:
		verr = ErrRootImmutable
	case e.kind == ErrorPlaceholder:
		verr = ErrInvalidNode
	case targetEnv == "":
		verr = ErrEmptyName
	case targetEnv == e.env:
		verr = ErrSameEnvironment
	}
	env, path, ovr := e.env, e.path, e.override
	m.mu.Unlock()
	if verr != nil {
		return verr
	}

	err = m.moveLeg(ctx, env, targetEnv, path, ovr, recursive)
	if err != nil {
		glog.Warningf("tree: move %s%s to %s incomplete, invalidating both environments: %v", env, path, targetEnv, err)
	}

	m.mu.Lock()
	for _, name := range []string{env, targetEnv} {
		if r, ok := m.root(name); ok {
			m.invalidate(m.nodes[r])
		}
	}
	m.mu.Unlock()
	return err
}

func (m *Model) moveLeg(ctx context.Context, from, to, path, ovr string, recursive bool) error {
	v, err := m.client.ReadValue(ctx, m.session, from, path, &ovr)
	if err != nil {
		return fmt.Errorf("move: read %s%s: %w", from, path, err)
	}
	u := keystore.Update{Value: &v.Value, Protected: &v.Protected}
	if err := m.client.WriteValue(ctx, m.session, to, path, ovr, u); err != nil {
		return fmt.Errorf("move: write %s%s: %w", to, path, err)
	}
	if !recursive || ovr != "" {
		return nil
	}
	children, err := m.client.ReadChildren(ctx, m.session, from, path)
	if err != nil {
		return fmt.Errorf("move: list %s%s: %w", from, path, err)
	}
	var errs []error
	for _, c := range children {
		cpath := c.Path
		if cpath == "" {
			cpath = path + c.Name + "/"
		}
		if err := m.moveLeg(ctx, from, to, cpath, c.Override, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// History fetches and reconstructs the history of the key at h. If h is
// still selected when the log arrives, it becomes the pending history view.
func (m *Model) History(ctx context.Context, h Handle) ([]history.Event, error) {
	m.mu.Lock()
	e, err := m.entry(h)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if e.kind == ErrorPlaceholder {
		m.mu.Unlock()
		return nil, ErrInvalidNode
	}
	env, path, ovr := e.env, e.path, e.override
	m.mu.Unlock()

	log, err := m.client.ReadHistory(ctx, m.session, env, path, ovr)
	if err != nil {
		return nil, fmt.Errorf("history of %s%s: %w", env, path, err)
	}
	events := history.Reconstruct(log)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == h {
		m.history = events
	}
	return slices.Clone(events), nil
}

// Walk calls fn for h and every loaded descendant, depth first, parents
// before children. The nodes are copied before fn is first called.
func (m *Model) Walk(h Handle, fn func(n Node, depth int) error) error {
	type visit struct {
		n     Node
		depth int
	}
	m.mu.Lock()
	var order []visit
	var walk func(h Handle, depth int)
	walk = func(h Handle, depth int) {
		e := m.nodes[h]
		order = append(order, visit{e.snapshot(h), depth})
		for _, c := range e.children {
			walk(c, depth+1)
		}
	}
	if _, err := m.entry(h); err != nil {
		m.mu.Unlock()
		return err
	}
	walk(h, 0)
	m.mu.Unlock()

	for _, v := range order {
		if err := fn(v.n, v.depth); err != nil {
			return err
		}
	}
	return nil
}

// ExpandAll loads every expandable node below h, depth first. A failed
// fetch leaves its placeholder and does not stop its siblings.
func (m *Model) ExpandAll(ctx context.Context, h Handle) error {
	var errs []error
	if err := m.ensureLoaded(ctx, h); err != nil {
		if errors.Is(err, ErrStaleHandle) || errors.Is(err, keystore.ErrNotAuthenticated) {
			return err
		}
		errs = append(errs, err)
	}
	children, err := m.Children(h)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := m.ExpandAll(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Model) alloc(e *entry) Handle {
	m.nodes = append(m.nodes, e)
	return Handle(len(m.nodes) - 1)
}

func (m *Model) attach(parent Handle, e *entry) Handle {
	e.parent = parent
	h := m.alloc(e)
	m.nodes[parent].children = append(m.nodes[parent].children, h)
	return h
}

func (m *Model) free(h Handle) {
	e := m.nodes[h]
	if e == nil {
		return
	}
	for _, c := range e.children {
		m.free(c)
	}
	if e.loaded != nil {
		close(e.loaded)
	}
	m.nodes[h] = nil
	if m.selected == h {
		m.selected = NoHandle
		m.history = nil
	}
}

func (m *Model) entry(h Handle) (*entry, error) {
	if h < 0 || int(h) >= len(m.nodes) {
		return nil, ErrInvalidNode
	}
	e := m.nodes[h]
	if e == nil {
		return nil, ErrStaleHandle
	}
	return e, nil
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
