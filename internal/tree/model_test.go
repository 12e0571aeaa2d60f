package tree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/cityhall/internal/keystore"
)

// seeded lists, under auto/:
//
//	app, app [alice], app [bob], db (protected)
//
// and under auto/app/: port, port [carol], host.
func seeded() *fakeClient {
	f := newFakeClient()
	f.add("auto", "/app", "", "", false)
	f.add("auto", "/app", "alice", "a", false)
	f.add("auto", "/app", "bob", "b", false)
	f.add("auto", "/db", "", "x", true)
	f.add("auto", "/app/port", "", "80", false)
	f.add("auto", "/app/port", "carol", "81", false)
	f.add("auto", "/app/host", "", "localhost", false)
	return f
}

func labels(t *testing.T, m *Model, h Handle) []string {
	t.Helper()
	children, err := m.Children(h)
	require.NoError(t, err)
	var out []string
	for _, c := range children {
		n, err := m.Node(c)
		require.NoError(t, err)
		out = append(out, n.Label)
	}
	return out
}

func TestSelect_LoadsChildren(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	root := m.AddEnvironment("auto")

	n, err := m.Node(root)
	require.NoError(t, err)
	assert.Equal(t, "auto...", n.Label)
	assert.Equal(t, Unloaded, n.State)

	require.NoError(t, m.Select(context.Background(), root))

	n, err = m.Node(root)
	require.NoError(t, err)
	assert.Equal(t, "auto", n.Label)
	assert.Equal(t, Loaded, n.State)
	assert.Equal(t, []string{"app...", "app [alice]", "app [bob]", "db (protected)..."}, labels(t, m, root))

	sel, ok := m.Selected()
	require.True(t, ok)
	assert.Equal(t, root, sel)
}

func TestSelect_TwiceFetchesOnce(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	root := m.AddEnvironment("auto")

	require.NoError(t, m.Select(context.Background(), root))
	require.NoError(t, m.Select(context.Background(), root))
	assert.Equal(t, 1, f.count("read_children"))
}

func TestSelect_WhileLoadingDoesNotRefetch(t *testing.T) {
	f := seeded()
	f.gate = make(chan struct{})
	f.started = make(chan struct{})
	m := NewModel(f, session())
	root := m.AddEnvironment("auto")

	done := make(chan error, 1)
	go func() { done <- m.Select(context.Background(), root) }()
	<-f.started

	require.NoError(t, m.Select(context.Background(), root))
	n, err := m.Node(root)
	require.NoError(t, err)
	assert.Equal(t, Loading, n.State)
	assert.Equal(t, "auto...", n.Label)

	close(f.gate)
	require.NoError(t, <-done)

	n, err = m.Node(root)
	require.NoError(t, err)
	assert.Equal(t, Loaded, n.State)
	assert.Len(t, n.Children, 4)
	assert.Equal(t, 1, f.count("read_children"))
}

func TestSelect_FailureLeavesPlaceholder(t *testing.T) {
	f := seeded()
	f.fail["read_children"] = &keystore.RemoteError{Op: "read_children", Message: "Do not have read permissions"}
	m := NewModel(f, session())
	root := m.AddEnvironment("auto")

	err := m.Select(context.Background(), root)
	require.Error(t, err)
	assert.Equal(t, keystore.KindRemote, keystore.KindOf(err))

	n, err := m.Node(root)
	require.NoError(t, err)
	assert.Equal(t, Loaded, n.State)
	require.Len(t, n.Children, 1)

	ph, err := m.Node(n.Children[0])
	require.NoError(t, err)
	assert.False(t, ph.Valid())
	assert.Equal(t, ErrorPlaceholder, ph.Kind)
	assert.Contains(t, ph.Label, "Do not have read permissions")

	// Terminal, not retried.
	require.NoError(t, m.Select(context.Background(), root))
	assert.Equal(t, 1, f.count("read_children"))

	// The placeholder is selectable but cannot be edited.
	require.NoError(t, m.Select(context.Background(), ph.Handle))
	assert.ErrorIs(t, m.Save(context.Background(), ph.Handle, "v", false), ErrInvalidNode)
	assert.ErrorIs(t, m.Create(context.Background(), ph.Handle, "k", ""), ErrInvalidNode)
}

func TestSelect_Unauthenticated(t *testing.T) {
	f := seeded()
	m := NewModel(f, &keystore.Session{})
	root := m.AddEnvironment("auto")

	assert.ErrorIs(t, m.Select(context.Background(), root), keystore.ErrNotAuthenticated)
	assert.Equal(t, 0, f.count("read_children"))

	n, err := m.Node(root)
	require.NoError(t, err)
	assert.Equal(t, Unloaded, n.State)
}

func TestSelect_ResetsEditBufferAndHistory(t *testing.T) {
	f := seeded()
	f.history["auto/app/port/|"] = []keystore.Revision{{ID: 3, Name: "port", Value: "80"}}
	m := NewModel(f, session())
	ctx := context.Background()

	port, err := m.Lookup(ctx, "auto", "/app/port", "")
	require.NoError(t, err)
	require.NoError(t, m.Select(ctx, port))
	assert.Equal(t, keystore.Value{Value: "80"}, m.EditBuffer())
	assert.False(t, m.Dirty())

	m.SetEditBuffer("8080", false)
	assert.True(t, m.Dirty())

	events, err := m.History(ctx, port)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Created: port", events[0].Label)
	assert.Len(t, m.PendingHistory(), 1)

	host, err := m.Lookup(ctx, "auto", "/app/host", "")
	require.NoError(t, err)
	require.NoError(t, m.Select(ctx, host))
	assert.Empty(t, m.PendingHistory())
	assert.Equal(t, keystore.Value{Value: "localhost"}, m.EditBuffer())
}

func TestHistory_NotSelectedIsNotPending(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	root := m.AddEnvironment("auto")
	require.NoError(t, m.Select(ctx, root))

	port, err := m.Lookup(ctx, "auto", "/app/port", "")
	require.NoError(t, err)
	_, err = m.History(ctx, port)
	require.NoError(t, err)
	assert.Empty(t, m.PendingHistory())
}

func TestSave_NoDiffSendsNothing(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	port, err := m.Lookup(context.Background(), "auto", "/app/port", "")
	require.NoError(t, err)

	require.NoError(t, m.Save(context.Background(), port, "80", false))
	assert.Equal(t, 0, f.count("write_value"))
}

func TestSave_SendsOnlyChangedFields(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	port, err := m.Lookup(ctx, "auto", "/app/port", "")
	require.NoError(t, err)

	require.NoError(t, m.Save(ctx, port, "8080", false))
	require.Len(t, f.writes, 1)
	require.NotNil(t, f.writes[0].update.Value)
	assert.Equal(t, "8080", *f.writes[0].update.Value)
	assert.Nil(t, f.writes[0].update.Protected)

	require.NoError(t, m.Save(ctx, port, "8080", true))
	require.Len(t, f.writes, 2)
	assert.Nil(t, f.writes[1].update.Value)
	require.NotNil(t, f.writes[1].update.Protected)

	n, err := m.Node(port)
	require.NoError(t, err)
	assert.Equal(t, "8080", n.Value)
	assert.True(t, n.Protected)
	assert.Equal(t, "port (protected)...", n.Label)
}

func TestSave_FailureLeavesNodeUnchanged(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	port, err := m.Lookup(ctx, "auto", "/app/port", "")
	require.NoError(t, err)

	f.fail["write_value"] = &keystore.TransportError{Op: "write_value", Err: errors.New("connection refused")}
	err = m.Save(ctx, port, "8080", false)
	assert.Equal(t, keystore.KindTransport, keystore.KindOf(err))

	n, err := m.Node(port)
	require.NoError(t, err)
	assert.Equal(t, "80", n.Value)
}

func TestSaveSelected(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	host, err := m.Lookup(ctx, "auto", "/app/host", "")
	require.NoError(t, err)
	require.NoError(t, m.Select(ctx, host))

	m.SetEditBuffer("example.com", false)
	require.NoError(t, m.SaveSelected(ctx))
	assert.False(t, m.Dirty())
	assert.Equal(t, 1, f.count("write_value"))
}

func TestCreate_RejectsBadNamesLocally(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	root := m.AddEnvironment("auto")

	assert.ErrorIs(t, m.Create(context.Background(), root, "", ""), ErrEmptyName)
	for _, name := range []string{"a/b", "it's", `say"hi"`, "a\tb", "a\rb", "a\nb"} {
		assert.ErrorIs(t, m.Create(context.Background(), root, name, ""), ErrIllegalName, name)
	}
	assert.ErrorIs(t, m.Create(context.Background(), root, "ok", "bad/user"), ErrIllegalName)
	assert.Equal(t, 0, f.count("write_value"))
}

func TestCreate_UnderOverrideRejected(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	alice, err := m.Lookup(context.Background(), "auto", "/app", "alice")
	require.NoError(t, err)

	n, err := m.Node(alice)
	require.NoError(t, err)
	assert.Equal(t, OverrideKey, n.Kind)
	assert.Equal(t, "app [alice]", n.Label)

	assert.ErrorIs(t, m.Create(context.Background(), alice, "child", ""), ErrCannotHaveChildren)
	assert.Equal(t, 0, f.count("write_value"))
}

func TestCreate_RefetchesParent(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	app, err := m.Lookup(ctx, "auto", "/app", "")
	require.NoError(t, err)
	require.NoError(t, m.Select(ctx, app))
	before := f.count("read_children")

	require.NoError(t, m.Create(ctx, app, "timeout", ""))
	require.Len(t, f.writes, 1)
	assert.Equal(t, "/app/timeout", f.writes[0].path)
	assert.Equal(t, "", *f.writes[0].update.Value)
	assert.Nil(t, f.writes[0].update.Protected)

	assert.Equal(t, before+1, f.count("read_children"))
	assert.Equal(t, []string{"port...", "port [carol]", "host...", "timeout..."}, labels(t, m, app))

	sel, _ := m.Selected()
	assert.Equal(t, app, sel)
}

func TestCreate_Override(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	app, err := m.Lookup(ctx, "auto", "/app", "")
	require.NoError(t, err)

	require.NoError(t, m.Create(ctx, app, "host", "dave"))
	assert.Equal(t, "dave", f.writes[0].override)
	assert.Contains(t, labels(t, m, app), "host [dave]")
}

func TestDelete_DefaultRemovesAllVariants(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	root := m.AddEnvironment("auto")
	require.NoError(t, m.Select(ctx, root))

	app, err := m.Lookup(ctx, "auto", "/app", "")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, app))

	require.Len(t, f.deletes, 1)
	assert.Equal(t, "", f.deletes[0].override)
	assert.Equal(t, []string{"db (protected)..."}, labels(t, m, root))

	_, err = m.Node(app)
	assert.ErrorIs(t, err, ErrStaleHandle)
	sel, _ := m.Selected()
	assert.Equal(t, root, sel)
}

func TestDelete_OverrideRemovesOnlyThatVariant(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	root := m.AddEnvironment("auto")

	alice, err := m.Lookup(ctx, "auto", "/app", "alice")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, alice))

	assert.Equal(t, "alice", f.deletes[0].override)
	assert.Equal(t, []string{"app...", "app [bob]", "db (protected)..."}, labels(t, m, root))
}

func TestDelete_FailureLeavesTree(t *testing.T) {
	f := seeded()
	f.fail["delete_key"] = &keystore.RemoteError{Op: "delete_key", Message: "Do not have write permissions"}
	m := NewModel(f, session())
	ctx := context.Background()
	root := m.AddEnvironment("auto")

	app, err := m.Lookup(ctx, "auto", "/app", "")
	require.NoError(t, err)
	require.Error(t, m.Delete(ctx, app))
	assert.Len(t, labels(t, m, root), 4)
}

func TestDelete_RootRejected(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	root := m.AddEnvironment("auto")
	assert.ErrorIs(t, m.Delete(context.Background(), root), ErrRootImmutable)
	assert.Equal(t, 0, f.count("delete_key"))
}

func TestMove_LocalRejections(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	root := m.AddEnvironment("auto")
	app, err := m.Lookup(ctx, "auto", "/app", "")
	require.NoError(t, err)
	calls := f.count("read_children")

	assert.ErrorIs(t, m.Move(ctx, app, "auto", true), ErrSameEnvironment)
	assert.ErrorIs(t, m.Move(ctx, app, "", true), ErrEmptyName)
	assert.ErrorIs(t, m.Move(ctx, root, "prod", true), ErrRootImmutable)

	assert.Equal(t, 0, f.count("read_value"))
	assert.Equal(t, 0, f.count("write_value"))
	assert.Equal(t, calls, f.count("read_children"))
}

func TestMove_Recursive(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	src := m.AddEnvironment("auto")
	dst := m.AddEnvironment("prod")
	require.NoError(t, m.Select(ctx, dst))

	app, err := m.Lookup(ctx, "auto", "/app", "")
	require.NoError(t, err)
	require.NoError(t, m.Move(ctx, app, "prod", true))

	var got []string
	for _, w := range f.writes {
		assert.Equal(t, "prod", w.env)
		got = append(got, w.path+"|"+w.override)
	}
	assert.Equal(t, []string{"/app/|", "/app/port/|", "/app/port/|carol", "/app/host/|"}, got)
	assert.Equal(t, "81", f.values["prod/app/port/|carol"].Value)

	for _, h := range []Handle{src, dst} {
		n, err := m.Node(h)
		require.NoError(t, err)
		assert.Equal(t, Unloaded, n.State)
		assert.Empty(t, n.Children)
	}
}

func TestMove_NonRecursive(t *testing.T) {
	f := seeded()
	m := NewModel(f, session())
	ctx := context.Background()
	app, err := m.Lookup(ctx, "auto", "/app", "")
	require.NoError(t, err)

	require.NoError(t, m.Move(ctx, app, "prod", false))
	assert.Len(t, f.writes, 1)
}

func TestMove_PartialFailureKeepsGoing(t *testing.T) {
	f := seeded()
	f.fail["read_value:auto/app/port/"] = &keystore.RemoteError{Op: "read_value", Message: "boom"}
	m := NewModel(f, session())
	ctx := context.Background()
	src := m.AddEnvironment("auto")

	app, err := m.Lookup(ctx, "auto", "/app", "")
	require.NoError(t, err)
	err = m.Move(ctx, app, "prod", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// Completed legs stay, the failed subtree is skipped, the sibling runs.
	var got []string
	for _, w := range f.writes {
		got = append(got, w.path+"|"+w.override)
	}
	assert.Equal(t, []string{"/app/|", "/app/host/|"}, got)

	// Invalidated even though the move failed.
	n, err := m.Node(src)
	require.NoError(t, err)
	assert.Equal(t, Unloaded, n.State)
}

func TestInvalidate_DropsInFlightFetch(t *testing.T) {
	f := seeded()
	f.gate = make(chan struct{})
	f.started = make(chan struct{})
	m := NewModel(f, session())
	root := m.AddEnvironment("auto")

	done := make(chan error, 1)
	go func() { done <- m.Select(context.Background(), root) }()
	<-f.started

	require.NoError(t, m.Invalidate(root))
	close(f.gate)
	require.NoError(t, <-done)

	n, err := m.Node(root)
	require.NoError(t, err)
	assert.Equal(t, Unloaded, n.State)
	assert.Empty(t, n.Children)
}

func TestLookup_WaitsForInFlightFetch(t *testing.T) {
	f := seeded()
	f.gate = make(chan struct{})
	f.started = make(chan struct{})
	m := NewModel(f, session())
	root := m.AddEnvironment("auto")

	done := make(chan error, 1)
	go func() { done <- m.Select(context.Background(), root) }()
	<-f.started

	found := make(chan Handle, 1)
	go func() {
		h, err := m.Lookup(context.Background(), "auto", "/db", "")
		assert.NoError(t, err)
		found <- h
	}()

	close(f.gate)
	require.NoError(t, <-done)

	select {
	case h := <-found:
		n, err := m.Node(h)
		require.NoError(t, err)
		assert.Equal(t, "x", n.Value)
		assert.True(t, n.Protected)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup did not finish")
	}
	assert.Equal(t, 1, f.count("read_children"))
}

func TestLookup_NotFound(t *testing.T) {
	m := NewModel(seeded(), session())
	_, err := m.Lookup(context.Background(), "auto", "/app/missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadEnvironments(t *testing.T) {
	m := NewModel(seeded(), session())
	roots, err := m.LoadEnvironments(context.Background())
	require.NoError(t, err)
	require.Len(t, roots, 2)

	var names []string
	for _, h := range roots {
		n, err := m.Node(h)
		require.NoError(t, err)
		assert.True(t, n.IsRoot())
		names = append(names, n.Environment)
	}
	assert.Equal(t, []string{"auto", "users"}, names)
	assert.Equal(t, roots, m.Roots())
}

func TestWalkAndExpandAll(t *testing.T) {
	m := NewModel(seeded(), session())
	root := m.AddEnvironment("auto")
	require.NoError(t, m.ExpandAll(context.Background(), root))

	var lines []string
	require.NoError(t, m.Walk(root, func(n Node, depth int) error {
		assert.NotEqual(t, Unloaded, n.State)
		lines = append(lines, string(rune('0'+depth))+n.Label)
		return nil
	}))
	assert.Equal(t, []string{
		"0auto",
		"1app",
		"2port",
		"2port [carol]",
		"2host",
		"1app [alice]",
		"1app [bob]",
		"1db (protected)",
	}, lines)
}
