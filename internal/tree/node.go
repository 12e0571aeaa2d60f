package tree

import (
	"github.com/agentic-research/cityhall/internal/override"
)

// Handle addresses a node in a Model. Handles are never reused, so a handle
// to a discarded node stays detectably stale.
type Handle int

// NoHandle is the parent of every environment root.
const NoHandle Handle = -1

// Kind tags what a node represents.
type Kind int

const (
	Environment Kind = iota
	DefaultKey
	OverrideKey
	ErrorPlaceholder
)

func (k Kind) String() string {
	switch k {
	case Environment:
		return "environment"
	case DefaultKey:
		return "default"
	case OverrideKey:
		return "override"
	case ErrorPlaceholder:
		return "error"
	}
	return "unknown"
}

// Expansion is the child-fetch state of a node.
type Expansion int

const (
	Unloaded Expansion = iota
	Loading
	Loaded
)

func (x Expansion) String() string {
	switch x {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	}
	return "unknown"
}

// entry is the arena slot. Only the Model touches it, under its mutex.
type entry struct {
	kind      Kind
	name      string
	override  string
	path      string
	env       string
	value     string
	protected bool
	state     Expansion
	parent    Handle
	children  []Handle

	// gen is bumped by every invalidate so that a fetch started before it
	// cannot land afterwards.
	gen uint64
	// loaded is closed when the in-flight fetch completes or is discarded.
	loaded chan struct{}
}

func (e *entry) key() override.Key {
	return override.Key{Name: e.name, Override: e.override}
}

func (e *entry) expandable() bool {
	return e.kind == Environment || (e.kind == DefaultKey && override.CanHaveChildren(e.key()))
}

func (e *entry) label() string {
	switch e.kind {
	case ErrorPlaceholder:
		return e.name
	case Environment:
		return override.Label(override.Key{Name: e.env}, false, e.state != Loaded)
	}
	return override.Label(e.key(), e.protected, e.state != Loaded)
}

// Node is a point-in-time copy of one tree node.
type Node struct {
	Handle      Handle
	Kind        Kind
	Label       string
	Name        string
	Override    string
	Path        string
	Environment string
	Value       string
	Protected   bool
	State       Expansion
	Parent      Handle
	Children    []Handle
}

// Valid reports whether n addresses a real entity in the store.
func (n Node) Valid() bool { return n.Kind != ErrorPlaceholder }

// IsRoot reports whether n is an environment root.
func (n Node) IsRoot() bool { return n.Kind == Environment }

func (e *entry) snapshot(h Handle) Node {
	return Node{
		Handle:      h,
		Kind:        e.kind,
		Label:       e.label(),
		Name:        e.name,
		Override:    e.override,
		Path:        e.path,
		Environment: e.env,
		Value:       e.value,
		Protected:   e.protected,
		State:       e.state,
		Parent:      e.parent,
		Children:    append([]Handle(nil), e.children...),
	}
}
