// Package override decides how key variants relate to each other.
//
// A key has one default definition (empty override) and any number of named
// overrides. Overrides are one level deep: they never have children and are
// never overridden themselves.
package override

import "strings"

const (
	// IncompleteMarker is appended to labels of keys whose children have
	// not been fetched yet.
	IncompleteMarker = "..."
	// ProtectedMarker is appended to labels of protected keys.
	ProtectedMarker = " (protected)"
)

// Key identifies one variant of a key under a given parent.
type Key struct {
	Name     string
	Override string
}

// IsDefault reports whether k is the default definition.
func (k Key) IsDefault() bool { return k.Override == "" }

// CanHaveChildren reports whether k may be expanded or created under.
func CanHaveChildren(k Key) bool {
	return k.IsDefault()
}

// IsOverrideOf reports whether a falls in b's variant group: same name, and
// either the same override or b is the default (which groups every variant).
func IsOverrideOf(a, b Key) bool {
	return a.Name == b.Name && (a.Override == b.Override || b.IsDefault())
}

// Label renders the display name of a variant.
func Label(k Key, protected, incomplete bool) string {
	var b strings.Builder
	b.WriteString(k.Name)
	if k.Override != "" {
		b.WriteString(" [")
		b.WriteString(k.Override)
		b.WriteString("]")
	}
	if protected {
		b.WriteString(ProtectedMarker)
	}
	if incomplete {
		b.WriteString(IncompleteMarker)
	}
	return b.String()
}
