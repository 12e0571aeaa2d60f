// Package history turns a key's flat revision log into a timeline of
// structural events.
//
// The log holds every revision of the key itself plus the creation and
// deletion rows of its direct children. Child rows carry no explicit
// create/delete flag, so presence is inferred from the parity of their
// appearances.
package history

import (
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/agentic-research/cityhall/internal/keystore"
	"github.com/agentic-research/cityhall/internal/override"
)

// Visibility is the read tier of a revision's value.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Event labels one revision.
type Event struct {
	Datetime   time.Time
	Author     string
	Label      string
	Value      string
	Visibility Visibility
}

// Reconstruct labels every entry of log, which must be chronological and
// scoped to one key lineage and its direct children. It emits exactly one
// event per entry, in input order, and never sorts.
func Reconstruct(log []keystore.Revision) []Event {
	if len(log) == 0 {
		return nil
	}

	out := make([]Event, 0, len(log))
	first := log[0]
	out = append(out, event(first, "Created: "+first.Name))

	tracked := first.ID
	lastName := first.Name
	lastParent := first.Parent
	present := roaring64.New()

	for _, e := range log[1:] {
		var label string
		if e.ID == tracked {
			switch {
			case e.Name != lastName:
				label = "Renamed: " + e.Name
				lastName = e.Name
			case e.Parent != lastParent:
				label = "Key moved"
				lastParent = e.Parent
			default:
				label = "Value changed"
			}
		} else {
			name := override.Label(override.Key{Name: e.Name, Override: e.Override}, false, false)
			id := uint64(e.ID)
			if present.Contains(id) {
				label = "Deleted: " + name
				present.Remove(id)
			} else {
				label = "Created: " + name
				present.Add(id)
			}
		}
		out = append(out, event(e, label))
	}
	return out
}

func event(e keystore.Revision, label string) Event {
	vis := Public
	if e.Protected {
		vis = Private
	}
	return Event{
		Datetime:   e.Datetime,
		Author:     e.Author,
		Label:      label,
		Value:      e.Value,
		Visibility: vis,
	}
}
