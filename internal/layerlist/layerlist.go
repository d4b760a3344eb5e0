// Package layerlist keeps the ordered list of layers shown to a user:
// visibility, stacking order and the selection that drives deletion.
package layerlist

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
)

var ErrUnknownLayer = errors.New("layerlist: unknown layer")

// Entry is one layer row. ZIndex is 1-based and follows the position in
// the list.
type Entry struct {
	Name      string     `json:"name"`
	Title     string     `json:"title"`
	Kind      model.Kind `json:"kind"`
	Workspace string     `json:"workspace"`
	Personal  bool       `json:"personal"`
	Visible   bool       `json:"visible"`
	Selected  bool       `json:"selected"`
	ZIndex    int        `json:"zIndex"`
	Source    string     `json:"source,omitempty"`
}

// ID identifies an entry; the same local name can exist in the shared and
// the personal workspace.
func (e Entry) ID() string { return e.Workspace + ":" + e.Name }

// List is not safe for concurrent use.
type List struct {
	entries []Entry
}

func New(entries ...Entry) *List {
	l := &List{}
	for _, e := range entries {
		l.Add(e)
	}
	return l
}

// Add appends e, or replaces the entry with the same ID in place.
func (l *List) Add(e Entry) {
	if i := l.index(e.ID()); i >= 0 {
		e.ZIndex = l.entries[i].ZIndex
		l.entries[i] = e
		return
	}
	e.ZIndex = len(l.entries) + 1
	l.entries = append(l.entries, e)
}

func (l *List) Len() int { return len(l.entries) }

// Entries returns a copy in display order.
func (l *List) Entries() []Entry { return slices.Clone(l.entries) }

func (l *List) index(id string) int {
	return slices.IndexFunc(l.entries, func(e Entry) bool { return e.ID() == id })
}

func (l *List) ToggleVisibility(id string) (bool, error) {
	i := l.index(id)
	if i < 0 {
		return false, fmt.Errorf("%w %q", ErrUnknownLayer, id)
	}
	l.entries[i].Visible = !l.entries[i].Visible
	return l.entries[i].Visible, nil
}

// Move reorders the entry at from to position to and renumbers z-indexes.
func (l *List) Move(from, to int) error {
	n := len(l.entries)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("layerlist: move %d->%d out of range [0,%d)", from, to, n)
	}
	if from == to {
		return nil
	}
	e := l.entries[from]
	l.entries = slices.Delete(l.entries, from, from+1)
	l.entries = slices.Insert(l.entries, to, e)
	for i := range l.entries {
		l.entries[i].ZIndex = i + 1
	}
	return nil
}

func (l *List) SetSelected(id string, selected bool) error {
	i := l.index(id)
	if i < 0 {
		return fmt.Errorf("%w %q", ErrUnknownLayer, id)
	}
	l.entries[i].Selected = selected
	return nil
}

// Selection returns the local names of the selected personal layers, split
// by kind, in list order. Shared layers are never part of a deletion.
func (l *List) Selection() (raster, vector []string) {
	for _, e := range l.entries {
		if !e.Selected || !e.Personal {
			continue
		}
		switch e.Kind {
		case model.KindRaster:
			raster = append(raster, e.Name)
		case model.KindVector:
			vector = append(vector, e.Name)
		}
	}
	return raster, vector
}

// RemoveSelected drops the selected personal entries and returns how many
// were removed.
func (l *List) RemoveSelected() int {
	before := len(l.entries)
	l.entries = slices.DeleteFunc(l.entries, func(e Entry) bool { return e.Selected && e.Personal })
	for i := range l.entries {
		l.entries[i].ZIndex = i + 1
	}
	return before - len(l.entries)
}
