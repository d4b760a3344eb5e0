// Package featuretable models the attribute table of a vector layer being
// edited before publication.
package featuretable

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
)

// GeometryField is never exposed as an attribute column.
const GeometryField = "geometry"

// ColumnType is the inferred storage type of a column.
type ColumnType int

const (
	ColumnText ColumnType = iota
	ColumnInteger
	ColumnFloat
)

func (c ColumnType) String() string {
	switch c {
	case ColumnInteger:
		return "integer"
	case ColumnFloat:
		return "float"
	default:
		return "text"
	}
}

type Table struct {
	rows   []model.Feature
	fields []string
	known  map[string]struct{}
}

// New copies features so edits do not leak into the caller's slice.
func New(features []model.Feature) *Table {
	t := &Table{
		rows:  make([]model.Feature, 0, len(features)),
		known: map[string]struct{}{},
	}
	for _, f := range features {
		props := make(map[string]any, len(f.Properties))
		maps.Copy(props, f.Properties)
		delete(props, GeometryField)
		f.Properties = props
		t.rows = append(t.rows, f)
		t.collect(props)
	}
	return t
}

// collect adds unseen keys of one row; keys within a row are taken sorted so
// the column order is stable.
func (t *Table) collect(props map[string]any) {
	for _, k := range slices.Sorted(maps.Keys(props)) {
		if _, ok := t.known[k]; ok {
			continue
		}
		t.known[k] = struct{}{}
		t.fields = append(t.fields, k)
	}
}

func (t *Table) Len() int { return len(t.rows) }

// Fields returns the columns in first-seen order.
func (t *Table) Fields() []string { return slices.Clone(t.fields) }

func (t *Table) Value(row int, field string) (any, bool) {
	if row < 0 || row >= len(t.rows) {
		return nil, false
	}
	v, ok := t.rows[row].Properties[field]
	return v, ok
}

func (t *Table) UpdateValue(row int, field string, value any) error {
	if row < 0 || row >= len(t.rows) {
		return fmt.Errorf("row %d out of range [0,%d)", row, len(t.rows))
	}
	if field == "" || field == GeometryField {
		return fmt.Errorf("field %q is not editable", field)
	}
	t.rows[row].Properties[field] = value
	if _, ok := t.known[field]; !ok {
		t.known[field] = struct{}{}
		t.fields = append(t.fields, field)
	}
	return nil
}

func (t *Table) DeleteRow(row int) error {
	if row < 0 || row >= len(t.rows) {
		return fmt.Errorf("row %d out of range [0,%d)", row, len(t.rows))
	}
	t.rows = slices.Delete(t.rows, row, row+1)
	return nil
}

// AddField appends an empty column to every row. It reports false when the
// column already exists.
func (t *Table) AddField(name string) bool {
	if name == "" || name == GeometryField {
		return false
	}
	if _, ok := t.known[name]; ok {
		return false
	}
	t.known[name] = struct{}{}
	t.fields = append(t.fields, name)
	for i := range t.rows {
		t.rows[i].Properties[name] = ""
	}
	return true
}

func (t *Table) Features() []model.Feature {
	out := make([]model.Feature, len(t.rows))
	for i, f := range t.rows {
		props := make(map[string]any, len(f.Properties))
		maps.Copy(props, f.Properties)
		f.Properties = props
		out[i] = f
	}
	return out
}

// ColumnType infers the type of a column from its non-nil values. A column
// with any non-numeric value is text.
func (t *Table) ColumnType(field string) ColumnType {
	typ, seen := ColumnInteger, false
	for _, f := range t.rows {
		v, ok := f.Properties[field]
		if !ok || v == nil {
			continue
		}
		seen = true
		typ = promote(typ, inferType(v))
		if typ == ColumnText {
			return ColumnText
		}
	}
	if !seen {
		return ColumnText
	}
	return typ
}

func inferType(v any) ColumnType {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return ColumnInteger
	case float32:
		return ColumnFloat
	case float64:
		if n == float64(int64(n)) {
			return ColumnInteger
		}
		return ColumnFloat
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return ColumnInteger
		}
		if _, err := n.Float64(); err == nil {
			return ColumnFloat
		}
		return ColumnText
	default:
		return ColumnText
	}
}

func promote(a, b ColumnType) ColumnType {
	if a == ColumnText || b == ColumnText {
		return ColumnText
	}
	if a == ColumnFloat || b == ColumnFloat {
		return ColumnFloat
	}
	return ColumnInteger
}
