package catalog

import (
	"context"
	"errors"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/layerlist"
	"github.com/mohammed-shakir/geoportal/internal/publish"
)

// ErrNothingSelected is returned when none of the chosen layers is personal.
var ErrNothingSelected = errors.New("catalog: no personal layer selected")

// Deleter removes layers from a tenant workspace; *publish.Workflow is one.
type Deleter interface {
	DeleteLayers(ctx context.Context, t model.Tenant, raster, vector []string) error
}

// DeleteSelected loads t's list, selects ids and deletes the selected
// personal layers through d. The returned list no longer holds the deleted
// layers; layers the server refused stay listed, deselected, and are
// reported through the returned error.
func (c *Catalog) DeleteSelected(ctx context.Context, d Deleter, t model.Tenant, ids []string) (*layerlist.List, error) {
	l, err := c.Load(ctx, t)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := l.SetSelected(id, true); err != nil {
			return nil, err
		}
	}
	raster, vector := l.Selection()
	if len(raster)+len(vector) == 0 {
		return nil, ErrNothingSelected
	}

	derr := d.DeleteLayers(ctx, t, raster, vector)
	if derr != nil {
		failed := publish.Failed(derr)
		if len(failed) == 0 {
			return nil, derr
		}
		ws := t.Workspace(c.opts.Rules)
		for _, name := range failed {
			_ = l.SetSelected(ws+":"+name, false)
		}
	}
	n := l.RemoveSelected()
	c.log.InfoContext(ctx, "deleted selected layers", "removed", n, "requested", len(raster)+len(vector))
	return l, derr
}
