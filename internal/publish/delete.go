package publish

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/core/observability"
	"github.com/mohammed-shakir/geoportal/internal/credentials"
)

// DeleteLayers removes the coverage stores named in raster and the data
// stores named in vector, recursively, from the tenant workspace. Every name
// gets exactly one attempt; failures are joined and do not stop the rest.
func (w *Workflow) DeleteLayers(ctx context.Context, t model.Tenant, raster, vector []string) error {
	ws := w.Workspace(t)
	ctx = logCtx(ctx, ws, "")
	if err := model.ValidateWorkspace(ws); err != nil {
		return newErr(KindInvalidRequest, "", "", err)
	}
	if len(raster)+len(vector) == 0 {
		return nil
	}
	tok, perr := w.token(ctx)
	if perr != nil {
		w.log.ErrorContext(ctx, "delete layers", "err", perr)
		return perr
	}

	type item struct {
		kind model.Kind
		name string
	}
	items := make([]item, 0, len(raster)+len(vector))
	for _, n := range raster {
		items = append(items, item{model.KindRaster, n})
	}
	for _, n := range vector {
		items = append(items, item{model.KindVector, n})
	}

	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(w.opts.DeleteParallelism)
	for i, it := range items {
		g.Go(func() error {
			errs[i] = w.deleteOne(ctx, tok, ws, it.kind, it.name)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (w *Workflow) deleteOne(ctx context.Context, tok credentials.Token, ws string, kind model.Kind, name string) error {
	ctx = logCtx(ctx, ws, name)
	if err := model.LayerName(name).Validate(); err != nil {
		observability.IncPublishStep(string(kind), "delete", "invalid")
		return newErr(KindDeletion, ws, name, err)
	}

	var err error
	if kind == model.KindRaster {
		err = w.gs.DeleteCoverageStore(ctx, tok, ws, name)
	} else {
		err = w.gs.DeleteDataStore(ctx, tok, ws, name)
	}
	if err != nil {
		observability.IncPublishStep(string(kind), "delete", "error")
		perr := newErr(KindDeletion, ws, name, err)
		w.log.WarnContext(ctx, "layer delete failed", "kind", string(kind), "err", perr)
		return perr
	}
	observability.IncPublishStep(string(kind), "delete", "ok")
	w.log.InfoContext(ctx, "layer deleted", "kind", string(kind))
	w.notify(ctx, model.LayerChange{Op: model.OpDeleted, Kind: kind, Workspace: ws, Layer: name, Store: name})
	return nil
}
