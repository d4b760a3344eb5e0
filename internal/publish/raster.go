package publish

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/geoserver"
)

// PublishRaster creates a coverage store named after the layer and uploads a
// GeoTIFF into it, which publishes the coverage.
func (w *Workflow) PublishRaster(ctx context.Context, req model.PublicationRequest) error {
	if req.Kind == "" {
		req.Kind = model.KindRaster
	}
	ws := w.Workspace(req.Tenant)
	name := req.LayerName.String()
	r := w.begin(ctx, "publish_raster", model.KindRaster, ws, name)
	ctx = r.ctx

	if perr := w.validate(req, model.KindRaster, ws); perr != nil {
		return r.fail(ctx, perr)
	}

	tok, perr := w.token(ctx)
	if perr != nil {
		return r.fail(ctx, perr)
	}
	r.advance(ctx, StateCredentialAcquired)

	if perr := w.ensureWorkspace(ctx, r, tok, ws); perr != nil {
		return r.fail(ctx, perr)
	}
	r.advance(ctx, StateWorkspaceEnsured)

	if perr := w.storeFree(ctx, r, tok, ws, name, w.gs.CoverageStoreExists); perr != nil {
		return r.fail(ctx, perr)
	}
	r.advance(ctx, StateStoreChecked)

	store := geoserver.CoverageStoreRequest{
		Name:      name,
		Type:      geoserver.CoverageTypeGeoTIFF,
		Enabled:   true,
		Workspace: ws,
		URL:       w.coverageURL(name),
	}
	if err := w.gs.CreateCoverageStore(ctx, tok, ws, store); err != nil {
		r.step("store_create", "error")
		return r.fail(ctx, newErr(KindStoreCreation, ws, name, err))
	}
	r.step("store_create", "ok")
	r.advance(ctx, StateStoreCreated)

	if err := w.gs.UploadGeoTIFF(ctx, tok, ws, name, req.Raster.Data, req.Raster.ContentType); err != nil {
		if code := geoserver.StatusCode(err); code == 0 || w.opts.StrictUpload {
			r.step("upload", "error")
			return r.fail(ctx, newErr(KindUpload, ws, name, err))
		}
		r.step("upload", "ambiguous")
		w.log.WarnContext(ctx, "raster upload answered with an error status, treating as published", "err", err)
	} else {
		r.step("upload", "ok")
	}
	r.advance(ctx, StateUploaded)

	w.notify(ctx, model.LayerChange{Op: model.OpPublished, Kind: model.KindRaster, Workspace: ws, Layer: name, Store: name})
	r.finish(ctx)
	return nil
}

func (w *Workflow) validate(req model.PublicationRequest, want model.Kind, ws string) *Error {
	if req.Kind != want {
		return newErr(KindInvalidRequest, ws, req.LayerName.String(),
			fmt.Errorf("request kind %q, want %q", req.Kind, want))
	}
	if err := req.Validate(); err != nil {
		return newErr(KindInvalidRequest, ws, req.LayerName.String(), err)
	}
	if err := model.ValidateWorkspace(ws); err != nil {
		return newErr(KindInvalidRequest, "", req.LayerName.String(), err)
	}
	return nil
}
