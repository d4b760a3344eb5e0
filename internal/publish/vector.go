package publish

import (
	"context"
	"strconv"
	"time"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/geoserver"
	"github.com/mohammed-shakir/geoportal/internal/vectorpack"
)

// DefaultLayerName names a drawn layer the user did not name.
func DefaultLayerName(now time.Time) model.LayerName {
	return model.LayerName("layer_" + strconv.FormatInt(now.UnixMilli(), 10))
}

// PublishVector uploads the features into the shared vector store, where
// GeoServer publishes them under the archive base name. The store is assumed
// to exist; see EnsureSharedStore.
func (w *Workflow) PublishVector(ctx context.Context, req model.PublicationRequest) error {
	if req.Kind == "" {
		req.Kind = model.KindVector
	}
	ws := w.Workspace(req.Tenant)
	store := w.opts.VectorStore
	r := w.begin(ctx, "publish_vector", model.KindVector, ws, req.LayerName.String())
	ctx = r.ctx

	if perr := w.validate(req, model.KindVector, ws); perr != nil {
		return r.fail(ctx, perr)
	}
	archive, native, perr := w.archive(r, req)
	if perr != nil {
		return r.fail(ctx, perr)
	}

	tok, perr := w.token(ctx)
	if perr != nil {
		return r.fail(ctx, perr)
	}
	r.advance(ctx, StateCredentialAcquired)

	if err := w.gs.UploadShapefile(ctx, tok, ws, store, archive.Data, geoserver.ConfigureFirst); err != nil {
		r.step("upload", "error")
		return r.fail(ctx, newErr(KindUpload, ws, store, err))
	}
	r.step("upload", "ok")
	r.advance(ctx, StateUploaded)

	w.notify(ctx, model.LayerChange{Op: model.OpPublished, Kind: model.KindVector, Workspace: ws, Layer: native, Store: store})
	r.finish(ctx)
	return nil
}

// PublishVectorNamed uploads the archive into a new data store named after
// the layer without auto-publishing, then declares the feature type so the
// layer name can differ from the archive base name.
func (w *Workflow) PublishVectorNamed(ctx context.Context, req model.PublicationRequest) error {
	if req.Kind == "" {
		req.Kind = model.KindVector
	}
	ws := w.Workspace(req.Tenant)
	name := req.LayerName.String()
	r := w.begin(ctx, "publish_vector_named", model.KindVector, ws, name)
	ctx = r.ctx

	if perr := w.validate(req, model.KindVector, ws); perr != nil {
		return r.fail(ctx, perr)
	}
	archive, native, perr := w.archive(r, req)
	if perr != nil {
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

	if perr := w.storeFree(ctx, r, tok, ws, name, w.gs.DataStoreExists); perr != nil {
		return r.fail(ctx, perr)
	}
	r.advance(ctx, StateStoreChecked)

	// the upload creates the data store
	if err := w.gs.UploadShapefile(ctx, tok, ws, name, archive.Data, geoserver.ConfigureNone); err != nil {
		r.step("upload", "error")
		return r.fail(ctx, newErr(KindUpload, ws, name, err))
	}
	r.step("upload", "ok")
	r.advance(ctx, StateUploaded)

	ft := geoserver.FeatureTypeRequest{Name: name, NativeName: native, Title: name}
	if err := w.gs.CreateFeatureType(ctx, tok, ws, name, ft); err != nil {
		r.step("feature_type", "error")
		return r.fail(ctx, newErr(KindFeatureType, ws, name, err))
	}
	r.step("feature_type", "ok")

	w.notify(ctx, model.LayerChange{Op: model.OpPublished, Kind: model.KindVector, Workspace: ws, Layer: name, Store: name})
	r.finish(ctx)
	return nil
}

// archive returns the zipped shapefile set to upload and its base name.
func (w *Workflow) archive(r *run, req model.PublicationRequest) (*model.Archive, string, *Error) {
	name := req.LayerName.String()
	if a := req.Vector.Archive; a != nil {
		if a.BaseName != "" {
			return a, a.BaseName, nil
		}
		base, err := vectorpack.InspectArchive(a.Data)
		if err != nil {
			r.step("package", "error")
			return nil, "", newErr(KindPackaging, r.ws, name, err)
		}
		return a, base, nil
	}
	pa, err := vectorpack.Package(name, req.Vector.Features, w.opts.PackOptions)
	if err != nil {
		r.step("package", "error")
		return nil, "", newErr(KindPackaging, r.ws, name, err)
	}
	r.step("package", "ok")
	return pa.Model(), pa.BaseName, nil
}
