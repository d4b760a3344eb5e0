// Package router exposes the publication workflow, the layer catalog and the
// feature proxy over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geoportal/internal/catalog"
	"github.com/mohammed-shakir/geoportal/internal/core/middleware"
	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/layerlist"
	"github.com/mohammed-shakir/geoportal/internal/publish"
	"github.com/mohammed-shakir/geoportal/internal/vectorpack"
)

// Publisher is implemented by *publish.Workflow.
type Publisher interface {
	PublishRaster(ctx context.Context, req model.PublicationRequest) error
	PublishVector(ctx context.Context, req model.PublicationRequest) error
	PublishVectorNamed(ctx context.Context, req model.PublicationRequest) error
	DeleteLayers(ctx context.Context, t model.Tenant, raster, vector []string) error
	Workspace(t model.Tenant) string
}

// CatalogLoader is implemented by *catalog.Catalog.
type CatalogLoader interface {
	Load(ctx context.Context, t model.Tenant) (*layerlist.List, error)
	DeleteSelected(ctx context.Context, d catalog.Deleter, t model.Tenant, ids []string) (*layerlist.List, error)
}

type FeatureProxy interface {
	ForwardGetFeature(w http.ResponseWriter, r *http.Request, q model.FeatureQuery)
}

type Options struct {
	Publisher      Publisher
	Catalog        CatalogLoader
	Features       FeatureProxy
	Rules          model.Rules
	MaxUploadBytes int64
	Logger         *slog.Logger
	Now            func() time.Time
}

type API struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 256 << 20
	}
	if opts.Rules == (model.Rules{}) {
		opts.Rules = model.DefaultRules()
	}
	return &API{opts: opts, log: opts.Logger}
}

// Routes mounts the API under /api. Identity middleware is installed here so
// the routes work wherever they are mounted.
func (a *API) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Identity(a.opts.Rules))
		r.Post("/layers/raster", a.publishRaster)
		r.Post("/layers/vector", a.publishVector)
		r.Delete("/layers", a.deleteLayers)
		r.Get("/catalog", a.catalog)
		r.Get("/features", a.features)
	})
}

type published struct {
	Workspace string     `json:"workspace"`
	Layer     string     `json:"layer"`
	Kind      model.Kind `json:"kind"`
}

type errorBody struct {
	Error  string   `json:"error"`
	Kind   string   `json:"kind,omitempty"`
	Failed []string `json:"failed,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps workflow failures to HTTP statuses: caller mistakes are 4xx,
// anything the geospatial server rejected is 502.
func statusFor(err error) int {
	switch publish.KindOf(err) {
	case publish.KindCredential:
		return http.StatusUnauthorized
	case publish.KindInvalidRequest:
		return http.StatusBadRequest
	case publish.KindNameCollision:
		return http.StatusConflict
	case publish.KindPackaging:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (a *API) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Kind: string(publish.KindOf(err))}
	if publish.KindOf(err) == publish.KindDeletion {
		body.Failed = publish.Failed(err)
	}
	if status >= 500 {
		a.log.ErrorContext(ctx, "request failed", "status", status, "err", err)
	} else {
		a.log.InfoContext(ctx, "request rejected", "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func (a *API) badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(publish.KindInvalidRequest)})
}

// tenant returns the authenticated tenant or writes 401.
func (a *API) tenant(w http.ResponseWriter, r *http.Request) (model.Tenant, bool) {
	t, err := publish.SessionTenant(middleware.SessionFrom(r.Context(), a.opts.Rules))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "login required", Kind: string(publish.KindCredential)})
		return model.Tenant{}, false
	}
	return t, true
}

// readUpload returns the multipart "file" part when present, otherwise the
// raw body, bounded by MaxUploadBytes.
func (a *API) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes)
	ct := r.Header.Get("Content-Type")
	mt, _, _ := mime.ParseMediaType(ct)
	if mt == "multipart/form-data" {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("read multipart file: %w", err)
		}
		defer func() { _ = f.Close() }()
		b, err := io.ReadAll(f)
		if err != nil {
			return nil, "", fmt.Errorf("read multipart file: %w", err)
		}
		return b, hdr.Header.Get("Content-Type"), nil
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return b, mt, nil
}

func (a *API) publishRaster(w http.ResponseWriter, r *http.Request) {
	t, ok := a.tenant(w, r)
	if !ok {
		return
	}
	data, ct, err := a.readUpload(w, r)
	if err != nil {
		a.badRequest(w, err)
		return
	}
	name := model.LayerName(strings.TrimSpace(r.URL.Query().Get("name")))
	req := model.PublicationRequest{
		Tenant:    t,
		LayerName: name,
		Kind:      model.KindRaster,
		Raster:    &model.RasterPayload{Data: data, ContentType: ct},
	}
	if err := a.opts.Publisher.PublishRaster(r.Context(), req); err != nil {
		a.fail(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, published{Workspace: a.opts.Publisher.Workspace(t), Layer: name.String(), Kind: model.KindRaster})
}

func (a *API) publishVector(w http.ResponseWriter, r *http.Request) {
	t, ok := a.tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	mode := strings.ToLower(strings.TrimSpace(q.Get("mode")))
	if mode == "" {
		mode = "shared"
	}
	if mode != "shared" && mode != "named" {
		a.badRequest(w, fmt.Errorf("mode %q, want shared|named", mode))
		return
	}

	data, ct, err := a.readUpload(w, r)
	if err != nil {
		a.badRequest(w, err)
		return
	}

	payload := &model.VectorPayload{}
	if vectorpack.IsZip(ct, data) {
		payload.Archive = &model.Archive{BaseName: strings.TrimSpace(q.Get("nativeName")), Data: data}
	} else {
		features, err := vectorpack.DecodeGeoJSON(data)
		if err != nil {
			a.badRequest(w, err)
			return
		}
		if geom := strings.TrimSpace(q.Get("geometry")); geom != "" {
			features = vectorpack.FilterGeometry(features, geom)
			if len(features) == 0 {
				a.badRequest(w, fmt.Errorf("no %s features in payload", geom))
				return
			}
		}
		payload.Features = features
	}

	name := model.LayerName(strings.TrimSpace(q.Get("name")))
	if name == "" && mode == "shared" {
		name = publish.DefaultLayerName(a.opts.Now())
	}
	req := model.PublicationRequest{Tenant: t, LayerName: name, Kind: model.KindVector, Vector: payload}

	if mode == "named" {
		err = a.opts.Publisher.PublishVectorNamed(r.Context(), req)
	} else {
		err = a.opts.Publisher.PublishVector(r.Context(), req)
	}
	if err != nil {
		a.fail(r.Context(), w, err)
		return
	}
	layer := name.String()
	if mode == "shared" && payload.Archive == nil {
		layer = vectorpack.BaseName(layer)
	}
	writeJSON(w, http.StatusCreated, published{Workspace: a.opts.Publisher.Workspace(t), Layer: layer, Kind: model.KindVector})
}

// deleteRequest names stores directly, or catalog entry ids ("ws:name") to
// delete as a selection.
type deleteRequest struct {
	Raster []string `json:"raster"`
	Vector []string `json:"vector"`
	IDs    []string `json:"ids"`
}

type layersBody struct {
	Layers []layerlist.Entry `json:"layers"`
}

func (a *API) deleteLayers(w http.ResponseWriter, r *http.Request) {
	t, ok := a.tenant(w, r)
	if !ok {
		return
	}
	var req deleteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.badRequest(w, fmt.Errorf("decode delete request: %w", err))
		return
	}
	if len(req.IDs) > 0 {
		if len(req.Raster)+len(req.Vector) > 0 {
			a.badRequest(w, errors.New("ids cannot be combined with raster or vector names"))
			return
		}
		a.deleteSelected(w, r, t, req.IDs)
		return
	}
	if err := a.opts.Publisher.DeleteLayers(r.Context(), t, req.Raster, req.Vector); err != nil {
		a.fail(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteSelected(w http.ResponseWriter, r *http.Request, t model.Tenant, ids []string) {
	if a.opts.Catalog == nil {
		http.Error(w, "catalog disabled", http.StatusNotFound)
		return
	}
	l, err := a.opts.Catalog.DeleteSelected(r.Context(), a.opts.Publisher, t, ids)
	switch {
	case errors.Is(err, catalog.ErrNothingSelected), errors.Is(err, layerlist.ErrUnknownLayer):
		a.badRequest(w, err)
		return
	case err != nil && publish.KindOf(err) != "":
		a.fail(r.Context(), w, err)
		return
	case err != nil:
		a.log.ErrorContext(r.Context(), "catalog load failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, layersBody{Layers: l.Entries()})
}

func (a *API) catalog(w http.ResponseWriter, r *http.Request) {
	if a.opts.Catalog == nil {
		http.Error(w, "catalog disabled", http.StatusNotFound)
		return
	}
	// anonymous callers still see the shared workspace
	t, _ := middleware.SessionFrom(r.Context(), a.opts.Rules).Tenant()
	l, err := a.opts.Catalog.Load(r.Context(), t)
	if err != nil {
		a.log.ErrorContext(r.Context(), "catalog load failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, layersBody{Layers: l.Entries()})
}

func (a *API) features(w http.ResponseWriter, r *http.Request) {
	if a.opts.Features == nil {
		http.Error(w, "feature proxy disabled", http.StatusNotFound)
		return
	}
	def := a.opts.Rules.SharedWorkspace
	if t, ok := middleware.SessionFrom(r.Context(), a.opts.Rules).Tenant(); ok {
		def = t.Workspace(a.opts.Rules)
	}
	q, warn, err := ParseFeatureQuery(r, def)
	if warn != "" {
		a.log.WarnContext(r.Context(), warn)
	}
	if err != nil {
		a.badRequest(w, err)
		return
	}
	a.opts.Features.ForwardGetFeature(w, r, q)
}
