// Package publish provisions workspaces, stores and layers on GeoServer for
// raster and vector uploads.
//
// Every publish call walks the same ordered steps: acquire a credential,
// ensure the tenant workspace, check that the store name is free, create the
// store and upload. Steps never run concurrently within one call and nothing
// is retried; a failure ends the call with an *Error. The name check and the
// create that follows are separate round trips, so two callers racing on one
// name can both pass the check; the loser then fails at store creation.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/credentials"
	"github.com/mohammed-shakir/geoportal/internal/geoserver"
	"github.com/mohammed-shakir/geoportal/internal/logger"
	"github.com/mohammed-shakir/geoportal/internal/session"
	"github.com/mohammed-shakir/geoportal/internal/vectorpack"
)

// GeoServer is the subset of the REST client the workflow drives.
type GeoServer interface {
	ListWorkspaces(ctx context.Context, tok credentials.Token) ([]string, error)
	CreateWorkspace(ctx context.Context, tok credentials.Token, req geoserver.WorkspaceRequest) error
	CoverageStoreExists(ctx context.Context, tok credentials.Token, ws, name string) (geoserver.Existence, error)
	CreateCoverageStore(ctx context.Context, tok credentials.Token, ws string, req geoserver.CoverageStoreRequest) error
	UploadGeoTIFF(ctx context.Context, tok credentials.Token, ws, store string, data []byte, contentType string) error
	DataStoreExists(ctx context.Context, tok credentials.Token, ws, name string) (geoserver.Existence, error)
	CreateDataStore(ctx context.Context, tok credentials.Token, ws string, req geoserver.DataStoreRequest) error
	UploadShapefile(ctx context.Context, tok credentials.Token, ws, store string, zip []byte, configure geoserver.Configure) error
	CreateFeatureType(ctx context.Context, tok credentials.Token, ws, store string, req geoserver.FeatureTypeRequest) error
	DeleteCoverageStore(ctx context.Context, tok credentials.Token, ws, name string) error
	DeleteDataStore(ctx context.Context, tok credentials.Token, ws, name string) error
}

// WorkspaceMode decides how the workflow treats a workspace create call.
type WorkspaceMode string

const (
	// WorkspaceBestEffort waits for the create call, logs a failure and
	// continues.
	WorkspaceBestEffort WorkspaceMode = "best-effort"
	// WorkspaceAwait waits for the create call and fails on error.
	WorkspaceAwait WorkspaceMode = "await"
	// WorkspaceFireAndForget dispatches the create call in the background
	// and continues immediately.
	WorkspaceFireAndForget WorkspaceMode = "fire-and-forget"
)

func ParseWorkspaceMode(s string) (WorkspaceMode, error) {
	switch m := WorkspaceMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return WorkspaceBestEffort, nil
	case WorkspaceBestEffort, WorkspaceAwait, WorkspaceFireAndForget:
		return m, nil
	}
	return "", fmt.Errorf("unknown workspace mode %q", s)
}

// IndeterminatePolicy decides what an inconclusive store check means.
type IndeterminatePolicy string

const (
	// PolicyDefault reads an inconclusive coverage store check as a
	// collision and fails an inconclusive data store check.
	PolicyDefault   IndeterminatePolicy = "default"
	PolicyCollision IndeterminatePolicy = "collision"
	PolicyAbort     IndeterminatePolicy = "abort"
	PolicyProceed   IndeterminatePolicy = "proceed"
)

func ParseIndeterminatePolicy(s string) (IndeterminatePolicy, error) {
	switch p := IndeterminatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyDefault, nil
	case PolicyDefault, PolicyCollision, PolicyAbort, PolicyProceed:
		return p, nil
	}
	return "", fmt.Errorf("unknown indeterminate policy %q", s)
}

// Notifier hears about layers that were published or deleted.
type Notifier interface {
	LayerChanged(ctx context.Context, c model.LayerChange) error
}

type NotifierFunc func(ctx context.Context, c model.LayerChange) error

func (f NotifierFunc) LayerChanged(ctx context.Context, c model.LayerChange) error { return f(ctx, c) }

// Notifiers fans a change out to every member.
type Notifiers []Notifier

func (ns Notifiers) LayerChanged(ctx context.Context, c model.LayerChange) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.LayerChanged(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Options struct {
	Rules               model.Rules
	VectorStore         string
	CoverageURLTemplate string
	WorkspaceMode       WorkspaceMode
	IndeterminatePolicy IndeterminatePolicy
	// StrictUpload fails a raster upload on a non-2xx answer. Otherwise only
	// transport failures count and the answer is logged.
	StrictUpload      bool
	MemoSize          int
	DeleteParallelism int
	PackOptions       vectorpack.Options
	Notifier          Notifier
	Logger            *slog.Logger
	// OnTransition is called synchronously on every state change.
	OnTransition func(Transition)
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Rules:               model.DefaultRules(),
		VectorStore:         "myvectorstore",
		CoverageURLTemplate: "file:data/%s.tif",
		WorkspaceMode:       WorkspaceBestEffort,
		IndeterminatePolicy: PolicyDefault,
		MemoSize:            1024,
		DeleteParallelism:   4,
		PackOptions:         vectorpack.Options{CRS: vectorpack.CRSWGS84},
	}
}

type Workflow struct {
	gs    GeoServer
	creds credentials.Provider
	opts  Options
	log   *slog.Logger
	memo  *lru.Cache[string, struct{}]
	bg    sync.WaitGroup
}

// New fills zero options from DefaultOptions.
func New(gs GeoServer, creds credentials.Provider, opts Options) (*Workflow, error) {
	if gs == nil {
		return nil, errors.New("publish: nil geoserver client")
	}
	if creds == nil {
		return nil, errors.New("publish: nil credential provider")
	}
	def := DefaultOptions()
	if opts.Rules == (model.Rules{}) {
		opts.Rules = def.Rules
	}
	if opts.VectorStore == "" {
		opts.VectorStore = def.VectorStore
	}
	if opts.CoverageURLTemplate == "" {
		opts.CoverageURLTemplate = def.CoverageURLTemplate
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = def.MemoSize
	}
	if opts.DeleteParallelism <= 0 {
		opts.DeleteParallelism = def.DeleteParallelism
	}
	var err error
	if opts.WorkspaceMode, err = ParseWorkspaceMode(string(opts.WorkspaceMode)); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	if opts.IndeterminatePolicy, err = ParseIndeterminatePolicy(string(opts.IndeterminatePolicy)); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	if strings.Count(opts.CoverageURLTemplate, "%s") > 1 {
		return nil, fmt.Errorf("publish: coverage url template %q has more than one %%s", opts.CoverageURLTemplate)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	memo, err := lru.New[string, struct{}](opts.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("publish: workspace memo: %w", err)
	}
	return &Workflow{gs: gs, creds: creds, opts: opts, log: log, memo: memo}, nil
}

func (w *Workflow) Options() Options { return w.opts }

// Wait blocks until background workspace creates have finished.
func (w *Workflow) Wait() { w.bg.Wait() }

// Workspace resolves the tenant's workspace name.
func (w *Workflow) Workspace(t model.Tenant) string { return t.Workspace(w.opts.Rules) }

// SessionTenant returns the tenant of an authenticated session.
func SessionTenant(s *session.Session) (model.Tenant, error) {
	if s == nil {
		return model.Tenant{}, newErr(KindInvalidRequest, "", "", errors.New("no session"))
	}
	t, ok := s.Tenant()
	if !ok {
		return model.Tenant{}, newErr(KindInvalidRequest, "", "", fmt.Errorf("session is %s", s.State()))
	}
	return t, nil
}

func (w *Workflow) token(ctx context.Context) (credentials.Token, *Error) {
	tok, err := w.creds.Token(ctx)
	if err == nil && tok == "" {
		err = credentials.ErrNoToken
	}
	if err != nil {
		return "", newErr(KindCredential, "", "", err)
	}
	return tok, nil
}

func (w *Workflow) coverageURL(store string) string {
	if strings.Contains(w.opts.CoverageURLTemplate, "%s") {
		return fmt.Sprintf(w.opts.CoverageURLTemplate, store)
	}
	return w.opts.CoverageURLTemplate
}

// ensureWorkspace makes sure ws exists, creating it when the listing does not
// contain it. A memo hit skips the listing.
func (w *Workflow) ensureWorkspace(ctx context.Context, r *run, tok credentials.Token, ws string) *Error {
	if w.memo.Contains(ws) {
		r.step("workspace_lookup", "memo")
		return nil
	}
	names, err := w.gs.ListWorkspaces(ctx, tok)
	if err != nil {
		r.step("workspace_lookup", "error")
		return newErr(KindWorkspaceLookup, ws, "", err)
	}
	r.step("workspace_lookup", "ok")
	if slices.Contains(names, ws) {
		w.memo.Add(ws, struct{}{})
		return nil
	}

	req := geoserver.WorkspaceRequest{Name: ws}
	switch w.opts.WorkspaceMode {
	case WorkspaceFireAndForget:
		bctx := context.WithoutCancel(ctx)
		w.bg.Add(1)
		go func() {
			defer w.bg.Done()
			if err := w.gs.CreateWorkspace(bctx, tok, req); err != nil {
				r.step("workspace_create", "error")
				w.log.WarnContext(bctx, "background workspace create failed",
					"err", newErr(KindWorkspaceCreation, ws, "", err))
				return
			}
			r.step("workspace_create", "ok")
		}()
		r.step("workspace_create", "dispatched")
		return nil
	case WorkspaceAwait:
		if err := w.gs.CreateWorkspace(ctx, tok, req); err != nil {
			r.step("workspace_create", "error")
			return newErr(KindWorkspaceCreation, ws, "", err)
		}
	default:
		if err := w.gs.CreateWorkspace(ctx, tok, req); err != nil {
			r.step("workspace_create", "error")
			w.log.WarnContext(ctx, "workspace create failed, proceeding",
				"err", newErr(KindWorkspaceCreation, ws, "", err))
			return nil
		}
	}
	r.step("workspace_create", "ok")
	w.memo.Add(ws, struct{}{})
	return nil
}

type existsFunc func(ctx context.Context, tok credentials.Token, ws, name string) (geoserver.Existence, error)

// storeFree turns the tri-state store check into a go or no-go.
func (w *Workflow) storeFree(ctx context.Context, r *run, tok credentials.Token, ws, name string, check existsFunc) *Error {
	e, err := check(ctx, tok, ws, name)
	switch e {
	case geoserver.Absent:
		r.step("store_check", "absent")
		return nil
	case geoserver.Present:
		r.step("store_check", "present")
		return newErr(KindNameCollision, ws, name, nil)
	}

	r.step("store_check", "indeterminate")
	policy := w.opts.IndeterminatePolicy
	if policy == PolicyDefault {
		policy = PolicyCollision
		if r.kind == model.KindVector {
			policy = PolicyAbort
		}
	}
	switch policy {
	case PolicyProceed:
		w.log.WarnContext(ctx, "store check inconclusive, proceeding", "store", name, "err", err)
		return nil
	case PolicyAbort:
		return newErr(KindStoreCheck, ws, name, err)
	default:
		w.log.WarnContext(ctx, "store check inconclusive, treating name as taken", "store", name, "err", err)
		return newErr(KindNameCollision, ws, name, err)
	}
}

func (w *Workflow) notify(ctx context.Context, c model.LayerChange) {
	if w.opts.Notifier == nil {
		return
	}
	c.TS = w.opts.Now().UTC()
	if err := w.opts.Notifier.LayerChanged(ctx, c); err != nil {
		w.log.WarnContext(ctx, "layer change notification failed",
			"op", string(c.Op), "store", c.Store, "err", err)
	}
}

// EnsureSharedStore ensures the tenant workspace and the shared vector data
// store that PublishVector uploads into.
func (w *Workflow) EnsureSharedStore(ctx context.Context, t model.Tenant) error {
	ws := w.Workspace(t)
	r := w.begin(ctx, "ensure_shared_store", model.KindVector, ws, w.opts.VectorStore)
	ctx = r.ctx
	if err := model.ValidateWorkspace(ws); err != nil {
		return r.fail(ctx, newErr(KindInvalidRequest, "", "", err))
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

	store := w.opts.VectorStore
	e, err := w.gs.DataStoreExists(ctx, tok, ws, store)
	switch e {
	case geoserver.Present:
		r.step("store_check", "present")
		r.advance(ctx, StateStoreChecked)
		r.finish(ctx)
		return nil
	case geoserver.Indeterminate:
		r.step("store_check", "indeterminate")
		return r.fail(ctx, newErr(KindStoreCheck, ws, store, err))
	}
	r.step("store_check", "absent")
	r.advance(ctx, StateStoreChecked)

	req := geoserver.DataStoreRequest{
		Name:                 store,
		ConnectionParameters: []geoserver.Entry{{Key: "url", Value: "file:data/" + store}},
	}
	if err := w.gs.CreateDataStore(ctx, tok, ws, req); err != nil {
		r.step("store_create", "error")
		return r.fail(ctx, newErr(KindStoreCreation, ws, store, err))
	}
	r.step("store_create", "ok")
	r.advance(ctx, StateStoreCreated)
	r.finish(ctx)
	return nil
}

func logCtx(ctx context.Context, ws, layer string) context.Context {
	return logger.WithLayer(logger.WithWorkspace(ctx, ws), layer)
}
