package publish

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/credentials"
	"github.com/mohammed-shakir/geoportal/internal/geoserver"
	"github.com/mohammed-shakir/geoportal/internal/session"
	"github.com/mohammed-shakir/geoportal/internal/vectorpack"
)

var alice = model.Tenant{Nickname: "alice", Roles: []string{"user"}}

func newWorkflow(t *testing.T, gs GeoServer, mutate func(*Options)) *Workflow {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(gs, credentials.Static("tok"), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func rasterReq(t model.Tenant, name string) model.PublicationRequest {
	return model.PublicationRequest{
		Tenant:    t,
		LayerName: model.LayerName(name),
		Kind:      model.KindRaster,
		Raster:    &model.RasterPayload{Data: []byte("II*\x00tiff"), ContentType: "image/tiff"},
	}
}

func vectorReq(t model.Tenant, name string) model.PublicationRequest {
	return model.PublicationRequest{
		Tenant:    t,
		LayerName: model.LayerName(name),
		Kind:      model.KindVector,
		Vector: &model.VectorPayload{Features: []model.Feature{
			{Geometry: orb.Point{30.3, 59.9}, Properties: map[string]any{"name": "a"}},
			{Geometry: orb.Point{30.4, 59.8}, Properties: map[string]any{"name": "b"}},
		}},
	}
}

type transitions struct {
	mu  sync.Mutex
	seq []State
}

func (tr *transitions) record(t Transition) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seq = append(tr.seq, t.To)
}

func TestPublishRaster_CreatesWorkspaceStoreAndUploads(t *testing.T) {
	gs := newFakeGeoServer()
	tr := &transitions{}
	var changes []model.LayerChange
	w := newWorkflow(t, gs, func(o *Options) {
		o.OnTransition = tr.record
		o.Notifier = NotifierFunc(func(_ context.Context, c model.LayerChange) error {
			changes = append(changes, c)
			return nil
		})
	})

	if err := w.PublishRaster(context.Background(), rasterReq(alice, "field1")); err != nil {
		t.Fatalf("PublishRaster: %v", err)
	}

	want := []string{
		"list_workspaces",
		"create_workspace alice",
		"get_coveragestore alice/field1",
		"create_coveragestore alice/field1",
		"upload_geotiff alice/field1",
	}
	if got := gs.Calls(); !slices.Equal(got, want) {
		t.Fatalf("calls=%v\nwant  %v", got, want)
	}
	for _, tok := range gs.tokens {
		if tok != "tok" {
			t.Fatalf("call made with token %q", tok)
		}
	}

	req := gs.coverageReqs[0]
	if req.Type != "GeoTIFF" || !req.Enabled || req.Workspace != "alice" || req.URL != "file:data/field1.tif" {
		t.Fatalf("coverage store request=%+v", req)
	}

	wantStates := []State{StateCredentialAcquired, StateWorkspaceEnsured, StateStoreChecked, StateStoreCreated, StateUploaded, StateDone}
	if !slices.Equal(tr.seq, wantStates) {
		t.Fatalf("states=%v want %v", tr.seq, wantStates)
	}

	if len(changes) != 1 || changes[0].Op != model.OpPublished || changes[0].Layer != "field1" || changes[0].Workspace != "alice" {
		t.Fatalf("changes=%+v", changes)
	}
	if changes[0].TS.IsZero() {
		t.Fatal("change without timestamp")
	}
}

func TestPublishRaster_RepeatIsNameCollision(t *testing.T) {
	gs := newFakeGeoServer()
	tr := &transitions{}
	w := newWorkflow(t, gs, func(o *Options) { o.OnTransition = tr.record })
	ctx := context.Background()

	if err := w.PublishRaster(ctx, rasterReq(alice, "field1")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	before := gs.count("create_coveragestore")
	tr.seq = nil

	err := w.PublishRaster(ctx, rasterReq(alice, "field1"))
	if !errors.Is(err, ErrNameCollision) {
		t.Fatalf("err=%v want name collision", err)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Resource != "field1" || pe.Workspace != "alice" {
		t.Fatalf("error=%+v", pe)
	}
	if gs.count("create_coveragestore") != before {
		t.Fatal("store creation issued after collision")
	}
	if tr.seq[len(tr.seq)-1] != StateAborted {
		t.Fatalf("final state=%v want aborted", tr.seq[len(tr.seq)-1])
	}
}

func TestPublishRaster_WorkspaceCreatedOncePerTenant(t *testing.T) {
	gs := newFakeGeoServer()
	w := newWorkflow(t, gs, nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if err := w.PublishRaster(ctx, rasterReq(alice, name)); err != nil {
			t.Fatalf("publish %s: %v", name, err)
		}
	}
	if n := gs.count("create_workspace"); n != 1 {
		t.Fatalf("create_workspace issued %d times", n)
	}
	if n := gs.count("list_workspaces"); n != 1 {
		t.Fatalf("list_workspaces issued %d times, memo not used", n)
	}
}

func TestPublishRaster_ExistingWorkspaceNotCreated(t *testing.T) {
	gs := newFakeGeoServer()
	gs.workspaces["alice"] = true
	w := newWorkflow(t, gs, func(o *Options) { o.MemoSize = 1 })

	if err := w.PublishRaster(context.Background(), rasterReq(alice, "f")); err != nil {
		t.Fatal(err)
	}
	if gs.count("create_workspace") != 0 {
		t.Fatal("workspace created although listing reported it present")
	}
}

func TestPublishRaster_PrivilegedTenantUsesSharedWorkspace(t *testing.T) {
	gs := newFakeGeoServer()
	gs.workspaces["geoportal"] = true
	w := newWorkflow(t, gs, nil)
	provider := model.Tenant{Nickname: "bob", Roles: []string{"provider"}}

	if err := w.PublishRaster(context.Background(), rasterReq(provider, "dem")); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(gs.Calls(), "upload_geotiff geoportal/dem") {
		t.Fatalf("calls=%v", gs.Calls())
	}
}

func TestPublish_NoCredentialMakesNoCalls(t *testing.T) {
	gs := newFakeGeoServer()
	providers := map[string]credentials.Provider{
		"empty": credentials.Static(""),
		"error": credentials.Func(func(context.Context) (credentials.Token, error) {
			return "", errors.New("login required")
		}),
		"passthrough": credentials.Passthrough{},
	}
	for name, p := range providers {
		t.Run(name, func(t *testing.T) {
			w, err := New(gs, p, DefaultOptions())
			if err != nil {
				t.Fatal(err)
			}
			ctx := context.Background()
			errs := []error{
				w.PublishRaster(ctx, rasterReq(alice, "r")),
				w.PublishVector(ctx, vectorReq(alice, "v")),
				w.PublishVectorNamed(ctx, vectorReq(alice, "n")),
				w.DeleteLayers(ctx, alice, []string{"r"}, []string{"v"}),
			}
			for i, err := range errs {
				if !errors.Is(err, ErrCredential) || !errors.Is(err, credentials.ErrNoToken) {
					t.Fatalf("call %d: err=%v want credential error", i, err)
				}
			}
			if calls := gs.Calls(); len(calls) != 0 {
				t.Fatalf("server was called: %v", calls)
			}
		})
	}
}

func TestPublish_InvalidRequestMakesNoCalls(t *testing.T) {
	gs := newFakeGeoServer()
	w := newWorkflow(t, gs, nil)
	ctx := context.Background()

	bad := []model.PublicationRequest{
		rasterReq(alice, ""),
		rasterReq(model.Tenant{}, "x"),
		{Tenant: alice, LayerName: "x", Kind: model.KindRaster, Raster: &model.RasterPayload{}},
		vectorReq(alice, "x"),
	}
	for i, req := range bad {
		if err := w.PublishRaster(ctx, req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: err=%v want invalid request", i, err)
		}
	}
	if calls := gs.Calls(); len(calls) != 0 {
		t.Fatalf("server was called: %v", calls)
	}
}

func TestUnsafeWorkspaceRejectedBeforeAnyCall(t *testing.T) {
	gs := newFakeGeoServer()
	w := newWorkflow(t, gs, nil)
	ctx := context.Background()

	for _, nick := range []string{"..", ".", "a/b", `..\x`, "x\ty"} {
		t.Run(nick, func(t *testing.T) {
			tenant := model.Tenant{Nickname: nick}
			errs := []error{
				w.DeleteLayers(ctx, tenant, []string{"r1"}, nil),
				w.EnsureSharedStore(ctx, tenant),
				w.PublishRaster(ctx, rasterReq(tenant, "r1")),
				w.PublishVector(ctx, vectorReq(tenant, "v1")),
				w.PublishVectorNamed(ctx, vectorReq(tenant, "v1")),
			}
			for i, err := range errs {
				if KindOf(err) != KindInvalidRequest {
					t.Fatalf("call %d: err=%v want invalid request", i, err)
				}
			}
		})
	}
	if calls := gs.Calls(); len(calls) != 0 {
		t.Fatalf("server was called: %v", calls)
	}
}

func TestIndeterminateStoreCheck(t *testing.T) {
	cause := &geoserver.StatusError{Op: "get", Code: http.StatusInternalServerError}
	cases := []struct {
		name     string
		policy   IndeterminatePolicy
		named    bool
		want     error
		proceeds bool
	}{
		{"raster default is collision", PolicyDefault, false, ErrNameCollision, false},
		{"vector default aborts", PolicyDefault, true, ErrStoreCheck, false},
		{"raster abort", PolicyAbort, false, ErrStoreCheck, false},
		{"vector collision", PolicyCollision, true, ErrNameCollision, false},
		{"raster proceed", PolicyProceed, false, nil, true},
		{"vector proceed", PolicyProceed, true, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gs := newFakeGeoServer()
			gs.workspaces["alice"] = true
			gs.existsErr = cause
			gs.coverage["alice/x"] = geoserver.Indeterminate
			gs.data["alice/x"] = geoserver.Indeterminate
			w := newWorkflow(t, gs, func(o *Options) { o.IndeterminatePolicy = tc.policy })

			var err error
			if tc.named {
				err = w.PublishVectorNamed(context.Background(), vectorReq(alice, "x"))
			} else {
				err = w.PublishRaster(context.Background(), rasterReq(alice, "x"))
			}
			if tc.want == nil {
				if err != nil {
					t.Fatalf("err=%v want success", err)
				}
			} else {
				if !errors.Is(err, tc.want) {
					t.Fatalf("err=%v want %v", err, tc.want)
				}
				if geoserver.StatusCode(err) != http.StatusInternalServerError {
					t.Fatalf("cause not preserved: %v", err)
				}
			}
			created := gs.count("create_coveragestore") + gs.count("upload_shapefile")
			if tc.proceeds != (created > 0) {
				t.Fatalf("proceeds=%v but calls=%v", tc.proceeds, gs.Calls())
			}
		})
	}
}

func TestWorkspaceModes(t *testing.T) {
	createErr := errors.New("forbidden")

	t.Run("best-effort proceeds", func(t *testing.T) {
		gs := newFakeGeoServer()
		gs.fail["create_workspace"] = createErr
		w := newWorkflow(t, gs, nil)
		if err := w.PublishRaster(context.Background(), rasterReq(alice, "f")); err != nil {
			t.Fatalf("err=%v", err)
		}
		if gs.count("upload_geotiff") != 1 {
			t.Fatalf("calls=%v", gs.Calls())
		}
	})

	t.Run("await fails", func(t *testing.T) {
		gs := newFakeGeoServer()
		gs.fail["create_workspace"] = createErr
		w := newWorkflow(t, gs, func(o *Options) { o.WorkspaceMode = WorkspaceAwait })
		err := w.PublishRaster(context.Background(), rasterReq(alice, "f"))
		if !errors.Is(err, ErrWorkspaceCreation) || !errors.Is(err, createErr) {
			t.Fatalf("err=%v want workspace creation error", err)
		}
		if gs.count("get_coveragestore") != 0 {
			t.Fatal("workflow continued after failed workspace creation")
		}
	})

	t.Run("fire-and-forget dispatches", func(t *testing.T) {
		gs := newFakeGeoServer()
		w := newWorkflow(t, gs, func(o *Options) { o.WorkspaceMode = WorkspaceFireAndForget })
		ctx, cancel := context.WithCancel(context.Background())
		err := w.PublishRaster(ctx, rasterReq(alice, "f"))
		cancel()
		w.Wait()
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if gs.count("create_workspace alice") != 1 || gs.count("upload_geotiff") != 1 {
			t.Fatalf("calls=%v", gs.Calls())
		}
	})

	t.Run("lookup failure is fatal", func(t *testing.T) {
		gs := newFakeGeoServer()
		gs.fail["list_workspaces"] = errors.New("connection refused")
		w := newWorkflow(t, gs, nil)
		err := w.PublishRaster(context.Background(), rasterReq(alice, "f"))
		if !errors.Is(err, ErrWorkspaceLookup) {
			t.Fatalf("err=%v", err)
		}
		if gs.count("create_workspace") != 0 {
			t.Fatal("created workspace without a successful lookup")
		}
	})
}

func TestPublishRaster_StoreCreationError(t *testing.T) {
	gs := newFakeGeoServer()
	gs.fail["create_coveragestore"] = &geoserver.StatusError{Code: http.StatusConflict}
	w := newWorkflow(t, gs, nil)

	err := w.PublishRaster(context.Background(), rasterReq(alice, "f"))
	if !errors.Is(err, ErrStoreCreation) || geoserver.StatusCode(err) != http.StatusConflict {
		t.Fatalf("err=%v", err)
	}
	if gs.count("upload_geotiff") != 0 {
		t.Fatal("uploaded after failed store creation")
	}
}

func TestPublishRaster_UploadOutcomes(t *testing.T) {
	statusErr := &geoserver.StatusError{Op: "upload_geotiff", Code: http.StatusInternalServerError}
	transportErr := errors.New("connection reset")

	cases := []struct {
		name   string
		err    error
		strict bool
		want   error
	}{
		{"status lenient", statusErr, false, nil},
		{"status strict", statusErr, true, ErrUpload},
		{"transport lenient", transportErr, false, ErrUpload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gs := newFakeGeoServer()
			gs.fail["upload_geotiff"] = tc.err
			w := newWorkflow(t, gs, func(o *Options) { o.StrictUpload = tc.strict })
			err := w.PublishRaster(context.Background(), rasterReq(alice, "f"))
			if tc.want == nil && err != nil {
				t.Fatalf("err=%v want success", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestPublishVector_SharedStore(t *testing.T) {
	gs := newFakeGeoServer()
	var changes []model.LayerChange
	w := newWorkflow(t, gs, func(o *Options) {
		o.Notifier = NotifierFunc(func(_ context.Context, c model.LayerChange) error {
			changes = append(changes, c)
			return errors.New("broker down")
		})
	})

	if err := w.PublishVector(context.Background(), vectorReq(alice, "my points")); err != nil {
		t.Fatalf("PublishVector: %v", err)
	}
	if got := gs.Calls(); !slices.Equal(got, []string{"upload_shapefile alice/myvectorstore"}) {
		t.Fatalf("calls=%v", got)
	}
	up := gs.uploads[0]
	if up.configure != geoserver.ConfigureFirst {
		t.Fatalf("configure=%q", up.configure)
	}
	if base, err := vectorpack.InspectArchive(up.data); err != nil || base != "my_points" {
		t.Fatalf("archive base=%q err=%v", base, err)
	}
	if len(changes) != 1 || changes[0].Layer != "my_points" || changes[0].Store != "myvectorstore" {
		t.Fatalf("changes=%+v", changes)
	}
}

func TestPublishVector_PackagingError(t *testing.T) {
	gs := newFakeGeoServer()
	w := newWorkflow(t, gs, func(o *Options) { o.PackOptions.CRS = "EPSG:9999" })
	err := w.PublishVector(context.Background(), vectorReq(alice, "x"))
	if !errors.Is(err, ErrPackaging) {
		t.Fatalf("err=%v", err)
	}
	if len(gs.Calls()) != 0 {
		t.Fatalf("calls=%v", gs.Calls())
	}
}

func TestPublishVectorNamed(t *testing.T) {
	gs := newFakeGeoServer()
	tr := &transitions{}
	w := newWorkflow(t, gs, func(o *Options) { o.OnTransition = tr.record })

	req := vectorReq(alice, "roads")
	pa, err := vectorpack.Package("roads_2024", req.Vector.Features, vectorpack.Options{})
	if err != nil {
		t.Fatal(err)
	}
	req.Vector = &model.VectorPayload{Archive: &model.Archive{Data: pa.Data}}

	if err := w.PublishVectorNamed(context.Background(), req); err != nil {
		t.Fatalf("PublishVectorNamed: %v", err)
	}
	want := []string{
		"list_workspaces",
		"create_workspace alice",
		"get_datastore alice/roads",
		"upload_shapefile alice/roads",
		"create_featuretype alice/roads",
	}
	if got := gs.Calls(); !slices.Equal(got, want) {
		t.Fatalf("calls=%v\nwant  %v", got, want)
	}
	if gs.uploads[0].configure != geoserver.ConfigureNone {
		t.Fatalf("configure=%q", gs.uploads[0].configure)
	}
	ft := gs.featureTypes[0]
	if ft.Name != "roads" || ft.NativeName != "roads_2024" || ft.Title != "roads" {
		t.Fatalf("feature type=%+v", ft)
	}
	if tr.seq[len(tr.seq)-1] != StateDone {
		t.Fatalf("states=%v", tr.seq)
	}

	err = w.PublishVectorNamed(context.Background(), req)
	if !errors.Is(err, ErrNameCollision) {
		t.Fatalf("second publish err=%v", err)
	}
	if gs.count("upload_shapefile") != 1 {
		t.Fatal("uploaded after collision")
	}
}

func TestPublishVectorNamed_FeatureTypeError(t *testing.T) {
	gs := newFakeGeoServer()
	gs.fail["create_featuretype"] = errors.New("bad native name")
	w := newWorkflow(t, gs, nil)
	err := w.PublishVectorNamed(context.Background(), vectorReq(alice, "roads"))
	if !errors.Is(err, ErrFeatureType) {
		t.Fatalf("err=%v", err)
	}
}

func TestDeleteLayers_OneDeletePerNameAndContinuesOnFailure(t *testing.T) {
	gs := newFakeGeoServer()
	gs.fail["delete_coveragestore"] = &geoserver.StatusError{Code: http.StatusNotFound}
	var deleted []string
	var mu sync.Mutex
	w := newWorkflow(t, gs, func(o *Options) {
		o.Notifier = NotifierFunc(func(_ context.Context, c model.LayerChange) error {
			mu.Lock()
			defer mu.Unlock()
			deleted = append(deleted, c.Layer)
			return nil
		})
	})

	err := w.DeleteLayers(context.Background(), alice, []string{"r1"}, []string{"v1"})
	if !errors.Is(err, ErrDeletion) {
		t.Fatalf("err=%v want deletion error", err)
	}
	if got := Failed(err); !slices.Equal(got, []string{"r1"}) {
		t.Fatalf("failed=%v", got)
	}

	calls := gs.Calls()
	slices.Sort(calls)
	want := []string{"delete_coveragestore alice/r1", "delete_datastore alice/v1"}
	if !slices.Equal(calls, want) {
		t.Fatalf("calls=%v want %v", calls, want)
	}
	if !slices.Equal(deleted, []string{"v1"}) {
		t.Fatalf("notified=%v", deleted)
	}
}

func TestDeleteLayers_ManyNamesBounded(t *testing.T) {
	gs := newFakeGeoServer()
	w := newWorkflow(t, gs, func(o *Options) { o.DeleteParallelism = 2 })
	names := []string{"a", "b", "c", "d", "e", "f"}
	if err := w.DeleteLayers(context.Background(), alice, names, nil); err != nil {
		t.Fatal(err)
	}
	if gs.count("delete_coveragestore") != len(names) {
		t.Fatalf("calls=%v", gs.Calls())
	}
	if err := w.DeleteLayers(context.Background(), alice, nil, nil); err != nil || len(gs.Calls()) != len(names) {
		t.Fatal("empty delete must be a no-op")
	}
}

func TestEnsureSharedStore(t *testing.T) {
	gs := newFakeGeoServer()
	w := newWorkflow(t, gs, nil)
	ctx := context.Background()

	if err := w.EnsureSharedStore(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if len(gs.dataReqs) != 1 || gs.dataReqs[0].Name != "myvectorstore" ||
		gs.dataReqs[0].ConnectionParameters[0].Value != "file:data/myvectorstore" {
		t.Fatalf("data store requests=%+v", gs.dataReqs)
	}
	if err := w.EnsureSharedStore(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if gs.count("create_datastore") != 1 {
		t.Fatal("shared store created twice")
	}
}

func TestSessionTenant(t *testing.T) {
	s := session.New(model.DefaultRules())
	if _, err := SessionTenant(s); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("anonymous session err=%v", err)
	}
	s.Login("alice", []string{"user"})
	tn, err := SessionTenant(s)
	if err != nil || tn.Nickname != "alice" {
		t.Fatalf("tenant=%+v err=%v", tn, err)
	}
	s.Logout()
	if _, err := SessionTenant(s); err == nil {
		t.Fatal("cleared session accepted")
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	gs := newFakeGeoServer()
	for _, mutate := range []func(*Options){
		func(o *Options) { o.WorkspaceMode = "sometimes" },
		func(o *Options) { o.IndeterminatePolicy = "guess" },
		func(o *Options) { o.CoverageURLTemplate = "file:%s/%s" },
	} {
		opts := DefaultOptions()
		mutate(&opts)
		if _, err := New(gs, credentials.Static("t"), opts); err == nil {
			t.Fatalf("options %+v accepted", opts)
		}
	}
	if _, err := New(nil, credentials.Static("t"), Options{}); err == nil {
		t.Fatal("nil geoserver accepted")
	}
}

func TestDefaultLayerName(t *testing.T) {
	got := DefaultLayerName(time.UnixMilli(1700000000123))
	if got != "layer_1700000000123" {
		t.Fatalf("got %q", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := newErr(KindNameCollision, "alice", "field1", nil)
	if got := err.Error(); got != `publish: layer name already taken "field1" in workspace "alice"` {
		t.Fatalf("Error()=%q", got)
	}
	if KindOf(err) != KindNameCollision {
		t.Fatal("KindOf")
	}
	if KindOf(errors.New("x")) != "" {
		t.Fatal("KindOf of foreign error")
	}
}
