package publish

import (
	"context"
	"strings"
	"sync"

	"github.com/mohammed-shakir/geoportal/internal/credentials"
	"github.com/mohammed-shakir/geoportal/internal/geoserver"
)

type upload struct {
	ws, store string
	data      []byte
	configure geoserver.Configure
}

// fakeGeoServer keeps just enough server state to drive the workflow and
// records every call as "op ws/name".
type fakeGeoServer struct {
	mu sync.Mutex

	calls      []string
	tokens     []credentials.Token
	workspaces map[string]bool
	coverage   map[string]geoserver.Existence
	data       map[string]geoserver.Existence
	existsErr  error
	fail       map[string]error

	coverageReqs []geoserver.CoverageStoreRequest
	dataReqs     []geoserver.DataStoreRequest
	featureTypes []geoserver.FeatureTypeRequest
	uploads      []upload
}

func newFakeGeoServer() *fakeGeoServer {
	return &fakeGeoServer{
		workspaces: map[string]bool{},
		coverage:   map[string]geoserver.Existence{},
		data:       map[string]geoserver.Existence{},
		fail:       map[string]error{},
	}
}

func (f *fakeGeoServer) record(tok credentials.Token, op string, parts ...string) error {
	f.calls = append(f.calls, strings.TrimSpace(op+" "+strings.Join(parts, "/")))
	f.tokens = append(f.tokens, tok)
	return f.fail[op]
}

func (f *fakeGeoServer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGeoServer) count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeGeoServer) ListWorkspaces(_ context.Context, tok credentials.Token) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "list_workspaces"); err != nil {
		return nil, err
	}
	var out []string
	for ws, ok := range f.workspaces {
		if ok {
			out = append(out, ws)
		}
	}
	return out, nil
}

func (f *fakeGeoServer) CreateWorkspace(_ context.Context, tok credentials.Token, req geoserver.WorkspaceRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "create_workspace", req.Name); err != nil {
		return err
	}
	f.workspaces[req.Name] = true
	return nil
}

func (f *fakeGeoServer) exists(m map[string]geoserver.Existence, key string) (geoserver.Existence, error) {
	e, ok := m[key]
	if !ok {
		return geoserver.Absent, nil
	}
	if e == geoserver.Indeterminate {
		return e, f.existsErr
	}
	return e, nil
}

func (f *fakeGeoServer) CoverageStoreExists(_ context.Context, tok credentials.Token, ws, name string) (geoserver.Existence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.record(tok, "get_coveragestore", ws, name)
	return f.exists(f.coverage, ws+"/"+name)
}

func (f *fakeGeoServer) CreateCoverageStore(_ context.Context, tok credentials.Token, ws string, req geoserver.CoverageStoreRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "create_coveragestore", ws, req.Name); err != nil {
		return err
	}
	f.coverageReqs = append(f.coverageReqs, req)
	f.coverage[ws+"/"+req.Name] = geoserver.Present
	return nil
}

func (f *fakeGeoServer) UploadGeoTIFF(_ context.Context, tok credentials.Token, ws, store string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "upload_geotiff", ws, store); err != nil {
		return err
	}
	f.uploads = append(f.uploads, upload{ws: ws, store: store, data: data})
	return nil
}

func (f *fakeGeoServer) DataStoreExists(_ context.Context, tok credentials.Token, ws, name string) (geoserver.Existence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.record(tok, "get_datastore", ws, name)
	return f.exists(f.data, ws+"/"+name)
}

func (f *fakeGeoServer) CreateDataStore(_ context.Context, tok credentials.Token, ws string, req geoserver.DataStoreRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "create_datastore", ws, req.Name); err != nil {
		return err
	}
	f.dataReqs = append(f.dataReqs, req)
	f.data[ws+"/"+req.Name] = geoserver.Present
	return nil
}

func (f *fakeGeoServer) UploadShapefile(_ context.Context, tok credentials.Token, ws, store string, zip []byte, configure geoserver.Configure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "upload_shapefile", ws, store); err != nil {
		return err
	}
	f.uploads = append(f.uploads, upload{ws: ws, store: store, data: zip, configure: configure})
	f.data[ws+"/"+store] = geoserver.Present
	return nil
}

func (f *fakeGeoServer) CreateFeatureType(_ context.Context, tok credentials.Token, ws, store string, req geoserver.FeatureTypeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "create_featuretype", ws, store); err != nil {
		return err
	}
	f.featureTypes = append(f.featureTypes, req)
	return nil
}

func (f *fakeGeoServer) DeleteCoverageStore(_ context.Context, tok credentials.Token, ws, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "delete_coveragestore", ws, name); err != nil {
		return err
	}
	delete(f.coverage, ws+"/"+name)
	return nil
}

func (f *fakeGeoServer) DeleteDataStore(_ context.Context, tok credentials.Token, ws, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(tok, "delete_datastore", ws, name); err != nil {
		return err
	}
	delete(f.data, ws+"/"+name)
	return nil
}
