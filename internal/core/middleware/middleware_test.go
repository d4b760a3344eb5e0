package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/credentials"
	"github.com/mohammed-shakir/geoportal/internal/session"
)

func TestIdentity_AuthenticatedRequest(t *testing.T) {
	rules := model.DefaultRules()
	var (
		st   session.State
		ws   string
		tok  credentials.Token
		terr error
	)
	h := Identity(rules)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := SessionFrom(r.Context(), rules)
		st, ws = s.State(), s.Workspace()
		tok, terr = credentials.Passthrough{}.Token(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/layers/raster", nil)
	req.Header.Set(HeaderNickname, "alice")
	req.Header.Set(HeaderRoles, "user, provider")
	req.Header.Set("Authorization", "Bearer t0k")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if st != session.StateAuthenticated || ws != "geoportal" {
		t.Fatalf("state=%s ws=%q", st, ws)
	}
	if terr != nil || tok != "t0k" {
		t.Fatalf("tok=%q err=%v", tok, terr)
	}
}

func TestIdentity_AnonymousRequest(t *testing.T) {
	rules := model.DefaultRules()
	var st session.State
	var terr error
	h := Identity(rules)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st = SessionFrom(r.Context(), rules).State()
		_, terr = credentials.Passthrough{}.Token(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/catalog", nil))
	if st != session.StateAnonymous || terr == nil {
		t.Fatalf("state=%s err=%v", st, terr)
	}
}

func TestRecover(t *testing.T) {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recover(l)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestLogging_SetsRequestID(t *testing.T) {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Logging(l)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("request id=%q", rr.Header().Get("X-Request-ID"))
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Fatal("preflight reached handler") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/layers", nil))
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("status=%d headers=%v", rr.Code, rr.Header())
	}
}
