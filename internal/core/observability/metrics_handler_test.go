package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ExposeBuildInfo("test")
	ObserveHTTP("POST", "/api/layers/raster", 201, 0.001)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "app_build_info") || !strings.Contains(body, "http_requests_total") {
		t.Fatalf("metrics payload did not contain expected metric names; got:\n%s", body)
	}
}

func TestInit_DedicatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	// registering twice must not panic
	Init(reg, true)

	before := testutil.ToFloat64(publishSteps.WithLabelValues("raster", "store_created", "ok"))
	IncPublishStep("raster", "store_created", "ok")
	after := testutil.ToFloat64(publishSteps.WithLabelValues("raster", "store_created", "ok"))
	if after != before+1 {
		t.Fatalf("publish_steps_total delta=%v want 1", after-before)
	}

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestInit_DisabledSkipsRecording(t *testing.T) {
	Init(nil, false)
	t.Cleanup(func() { Init(nil, true) })

	before := testutil.ToFloat64(publishSteps.WithLabelValues("vector", "uploaded", "ok"))
	IncPublishStep("vector", "uploaded", "ok")
	if got := testutil.ToFloat64(publishSteps.WithLabelValues("vector", "uploaded", "ok")); got != before {
		t.Fatalf("recording while disabled: before=%v after=%v", before, got)
	}
}
