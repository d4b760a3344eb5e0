// Package executor runs OGC requests against the workspace service
// endpoints of the geospatial server.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/core/observability"
	"github.com/mohammed-shakir/geoportal/internal/core/ogc"
	"github.com/mohammed-shakir/geoportal/internal/credentials"
)

const maxErrBody = 8 << 10

type Interface interface {
	FetchGetFeature(ctx context.Context, q model.FeatureQuery) ([]byte, string, error)
	FetchCapabilities(ctx context.Context, workspace, service string) ([]byte, error)
	ForwardGetFeature(w http.ResponseWriter, r *http.Request, q model.FeatureQuery)
}

type Executor struct {
	logger   *slog.Logger
	client   *http.Client
	base     string
	creds    credentials.Provider
	startNow func() time.Time // for tests
}

// New returns an executor for the server rooted at geoServerBase. When creds
// is non-nil its token is sent as a bearer on every request.
func New(logger *slog.Logger, client *http.Client, geoServerBase string, creds credentials.Provider) (*Executor, error) {
	u, err := url.Parse(geoServerBase)
	if err != nil {
		return nil, fmt.Errorf("parse geoserver url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("geoserver url %q is not absolute", geoServerBase)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:   logger,
		client:   client,
		base:     strings.TrimRight(geoServerBase, "/"),
		creds:    creds,
		startNow: time.Now,
	}, nil
}

func (e *Executor) endpoint(workspace, service string) (*url.URL, error) {
	if strings.TrimSpace(workspace) == "" {
		return nil, errors.New("workspace is required")
	}
	return url.Parse(ogc.WorkspaceEndpoint(e.base, workspace, service))
}

func (e *Executor) authorize(ctx context.Context, h http.Header) {
	if e.creds == nil {
		return
	}
	tok, err := e.creds.Token(ctx)
	if err != nil || tok == "" {
		e.logger.DebugContext(ctx, "no credential for ows request", "err", err)
		return
	}
	h.Set("Authorization", "Bearer "+string(tok))
}

// ForwardGetFeature proxies a GetFeature for q to the workspace WFS endpoint
// and streams the response back.
func (e *Executor) ForwardGetFeature(w http.ResponseWriter, r *http.Request, q model.FeatureQuery) {
	target, err := e.endpoint(q.Workspace, "wfs")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := ogc.BuildGetFeatureParams(q)
	start := e.startNow()

	rt := http.RoundTripper(http.DefaultTransport)
	if e.client.Transport != nil {
		rt = e.client.Transport
	}

	proxy := &httputil.ReverseProxy{
		Transport: rt,

		Rewrite: func(p *httputil.ProxyRequest) {
			p.Out.URL.Scheme = target.Scheme
			p.Out.URL.Host = target.Host
			p.Out.URL.Path = target.Path
			p.Out.URL.RawPath = target.EscapedPath()
			p.Out.URL.RawQuery = params.Encode()
			p.Out.Host = target.Host
			p.Out.Header.Set("Accept", "application/json")
			p.Out.Header.Del("Authorization")
			e.authorize(p.Out.Context(), p.Out.Header)
			p.SetXForwarded()
		},

		ModifyResponse: func(resp *http.Response) error {
			dur := time.Since(start)
			e.logger.Debug("forward done",
				"status", resp.StatusCode,
				"duration", dur.String())
			observability.ObserveUpstreamLatency("geoserver", "get_feature", dur.Seconds())
			return nil
		},

		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			e.logger.Error("reverse proxy error", "err", err)
			http.Error(w, "upstream proxy error: "+err.Error(), http.StatusBadGateway)
		},
	}

	e.logger.Debug("forward WFS GetFeature",
		"workspace", q.Workspace,
		"layer", q.Layer,
		"endpoint", target.String())

	proxy.ServeHTTP(w, r)
}

// FetchGetFeature runs a GetFeature for q and returns the body and its
// content type.
func (e *Executor) FetchGetFeature(ctx context.Context, q model.FeatureQuery) ([]byte, string, error) {
	target, err := e.endpoint(q.Workspace, "wfs")
	if err != nil {
		return nil, "", err
	}
	target.RawQuery = ogc.BuildGetFeatureParams(q).Encode()
	return e.get(ctx, target, "get_feature", "application/json")
}

// FetchCapabilities returns the raw GetCapabilities document of one
// workspace service (wfs or wms).
func (e *Executor) FetchCapabilities(ctx context.Context, workspace, service string) ([]byte, error) {
	target, err := e.endpoint(workspace, service)
	if err != nil {
		return nil, err
	}
	target.RawQuery = ogc.GetCapabilitiesParams(service).Encode()
	b, _, err := e.get(ctx, target, "get_capabilities_"+strings.ToLower(service), "application/xml")
	return b, err
}

func (e *Executor) get(ctx context.Context, target *url.URL, op, accept string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	e.authorize(ctx, req.Header)

	start := e.startNow()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	observability.ObserveUpstreamLatency("geoserver", op, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, "", fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(b))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return b, resp.Header.Get("Content-Type"), nil
}
