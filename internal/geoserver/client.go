// Package geoserver is a typed client for the GeoServer REST administration API.
package geoserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/geoportal/internal/core/observability"
	"github.com/mohammed-shakir/geoportal/internal/credentials"
)

const (
	contentXML     = "application/xml"
	contentTextXML = "text/xml"
	contentZip     = "application/zip"
	contentJSON    = "application/json"
	contentTIFF    = "image/tiff"

	maxErrBody = 8 << 10
)

// RESTEndpoint returns the REST root below a GeoServer base URL.
func RESTEndpoint(geoServerBase string) string {
	return strings.TrimRight(geoServerBase, "/") + "/rest"
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithRoleHeader sets the value of the "role" header the GeoServer
// authentication filter expects; empty disables the header.
func WithRoleHeader(role string) Option {
	return func(c *Client) { c.role = role }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

type Client struct {
	rest   *url.URL
	hc     *http.Client
	role   string
	logger *slog.Logger
}

func New(geoServerBase string, opts ...Option) (*Client, error) {
	u, err := url.Parse(RESTEndpoint(geoServerBase))
	if err != nil {
		return nil, fmt.Errorf("parse geoserver url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("geoserver url %q must be absolute", geoServerBase)
	}
	c := &Client{
		rest:   u,
		hc:     http.DefaultClient,
		role:   "ADMIN",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type call struct {
	op          string
	method      string
	segments    []string
	query       url.Values
	contentType string
	accept      string
	body        []byte
}

type reply struct {
	code int
	body []byte
}

func (c *Client) endpoint(segments []string, q url.Values) *url.URL {
	esc := make([]string, len(segments))
	for i, s := range segments {
		esc[i] = url.PathEscape(s)
	}
	u := c.rest.JoinPath(esc...)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u
}

// send performs one round trip. The error is non-nil only for transport
// failures; the status code is left for the caller to judge.
func (c *Client) send(ctx context.Context, tok credentials.Token, k call) (reply, error) {
	u := c.endpoint(k.segments, k.query)

	var body io.Reader
	if k.body != nil {
		body = bytes.NewReader(k.body)
	}
	req, err := http.NewRequestWithContext(ctx, k.method, u.String(), body)
	if err != nil {
		return reply{}, fmt.Errorf("geoserver %s: build request: %w", k.op, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(tok))
	if c.role != "" {
		req.Header.Set("role", c.role)
	}
	if k.contentType != "" {
		req.Header.Set("Content-Type", k.contentType)
	}
	if k.accept != "" {
		req.Header.Set("Accept", k.accept)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ObserveUpstreamLatency("geoserver", k.op, time.Since(start).Seconds())
	if err != nil {
		return reply{}, fmt.Errorf("geoserver %s: %s %s: %w", k.op, k.method, u.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{}, fmt.Errorf("geoserver %s: read body: %w", k.op, err)
	}
	c.logger.DebugContext(ctx, "geoserver call",
		"op", k.op,
		"method", k.method,
		"path", u.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start).String())
	return reply{code: resp.StatusCode, body: b}, nil
}

func (c *Client) statusErr(k call, r reply) *StatusError {
	b := r.body
	if len(b) > maxErrBody {
		b = b[:maxErrBody]
	}
	return &StatusError{
		Op:     k.op,
		Method: k.method,
		Path:   c.endpoint(k.segments, nil).Path,
		Code:   r.code,
		Body:   strings.TrimSpace(string(b)),
	}
}

// do is send plus the rule that anything but 2xx is an error.
func (c *Client) do(ctx context.Context, tok credentials.Token, k call) (reply, error) {
	r, err := c.send(ctx, tok, k)
	if err != nil {
		return reply{}, err
	}
	if r.code < 200 || r.code >= 300 {
		return r, c.statusErr(k, r)
	}
	return r, nil
}

// exists maps 200 to Present, 404 to Absent and everything else, including
// transport failures, to Indeterminate with the cause.
func (c *Client) exists(ctx context.Context, tok credentials.Token, k call) (Existence, error) {
	r, err := c.send(ctx, tok, k)
	if err != nil {
		return Indeterminate, err
	}
	switch {
	case r.code == http.StatusOK:
		return Present, nil
	case r.code == http.StatusNotFound:
		return Absent, nil
	default:
		return Indeterminate, c.statusErr(k, r)
	}
}

// ListWorkspaces returns the names of all workspaces.
func (c *Client) ListWorkspaces(ctx context.Context, tok credentials.Token) ([]string, error) {
	r, err := c.do(ctx, tok, call{
		op:       "list_workspaces",
		method:   http.MethodGet,
		segments: []string{"workspaces"},
		accept:   contentJSON,
	})
	if err != nil {
		return nil, err
	}
	return decodeWorkspaces(r.body)
}

func decodeWorkspaces(b []byte) ([]string, error) {
	var doc struct {
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode workspaces: %w", err)
	}
	raw := bytes.TrimSpace(doc.Workspaces)
	// GeoServer answers {"workspaces":""} when there are none
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}
	var inner struct {
		Workspace []struct {
			Name string `json:"name"`
		} `json:"workspace"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("decode workspaces: %w", err)
	}
	out := make([]string, 0, len(inner.Workspace))
	for _, ws := range inner.Workspace {
		out = append(out, ws.Name)
	}
	return out, nil
}

func (c *Client) CreateWorkspace(ctx context.Context, tok credentials.Token, req WorkspaceRequest) error {
	body, err := encodeXML(req)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, tok, call{
		op:          "create_workspace",
		method:      http.MethodPost,
		segments:    []string{"workspaces"},
		contentType: contentXML,
		body:        body,
	})
	return err
}

func (c *Client) CoverageStoreExists(ctx context.Context, tok credentials.Token, ws, name string) (Existence, error) {
	return c.exists(ctx, tok, call{
		op:       "get_coveragestore",
		method:   http.MethodGet,
		segments: []string{"workspaces", ws, "coveragestores", name + ".json"},
		accept:   contentJSON,
	})
}

func (c *Client) CreateCoverageStore(ctx context.Context, tok credentials.Token, ws string, req CoverageStoreRequest) error {
	body, err := encodeXML(req)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, tok, call{
		op:          "create_coveragestore",
		method:      http.MethodPost,
		segments:    []string{"workspaces", ws, "coveragestores"},
		contentType: contentTextXML,
		body:        body,
	})
	return err
}

// UploadGeoTIFF puts raster bytes into a coverage store, which publishes the
// coverage as a layer.
func (c *Client) UploadGeoTIFF(ctx context.Context, tok credentials.Token, ws, store string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = contentTIFF
	}
	_, err := c.do(ctx, tok, call{
		op:          "upload_geotiff",
		method:      http.MethodPut,
		segments:    []string{"workspaces", ws, "coveragestores", store, "file.geotiff"},
		contentType: contentType,
		body:        data,
	})
	return err
}

func (c *Client) DataStoreExists(ctx context.Context, tok credentials.Token, ws, name string) (Existence, error) {
	return c.exists(ctx, tok, call{
		op:       "get_datastore",
		method:   http.MethodGet,
		segments: []string{"workspaces", ws, "datastores", name},
		accept:   contentJSON,
	})
}

func (c *Client) CreateDataStore(ctx context.Context, tok credentials.Token, ws string, req DataStoreRequest) error {
	body, err := encodeXML(req)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, tok, call{
		op:          "create_datastore",
		method:      http.MethodPost,
		segments:    []string{"workspaces", ws, "datastores"},
		contentType: contentXML,
		body:        body,
	})
	return err
}

// UploadShapefile puts a zipped shapefile set into a data store.
func (c *Client) UploadShapefile(ctx context.Context, tok credentials.Token, ws, store string, zip []byte, configure Configure) error {
	var q url.Values
	if configure != ConfigureFirst {
		q = url.Values{"configure": []string{string(configure)}}
	}
	_, err := c.do(ctx, tok, call{
		op:          "upload_shapefile",
		method:      http.MethodPut,
		segments:    []string{"workspaces", ws, "datastores", store, "file.shp"},
		query:       q,
		contentType: contentZip,
		body:        zip,
	})
	return err
}

func (c *Client) CreateFeatureType(ctx context.Context, tok credentials.Token, ws, store string, req FeatureTypeRequest) error {
	body, err := encodeXML(req)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, tok, call{
		op:          "create_featuretype",
		method:      http.MethodPost,
		segments:    []string{"workspaces", ws, "datastores", store, "featuretypes"},
		contentType: contentXML,
		body:        body,
	})
	return err
}

func (c *Client) DeleteCoverageStore(ctx context.Context, tok credentials.Token, ws, name string) error {
	_, err := c.do(ctx, tok, call{
		op:       "delete_coveragestore",
		method:   http.MethodDelete,
		segments: []string{"workspaces", ws, "coveragestores", name},
		query:    url.Values{"recurse": []string{"true"}},
	})
	return err
}

func (c *Client) DeleteDataStore(ctx context.Context, tok credentials.Token, ws, name string) error {
	_, err := c.do(ctx, tok, call{
		op:       "delete_datastore",
		method:   http.MethodDelete,
		segments: []string{"workspaces", ws, "datastores", name},
		query:    url.Values{"recurse": []string{"true"}},
	})
	return err
}
