// Package catalog builds a tenant's layer list from the WFS and WMS
// capabilities of the shared and personal workspaces.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/mohammed-shakir/geoportal/internal/cache/keys"
	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/core/ogc"
	"github.com/mohammed-shakir/geoportal/internal/layerlist"
	"github.com/mohammed-shakir/geoportal/internal/logger"
)

const (
	serviceWFS = "wfs"
	serviceWMS = "wms"

	DefaultTTL = 5 * time.Minute
)

var services = []string{serviceWFS, serviceWMS}

type Fetcher interface {
	FetchCapabilities(ctx context.Context, workspace, service string) ([]byte, error)
}

// Cache is the subset of redisstore.Client the catalog uses.
type Cache interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MSetWithTTL(ctx context.Context, kv map[string][]byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type Options struct {
	Rules        model.Rules
	GeoServerURL string
	// Cache is optional; nil disables caching.
	Cache  Cache
	TTL    time.Duration
	Logger *slog.Logger
}

type Catalog struct {
	fetch Fetcher
	opts  Options
	log   *slog.Logger
}

func New(f Fetcher, opts Options) (*Catalog, error) {
	if f == nil {
		return nil, errors.New("catalog: fetcher is required")
	}
	if opts.GeoServerURL == "" {
		return nil, errors.New("catalog: geoserver url is required")
	}
	if opts.Rules == (model.Rules{}) {
		opts.Rules = model.DefaultRules()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Catalog{fetch: f, opts: opts, log: opts.Logger}, nil
}

// Workspaces returns the workspaces whose layers t can see, shared first.
func (c *Catalog) Workspaces(t model.Tenant) []string {
	out := []string{c.opts.Rules.SharedWorkspace}
	if t.IsZero() || t.Privileged(c.opts.Rules) {
		return out
	}
	if ws := t.Workspace(c.opts.Rules); ws != c.opts.Rules.SharedWorkspace && model.ValidateWorkspace(ws) == nil {
		out = append(out, ws)
	}
	return out
}

// Load returns the layer list for t: vector layers first, then rasters, each
// group ordered shared workspace first. Vectors start visible, rasters hidden.
// A failure on the personal workspace only drops its layers; a failure on the
// shared workspace fails the load.
func (c *Catalog) Load(ctx context.Context, t model.Tenant) (*layerlist.List, error) {
	var vectors, rasters []layerlist.Entry
	for _, ws := range c.Workspaces(t) {
		personal := ws != c.opts.Rules.SharedWorkspace
		wsCtx := logger.WithWorkspace(ctx, ws)
		wfs, wms, err := c.capabilities(wsCtx, ws)
		if err != nil {
			if !personal {
				return nil, err
			}
			// a tenant who never published has no workspace yet
			c.log.WarnContext(wsCtx, "personal workspace capabilities unavailable, listing shared layers only", "err", err)
			continue
		}
		for _, l := range wfs {
			vectors = append(vectors, c.vectorEntry(ws, personal, l))
		}
		for _, l := range wms {
			if l.HasKeyword(ogc.VectorKeyword) {
				continue
			}
			rasters = append(rasters, c.rasterEntry(ws, personal, l))
		}
	}
	return layerlist.New(append(vectors, rasters...)...), nil
}

func (c *Catalog) vectorEntry(ws string, personal bool, l ogc.CapabilityLayer) layerlist.Entry {
	params := ogc.BuildGetFeatureParams(model.FeatureQuery{Workspace: ws, Layer: l.Name})
	return layerlist.Entry{
		Name:      l.LocalName(),
		Title:     l.Title,
		Kind:      model.KindVector,
		Workspace: ws,
		Personal:  personal,
		Visible:   true,
		Source:    ogc.WorkspaceEndpoint(c.opts.GeoServerURL, ws, "ows") + "?" + params.Encode(),
	}
}

func (c *Catalog) rasterEntry(ws string, personal bool, l ogc.CapabilityLayer) layerlist.Entry {
	params := url.Values{}
	params.Set("LAYERS", l.Name)
	params.Set("FORMAT", "image/png")
	return layerlist.Entry{
		Name:      l.LocalName(),
		Title:     l.Title,
		Kind:      model.KindRaster,
		Workspace: ws,
		Personal:  personal,
		Source:    ogc.WorkspaceEndpoint(c.opts.GeoServerURL, ws, serviceWMS) + "?" + params.Encode(),
	}
}

type cachedLayers struct {
	Layers []ogc.CapabilityLayer `json:"layers"`
}

func (c *Catalog) capabilities(ctx context.Context, ws string) (wfs, wms []ogc.CapabilityLayer, err error) {
	ks := keys.CatalogAll(ws, services...)
	if c.opts.Cache != nil {
		hit, cerr := c.opts.Cache.MGet(ctx, ks)
		if cerr != nil {
			c.log.WarnContext(ctx, "catalog cache read failed", "err", cerr)
		} else if len(hit) == len(ks) {
			cf, werr := decodeCached(hit[ks[0]])
			cm, merr := decodeCached(hit[ks[1]])
			if werr == nil && merr == nil {
				c.log.DebugContext(ctx, "catalog cache hit")
				return cf, cm, nil
			}
			c.log.WarnContext(ctx, "catalog cache entry unreadable", "err", errors.Join(werr, merr))
		}
	}

	wfs, err = c.load(ctx, ws, serviceWFS, ogc.ParseWFSCapabilities)
	if err != nil {
		return nil, nil, err
	}
	wms, err = c.load(ctx, ws, serviceWMS, ogc.ParseWMSCapabilities)
	if err != nil {
		return nil, nil, err
	}

	if c.opts.Cache != nil {
		kv := make(map[string][]byte, len(ks))
		for i, ls := range [][]ogc.CapabilityLayer{wfs, wms} {
			b, merr := json.Marshal(cachedLayers{Layers: ls})
			if merr != nil {
				return wfs, wms, nil
			}
			kv[ks[i]] = b
		}
		if cerr := c.opts.Cache.MSetWithTTL(ctx, kv, c.opts.TTL); cerr != nil {
			c.log.WarnContext(ctx, "catalog cache write failed", "err", cerr)
		}
	}
	return wfs, wms, nil
}

func (c *Catalog) load(ctx context.Context, ws, service string, parse func(io.Reader) ([]ogc.CapabilityLayer, error)) ([]ogc.CapabilityLayer, error) {
	b, err := c.fetch.FetchCapabilities(ctx, ws, service)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s capabilities of %q: %w", service, ws, err)
	}
	ls, err := parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("catalog: %s capabilities of %q: %w", service, ws, err)
	}
	return ls, nil
}

func decodeCached(b []byte) ([]ogc.CapabilityLayer, error) {
	var v cachedLayers
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode cached catalog: %w", err)
	}
	return v.Layers, nil
}

// Invalidate drops the cached capabilities of ws.
func (c *Catalog) Invalidate(ctx context.Context, ws string) error {
	if c.opts.Cache == nil {
		return nil
	}
	if err := c.opts.Cache.Del(ctx, keys.CatalogAll(ws, services...)...); err != nil {
		return fmt.Errorf("catalog: invalidate %q: %w", ws, err)
	}
	return nil
}

// LayerChanged lets the catalog act as a publication notifier: any change
// in a workspace invalidates its cached capabilities.
func (c *Catalog) LayerChanged(ctx context.Context, ch model.LayerChange) error {
	return c.Invalidate(ctx, ch.Workspace)
}
