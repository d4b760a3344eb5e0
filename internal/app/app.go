// Package app wires configuration into a running geoportal: the GeoServer
// client, the publication workflow, the catalog and its optional cache, and
// the layer change stream.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammed-shakir/geoportal/internal/cache/redisstore"
	"github.com/mohammed-shakir/geoportal/internal/catalog"
	"github.com/mohammed-shakir/geoportal/internal/core/config"
	"github.com/mohammed-shakir/geoportal/internal/core/executor"
	"github.com/mohammed-shakir/geoportal/internal/core/health"
	"github.com/mohammed-shakir/geoportal/internal/core/httpclient"
	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/core/observability"
	"github.com/mohammed-shakir/geoportal/internal/core/ogc"
	"github.com/mohammed-shakir/geoportal/internal/core/router"
	"github.com/mohammed-shakir/geoportal/internal/core/server"
	"github.com/mohammed-shakir/geoportal/internal/credentials"
	"github.com/mohammed-shakir/geoportal/internal/geoserver"
	"github.com/mohammed-shakir/geoportal/internal/layerevents"
	"github.com/mohammed-shakir/geoportal/internal/metrics"
	"github.com/mohammed-shakir/geoportal/internal/publish"
	"github.com/mohammed-shakir/geoportal/internal/vectorpack"
)

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Workflow *publish.Workflow
	Catalog  *catalog.Catalog
	Executor *executor.Executor
	Build    metrics.BuildInfo

	http   *http.Client
	redis  *redisstore.Client
	events *layerevents.Publisher
}

// Credentials picks the token source for GeoServer calls.
func Credentials(cfg config.GeoServerCfg) credentials.Provider {
	static := credentials.Static(cfg.Token)
	if cfg.CredentialsMode == "static" {
		return static
	}
	if cfg.Token != "" {
		return credentials.Chain{credentials.Passthrough{}, static}
	}
	return credentials.Passthrough{}
}

// New builds every component cfg enables. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, http: httpclient.NewOutbound(cfg.GeoServer.Timeout)}
	rules := model.Rules{SharedWorkspace: cfg.Publish.SharedWorkspace, PrivilegedRole: cfg.Publish.PrivilegedRole}
	creds := Credentials(cfg.GeoServer)

	gs, err := geoserver.New(cfg.GeoServer.URL,
		geoserver.WithHTTPClient(a.http),
		geoserver.WithRoleHeader(cfg.GeoServer.RoleHeader),
		geoserver.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	a.Executor, err = executor.New(logger, a.http, cfg.GeoServer.URL, creds)
	if err != nil {
		return nil, err
	}

	copts := catalog.Options{Rules: rules, GeoServerURL: cfg.GeoServer.URL, TTL: cfg.Catalog.CacheTTL, Logger: logger}
	if cfg.Catalog.CacheEnabled {
		a.redis, err = redisstore.New(ctx, cfg.Catalog.RedisAddr, redisstore.WithPoolSize(cfg.Catalog.RedisPool))
		if err != nil {
			return nil, fmt.Errorf("catalog cache: %w", err)
		}
		copts.Cache = a.redis
	}
	a.Catalog, err = catalog.New(a.Executor, copts)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifiers := publish.Notifiers{a.Catalog}
	if cfg.Events.Enabled {
		a.events, err = layerevents.NewPublisher(cfg.Events.BrokerList(), cfg.Events.Topic, 0, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("layer events: %w", err)
		}
		notifiers = append(notifiers, a.events)
	}

	crs := cfg.Publish.VectorCRS
	if !vectorpack.SupportedCRS(crs) {
		a.Close()
		return nil, fmt.Errorf("vector crs %q is not supported", crs)
	}
	a.Workflow, err = publish.New(gs, creds, publish.Options{
		Rules:               rules,
		VectorStore:         cfg.Publish.VectorStore,
		CoverageURLTemplate: cfg.Publish.CoverageURLTemplate,
		WorkspaceMode:       publish.WorkspaceMode(cfg.Publish.WorkspaceMode),
		IndeterminatePolicy: publish.IndeterminatePolicy(cfg.Publish.IndeterminatePolicy),
		StrictUpload:        cfg.Publish.StrictUpload,
		MemoSize:            cfg.Publish.WorkspaceMemoSize,
		DeleteParallelism:   cfg.Publish.DeleteParallelism,
		PackOptions:         vectorpack.Options{CRS: crs},
		Notifier:            notifiers,
		Logger:              logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Handler returns the full HTTP surface.
func (a *App) Handler() http.Handler {
	api := router.New(router.Options{
		Publisher:      a.Workflow,
		Catalog:        a.Catalog,
		Features:       a.Executor,
		Rules:          a.Workflow.Options().Rules,
		MaxUploadBytes: a.Config.Publish.MaxUploadBytes,
		Logger:         a.Logger,
	})
	checks := map[string]health.Check{
		"geoserver": health.HTTPCheck(a.http, ogc.OWSEndpoint(a.Config.GeoServer.URL)+"?service=WMS&request=GetCapabilities"),
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	return server.NewHandler(a.Logger, api, health.Readiness(2*time.Second, checks))
}

// Serve runs the HTTP server, the metrics listener and the event consumer
// until ctx is done or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	n := 0
	run := func(f func() error) {
		n++
		go func() { errCh <- f() }()
	}

	if a.Config.Metrics.Enabled {
		prov := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    a.Config.Metrics.Addr,
			Path:    a.Config.Metrics.Path,
			Build:   a.Build,
		})
		observability.Init(prov.Registerer(), true)
		run(func() error { return prov.Serve(ctx, a.Logger) })
	}
	if a.Config.Events.Enabled && a.Config.Events.Consume {
		c := layerevents.NewConsumer(layerevents.ConsumerConfig{
			Brokers: a.Config.Events.BrokerList(),
			Topic:   a.Config.Events.Topic,
			GroupID: a.Config.Events.GroupID,
		}, a.Logger, a.Catalog)
		run(func() error { return c.Start(ctx) })
	}
	run(func() error { return server.Run(ctx, a.Config.Addr, a.Logger, a.Handler()) })

	var first error
	for range n {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// Close waits for background work and releases connections.
func (a *App) Close() {
	if a.Workflow != nil {
		a.Workflow.Wait()
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.Logger.Warn("close layer events", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("close redis", "err", err)
		}
	}
}
