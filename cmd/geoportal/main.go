package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/geoportal/internal/app"
	"github.com/mohammed-shakir/geoportal/internal/core/config"
	"github.com/mohammed-shakir/geoportal/internal/core/observability"
	"github.com/mohammed-shakir/geoportal/internal/logger"
	"github.com/mohammed-shakir/geoportal/internal/metrics"
	"github.com/mohammed-shakir/geoportal/internal/publish"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCode(err)
	}
	return 0
}

// exitCode separates caller mistakes from server side failures.
func exitCode(err error) int {
	switch publish.KindOf(err) {
	case publish.KindInvalidRequest, publish.KindNameCollision, publish.KindCredential:
		return 2
	}
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}

var errUsage = errors.New("usage")

type globalFlags struct {
	configPath string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "geoportal",
		Short:         "Publish and manage map layers on GeoServer",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("GEOPORTAL_CONFIG"), "YAML config file (env overrides it)")

	root.AddCommand(
		newServeCmd(g),
		newPublishCmd(g),
		newDeleteCmd(g),
		newEnsureStoreCmd(g),
		newCatalogCmd(g),
	)
	return root
}

// setup loads config and builds the app. Logs go to w.
func setup(ctx context.Context, g *globalFlags, component string, w io.Writer) (*app.App, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: component,
	}, w)
	appLog := logger.NewSlog(&zl)
	observability.ExposeBuildInfo(Version)

	a, err := app.New(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("setup failed", "err", err)
		return nil, err
	}
	a.Build = metrics.BuildInfo{
		Version:   Version,
		Revision:  os.Getenv("BUILD_REVISION"),
		Branch:    os.Getenv("BUILD_BRANCH"),
		BuildDate: os.Getenv("BUILD_DATE"),
	}
	return a, nil
}

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), g, "server", os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Logger.Info("starting geoportal",
				slog.String("addr", a.Config.Addr),
				slog.String("version", Version),
				slog.String("geoserver", a.Config.GeoServer.URL),
				slog.Bool("events", a.Config.Events.Enabled),
				slog.Bool("catalog_cache", a.Config.Catalog.CacheEnabled))

			if err := a.Serve(cmd.Context()); err != nil {
				a.Logger.Error("server exited with error", "err", err)
				return err
			}
			a.Logger.Info("server stopped")
			return nil
		},
	}
}
