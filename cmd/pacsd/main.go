// Command pacsd runs the PACS core: a DICOM SCP accepting C-ECHO and
// C-STORE from registered facilities, and an HTTP viewer API serving
// renderings, reconstructions and measurements over the stored data.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halcyonimaging/pacscore/api"
	"github.com/halcyonimaging/pacscore/cache"
	"github.com/halcyonimaging/pacscore/config"
	"github.com/halcyonimaging/pacscore/facility"
	"github.com/halcyonimaging/pacscore/imaging"
	"github.com/halcyonimaging/pacscore/index"
	"github.com/halcyonimaging/pacscore/server"
	"github.com/halcyonimaging/pacscore/services"
	"github.com/halcyonimaging/pacscore/types"
	"github.com/halcyonimaging/pacscore/viewer"
	"github.com/halcyonimaging/pacscore/volume"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "pacsd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := index.OpenBadger(cfg.Storage.MetaDir, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	blobs, err := index.NewBlobStore(cfg.Storage.BlobDir)
	if err != nil {
		return err
	}

	indexer := index.NewIndexer(repo, blobs, nil, logger)
	builder := volume.NewBuilder(repo, blobs, logger)
	builder.SpacingTolerance = cfg.Geometry.SpacingTolerance
	volumes, err := cache.New(builder, indexer, cache.Options{
		MaxBytes: cfg.Cache.MaxBytes,
		Workers:  cfg.Cache.Workers,
		MaxQueue: cfg.Cache.MaxQueue,
	}, logger)
	if err != nil {
		return err
	}
	indexer.SetInvalidator(volumes)

	registry := facility.NewMemRegistry(cfg.Facilities)
	gate := facility.NewGate(registry, cfg.AETitle, logger)

	dispatch := services.NewRegistry(logger)
	dispatch.RegisterHandler(types.CEchoRQ, services.NewEchoService(logger))
	dispatch.RegisterHandler(types.CStoreRQ, services.NewStoreService(indexer, logger))

	scp := server.New(cfg.AETitle, dispatch, gate,
		server.WithLogger(logger),
		server.WithIdleTimeout(cfg.Timeouts.AssociationIdle),
		server.WithObjectReadTimeout(cfg.Timeouts.ObjectRead),
		server.WithWriteTimeout(cfg.Timeouts.Write))

	view := viewer.New(repo, blobs, volumes, logger)
	view.Windowing = imaging.Windower{
		LowQuantile:  cfg.Window.LowQuantile,
		HighQuantile: cfg.Window.HighQuantile,
	}
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(view, logger).Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scp.ListenAndServe(ctx, cfg.ListenAddr)
	})

	g.Go(func() error {
		logger.Info("HTTP API listening", "address", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("Shut down")
		return nil
	}
	return err
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
