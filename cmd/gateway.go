package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/switchboard/internal/blob"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/internal/state"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfgStore, err := config.NewStore(cfgPath, logger)
	if err != nil {
		logger.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	cfg, err := cfgStore.Effective()
	if err != nil {
		logger.Error("config decode failed", "error", err)
		os.Exit(1)
	}

	var stateStore state.Store
	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
		pg, err := state.OpenPostgres(cfg.Database.PostgresDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		stateStore = pg
	} else {
		dbPath := filepath.Join(config.ExpandHome(cfg.Storage.StateDir), "switchboard.db")
		sq, err := state.OpenSQLite(dbPath)
		if err != nil {
			logger.Error("sqlite open failed", "path", dbPath, "error", err)
			os.Exit(1)
		}
		defer sq.Close()
		stateStore = sq
	}

	blobs, err := blob.NewFS(config.ExpandHome(cfg.Storage.BlobDir))
	if err != nil {
		logger.Error("blob store open failed", "error", err)
		os.Exit(1)
	}

	g, err := gateway.New(gateway.Options{
		ConfigStore: cfgStore,
		State:       stateStore,
		Blobs:       blobs,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("gateway init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initTelemetry(ctx, cfg, logger)
	defer shutdownTracing()

	srv := gateway.NewServer(g)
	mux := srv.Handler()

	tsCleanup := initTailscale(ctx, cfg, mux, logger)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Start(ctx)
	logger.Info("switchboard gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"addr", addr,
	)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		// Hot-reload the config file until shutdown.
		if err := cfgStore.Watch(gctx.Done()); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("graceful shutdown initiated")
		g.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	if err := grp.Wait(); err != nil {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
