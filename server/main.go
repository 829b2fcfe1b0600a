// rtpc-server is the coordinator. It serves seats over websockets at
// /ws and an operator API under /api.
//
// Usage:
//
//	rtpc-server [--config rtpc.yaml] [--listen :8081] [--session-file show.json]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/dalder6284/rtpc-app/internal/catalog"
	"github.com/dalder6284/rtpc-app/internal/config"
	"github.com/dalder6284/rtpc-app/internal/coordinator"
	"github.com/dalder6284/rtpc-app/internal/discovery"
	"github.com/dalder6284/rtpc-app/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rtpc-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen, sessionFile string
	pflag.StringVar(&configPath, "config", "", "YAML config file (default $RTPC_CONFIG)")
	pflag.StringVar(&listen, "listen", "", "listen address, overrides server.listen")
	pflag.StringVar(&sessionFile, "session-file", "", "session file to serve, overrides server.catalog.session_file")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if sessionFile != "" {
		cfg.Server.Catalog.SessionFile = sessionFile
		cfg.Server.Catalog.DatabaseURL = ""
	}
	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, closeSource, err := openCatalog(ctx, cfg.Server.Catalog, logger)
	if err != nil {
		return err
	}
	defer closeSource()
	cat, err := source.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	logger.Info("catalog loaded", "phases", len(cat.Phases()))

	opts := coordinator.Options{
		Registry:  session.NewRegistry(session.WithTTL(cfg.Server.SessionTTL.D())),
		Source:    source,
		Logger:    logger,
		StartLead: cfg.Server.StartLead.D(),
		ChunkSize: cfg.Server.ChunkSize,
		PongWait:  cfg.Server.PongWait.D(),
	}

	var rdb *redis.Client
	if addr := cfg.Server.Redis.Addr; addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", addr, err)
		}
		defer rdb.Close()
		logger.Info("connected to redis", "addr", addr)
		opts.Events = rdb
	}

	coord := coordinator.New(cat, opts)
	defer coord.Close()
	go coord.Run(ctx, cfg.Server.SweepInterval.D())

	if rdb != nil {
		pubsub := rdb.Subscribe(ctx, cfg.Server.Redis.Channel)
		defer pubsub.Close()
		go catalog.Watch(ctx, pubsub.Channel(), func(ctx context.Context) error {
			_, err := coord.Reload(ctx)
			return err
		}, logger)
	}

	if cfg.Server.Advertise.Enabled {
		if port, err := discovery.PortOf(cfg.Server.Listen); err != nil {
			logger.Warn("not advertising, listen address has no port", "listen", cfg.Server.Listen, "error", err)
		} else if adv, err := discovery.Advertise(cfg.Server.Advertise.Instance, port, "/ws"); err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Shutdown()
			logger.Info("advertising over mDNS", "service", discovery.Service, "port", port)
		}
	}

	server := &http.Server{Addr: cfg.Server.Listen, Handler: coord.Handler()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	logger.Info("coordinator listening", "addr", cfg.Server.Listen)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coord.Close()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// openCatalog picks Postgres when a database URL is configured and the
// session file otherwise.
func openCatalog(ctx context.Context, c config.CatalogConfig, logger *slog.Logger) (catalog.Source, func(), error) {
	switch {
	case c.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("connected to postgres")
		if c.EnsureSchema {
			if err := catalog.EnsureSchema(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return catalog.PostgresSource{DB: pool}, pool.Close, nil
	case c.SessionFile != "":
		return catalog.FileSource{Path: c.SessionFile}, func() {}, nil
	}
	return nil, nil, errors.New("no catalog configured: set server.catalog.session_file or server.catalog.database_url")
}
