package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/db"
	"github.com/gftdcojp/conditions-db/internal/meta"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/notify"
	"github.com/gftdcojp/conditions-db/internal/serve"
	"github.com/gftdcojp/conditions-db/pkg/natsutil"
	"github.com/gftdcojp/conditions-db/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to configuration file (default: discovered)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cdb-server %s\n", version)
		os.Exit(0)
	}

	cfg, path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("configuration loaded", zap.String("path", path))

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Adapters.DB == nil {
		return errors.New("adapters.db must be configured to serve the REST API")
	}

	var opts []db.Option
	if cfg.Metadata.SnapshotPath != "" {
		store, err := meta.NewBoltStore(cfg.Metadata.SnapshotPath, logger.Named("meta"))
		if err != nil {
			return fmt.Errorf("opening metadata snapshot: %w", err)
		}
		defer store.Close()
		opts = append(opts, db.WithSnapshots(store))
	}
	if r := cfg.Metadata.RefreshInterval.Duration(); r > 0 {
		opts = append(opts, db.WithRefreshInterval(r))
	}

	backend, err := db.NewAdapter(*cfg.Adapters.DB, logger.Named("db"), opts...)
	if err != nil {
		return fmt.Errorf("opening database adapter: %w", err)
	}
	defer backend.Close()

	probes := []metrics.Probe{{Name: "database", Check: backend.Ping}}

	// S3 is only probed; clients read offloaded payloads directly.
	if cfg.Blob.Enabled {
		s3Client, err := s3util.NewClient(ctx, cfg.Blob)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		probes = append(probes, metrics.Probe{Name: "blob", Check: s3Client.Ping})
	}

	g, gctx := errgroup.WithContext(ctx)

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()

		changes := notify.New(nc, cfg.NATS.Subject, logger.Named("notify"))
		g.Go(func() error {
			return changes.Subscribe(gctx, nil, func(ev notify.Event) {
				logger.Debug("metadata changed elsewhere", zap.String("op", ev.Op), zap.String("path", ev.Path))
				backend.InvalidateMetadata()
			})
		})
	}

	g.Go(func() error {
		return serve.RunHTTP(gctx, cfg.Server, backend, logger.Named("api"))
	})

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(nc, probes...)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
	}

	logger.Info("cdb-server started",
		zap.String("version", version),
		zap.String("listen", cfg.Server.Listen),
		zap.Int("users", len(cfg.Server.Users)),
		zap.Bool("nats", cfg.NATS.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("cdb-server stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
