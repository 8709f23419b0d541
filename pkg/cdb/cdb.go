package cdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/blob"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/db"
	"github.com/gftdcojp/conditions-db/internal/file"
	"github.com/gftdcojp/conditions-db/internal/memory"
	"github.com/gftdcojp/conditions-db/internal/meta"
	"github.com/gftdcojp/conditions-db/internal/notify"
	"github.com/gftdcojp/conditions-db/internal/remote"
	"github.com/gftdcojp/conditions-db/internal/service"
	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/gftdcojp/conditions-db/pkg/natsutil"
	"github.com/gftdcojp/conditions-db/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type (
	Config    = config.Config
	Service   = service.Service
	Payload   = types.Payload
	Tag       = types.Tag
	TagRecord = types.TagRecord
	Mode      = types.Mode
	Format    = types.Format
	Query     = types.Query
)

const (
	ModeFolder = types.ModeFolder
	ModeTime   = types.ModeTime
	ModeRun    = types.ModeRun

	FormatDat     = types.FormatDat
	FormatJSON    = types.FormatJSON
	FormatCBOR    = types.FormatCBOR
	FormatMsgPack = types.FormatMsgPack
)

// Error kinds. Test with errors.Is.
var (
	ErrNotFound      = adapter.ErrNotFound
	ErrInvalidInput  = adapter.ErrInvalidInput
	ErrUnavailable   = adapter.ErrUnavailable
	ErrConflict      = adapter.ErrConflict
	ErrNotSupported  = adapter.ErrNotSupported
	ErrConfiguration = adapter.ErrConfiguration
)

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsUnavailable(err error) bool  { return errors.Is(err, ErrUnavailable) }
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// LoadConfig reads a configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config { return config.DefaultConfig() }

// Options configures Open.
type Options struct {
	// Config is used as is when set.
	Config *Config
	// ConfigPath names a config file; discovery applies when empty.
	ConfigPath string
	// Adapters overrides service.adapters, e.g. "memory+db".
	Adapters string
	Logger   *zap.Logger
}

// DB is an opened conditions database: a Service plus the resources it was
// built from.
type DB struct {
	*service.Service

	cfg       *config.Config
	snapshots *meta.BoltStore
	nc        *nats.Conn
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open builds the enabled adapters from the configuration and returns a
// ready client. With NATS enabled, metadata changes announced by other
// processes invalidate the cached tag hierarchy until Close.
func Open(ctx context.Context, opts Options) (*DB, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, _, err = config.Discover(opts.ConfigPath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	order := cfg.AdapterOrder()
	if opts.Adapters != "" {
		c := *cfg
		c.Service.Adapters = opts.Adapters
		order = c.AdapterOrder()
	}

	d := &DB{cfg: cfg}
	ok := false
	var adapters []adapter.Adapter
	defer func() {
		if ok {
			return
		}
		if d.cancel != nil {
			d.cancel()
			d.wg.Wait()
		}
		for _, a := range adapters {
			a.Close()
		}
		d.release()
	}()

	if cfg.Metadata.SnapshotPath != "" {
		store, err := meta.NewBoltStore(cfg.Metadata.SnapshotPath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening metadata snapshot: %w", err)
		}
		d.snapshots = store
	}

	for _, name := range order {
		a, err := d.build(name, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	scfg := service.Config{
		Adapters:         adapters,
		Flavors:          cfg.Service.Flavors,
		FetchConcurrency: cfg.Service.FetchConcurrency,
		Logger:           logger,
	}
	if cfg.Blob.Enabled {
		client, err := s3util.NewClient(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("creating S3 client: %w", err)
		}
		scfg.Blob = blob.NewStore(client.S3, cfg.Blob, logger)
	}
	if cfg.NATS.Enabled {
		nc, err := natsutil.Connect(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		d.nc = nc
		scfg.Changes = notify.New(nc, cfg.NATS.Subject, logger)
	}

	svc, err := service.New(scfg)
	if err != nil {
		return nil, err
	}
	d.Service = svc

	if scfg.Changes != nil {
		wctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		ready := make(chan struct{})
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := svc.WatchInvalidations(wctx, ready); err != nil {
				logger.Warn("metadata change watcher stopped", zap.Error(err))
			}
		}()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ok = true
	logger.Info("conditions database opened",
		zap.Strings("adapters", svc.EnabledAdapters()),
		zap.Strings("flavors", cfg.Service.Flavors),
	)
	return d, nil
}

func (d *DB) build(name string, logger *zap.Logger) (adapter.Adapter, error) {
	cfg := d.cfg
	missing := func() error {
		return adapter.Errorf(adapter.ErrConfiguration, "adapter %q is enabled but adapters.%s is not configured", name, name)
	}
	switch name {
	case adapter.NameMemory:
		if cfg.Adapters.Memory == nil {
			return nil, missing()
		}
		return memory.NewAdapter(memory.LimitsFromConfig(*cfg.Adapters.Memory), logger), nil
	case adapter.NameFile:
		if cfg.Adapters.File == nil {
			return nil, missing()
		}
		return file.NewAdapter(*cfg.Adapters.File, logger)
	case adapter.NameDB:
		if cfg.Adapters.DB == nil {
			return nil, missing()
		}
		var opts []db.Option
		if d.snapshots != nil {
			opts = append(opts, db.WithSnapshots(d.snapshots))
		}
		if r := cfg.Metadata.RefreshInterval.Duration(); r > 0 {
			opts = append(opts, db.WithRefreshInterval(r))
		}
		return db.NewAdapter(*cfg.Adapters.DB, logger, opts...)
	case adapter.NameHTTP:
		if cfg.Adapters.HTTP == nil {
			return nil, missing()
		}
		var opts []remote.Option
		if d.snapshots != nil {
			opts = append(opts, remote.WithSnapshots(d.snapshots))
		}
		if r := cfg.Metadata.RefreshInterval.Duration(); r > 0 {
			opts = append(opts, remote.WithRefreshInterval(r))
		}
		return remote.NewAdapter(*cfg.Adapters.HTTP, logger, opts...)
	default:
		return nil, adapter.Errorf(adapter.ErrConfiguration, "unknown adapter %q", name)
	}
}

// Config returns the configuration the client was opened with.
func (d *DB) Config() *Config { return d.cfg }

// Close stops the change watcher and closes every adapter and connection.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		if d.Service != nil {
			d.closeErr = d.Service.Close()
		}
		d.release()
	})
	return d.closeErr
}

func (d *DB) release() {
	if d.nc != nil {
		d.nc.Close()
		d.nc = nil
	}
	if d.snapshots != nil {
		d.snapshots.Close()
		d.snapshots = nil
	}
}
