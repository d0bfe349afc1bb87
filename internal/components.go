package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/starford/recordsync/internal/entityservice"
	"github.com/starford/recordsync/internal/graphsync"
	"github.com/starford/recordsync/internal/remote"
	"github.com/starford/recordsync/internal/remote/dirstore"
	"github.com/starford/recordsync/internal/remote/mongo"
	"github.com/starford/recordsync/internal/replica"
	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/sse"
	"github.com/starford/recordsync/internal/store"
	"github.com/starford/recordsync/internal/store/memory"
	"github.com/starford/recordsync/internal/store/sqlite"
)

var (
	errConfigRequired = errors.New("config is required")
	errNoRemote       = errors.New("no remote configured")
)

// localStore is what the application needs from a store backend.
type localStore interface {
	store.Store
	store.Checkpoints
}

var (
	_ localStore = (*sqlite.DB)(nil)
	_ localStore = (*memory.Store)(nil)
)

// components is the wired object graph shared by the serve, sync and MCP entry points.
type components struct {
	cfg    *Config
	logger *slog.Logger
	reg    *schema.Registry

	store     localStore
	transport remote.Transport
	dir       *dirstore.Store
	broker    *sse.Broker
	entities  *entityservice.Service
	replica   *replica.Replica

	closers []func(context.Context) error
}

// newLogger builds the JSON logger. Output goes to a rotated file when one is
// configured, otherwise to fallback.
func newLogger(cfg ApplicationConfig, fallback io.Writer) (*slog.Logger, func() error) {
	out, closeFn := fallback, func() error { return nil }
	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
		out, closeFn = lj, lj.Close
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.LogLevel})), closeFn
}

func newComponents(ctx context.Context, cfg *Config, logger *slog.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	c.reg = reg
	if err := c.openStore(); err != nil {
		return nil, err
	}
	if err := c.openRemote(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}

	system := cfg.Sync.SystemFields()
	c.broker = sse.NewBroker(0)
	c.closers = append(c.closers, func(context.Context) error { c.broker.Close(); return nil })

	c.entities = entityservice.New(c.reg, c.store,
		entityservice.WithEvents(c.broker),
		entityservice.WithSystemFields(system),
		entityservice.WithLogger(logger),
	)

	if c.transport != nil {
		gs := graphsync.New(c.reg, c.store,
			graphsync.WithLogger(logger),
			graphsync.WithStrict(cfg.Sync.Strict),
			graphsync.WithRecordDetailsOnly(cfg.Sync.RecordDetailsOnly),
			graphsync.WithSystemFields(system),
		)
		c.replica = replica.New(gs, c.transport, c.store,
			replica.WithLogger(logger),
			replica.WithNotifier(c.broker),
			replica.WithPullOverlap(cfg.Sync.PullOverlap),
		)
	}
	return c, nil
}

func (c *components) openStore() error {
	switch c.cfg.Store.Kind {
	case StoreMemory:
		c.store = memory.New(c.reg)
	default:
		db, err := sqlite.Open(c.cfg.SQLite.Path, c.reg)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		c.store = db
	}
	st := c.store
	c.closers = append(c.closers, func(context.Context) error { return st.Close() })
	c.logger.Info("Store opened", slog.String("kind", c.cfg.Store.Kind))
	return nil
}

func (c *components) openRemote(ctx context.Context) error {
	rc := c.cfg.Remote
	switch rc.Kind {
	case RemoteMongo:
		dialCtx, cancel := context.WithTimeout(ctx, rc.Mongo.Timeout)
		defer cancel()
		t, err := mongo.Connect(dialCtx, rc.Mongo.URI, rc.Mongo.Database,
			mongo.WithLogger(c.logger),
			mongo.WithDeviceName(c.cfg.App.Device),
		)
		if err != nil {
			return fmt.Errorf("init remote: %w", err)
		}
		c.transport = t
	case RemoteDirectory:
		d, err := dirstore.Open(rc.Directory.Path,
			dirstore.WithLogger(c.logger),
			dirstore.WithDeviceName(c.cfg.App.Device),
		)
		if err != nil {
			return fmt.Errorf("init remote: %w", err)
		}
		c.transport, c.dir = d, d
	default:
		c.logger.Info("No remote configured; sync disabled")
		return nil
	}
	c.closers = append(c.closers, c.transport.Close)
	c.logger.Info("Remote opened", slog.String("kind", rc.Kind))
	return nil
}

// entityTypes maps changed record types to the configured sync types, in
// sync order.
func (c *components) entityTypes(recordTypes []string) []string {
	var out []string
	for _, typ := range c.cfg.Sync.Types {
		desc, ok := c.reg.Lookup(typ)
		if ok && slices.Contains(recordTypes, desc.RecordType) {
			out = append(out, typ)
		}
	}
	return out
}

// Close releases everything in reverse order of opening.
func (c *components) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
