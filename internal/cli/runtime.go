package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"replistock/internal/broadcast"
	"replistock/internal/config"
	"replistock/internal/logging"
	"replistock/internal/relay"
	"replistock/internal/replication"
	"replistock/internal/service"
	"replistock/internal/store"
	"replistock/internal/store/leveldb"
	"replistock/internal/store/memory"
	"replistock/internal/store/postgres"
	"replistock/internal/store/sqlite"
)

// runtime is one replica wired from configuration: its store, the
// replication channel over the chosen broadcast medium, and the service.
type runtime struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *store.Store
	channel *replication.Channel
	service *service.Service
	closers []func() error
}

func loadConfig(opts *RootOptions) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func bootstrap(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.store = st
	logger.Info("store opened", zap.String("driver", cfg.StoreDriver))

	medium := rt.openBroadcast(ctx)
	rt.channel = replication.NewChannel(st, replication.NewApplier(st, logger), replication.Options{
		ReplicaID:      cfg.ReplicaID,
		Broadcast:      medium,
		Dialer:         relay.NewDialer(logger),
		ConnectTimeout: cfg.ConnectTimeout(),
		ConnectRetries: cfg.ConnectRetries,
		Logger:         logger,
	})
	// Close order: channel, broadcast medium, store.
	rt.closers = append([]func() error{rt.channel.Close}, rt.closers...)
	rt.closers = append(rt.closers, st.Close)

	rt.service = service.New(st, rt.channel, logger)
	return rt, nil
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverLevelDB:
		if err := ensureParent(cfg.StorePath); err != nil {
			return nil, err
		}
		b, err := leveldb.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return store.New(b), nil
	case config.DriverSQLite:
		if err := ensureParent(cfg.StorePath); err != nil {
			return nil, err
		}
		b, err := sqlite.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return store.New(b), nil
	case config.DriverPostgres:
		b, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.New(b), nil
	}
	return nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "create %s", dir)
}

// openBroadcast prefers Redis when configured and reachable, otherwise the
// replica broadcasts in-process only.
func (rt *runtime) openBroadcast(ctx context.Context) replication.PeerTransport {
	if rt.cfg.RedisAddr == "" {
		rt.logger.Info("broadcast: in-process")
		return replication.NewBus()
	}

	rdb := broadcast.NewRedis(broadcast.Options{
		Addr:     rt.cfg.RedisAddr,
		Password: rt.cfg.RedisPassword,
		DB:       rt.cfg.RedisDB,
		Prefix:   rt.cfg.BroadcastPrefix,
		Logger:   rt.logger,
	})
	if err := rdb.Ping(ctx); err != nil {
		rt.logger.Warn("redis unavailable, broadcasting in-process", zap.Error(err))
		_ = rdb.Close()
		return replication.NewBus()
	}
	if err := rdb.Listen(ctx); err != nil {
		rt.logger.Warn("redis subscribe failed, broadcasting in-process", zap.Error(err))
		_ = rdb.Close()
		return replication.NewBus()
	}
	rt.closers = append(rt.closers, rdb.Close)
	rt.logger.Info("broadcast: redis", zap.String("addr", rt.cfg.RedisAddr))
	return rdb
}

// startSync reconnects to the persisted relay address. The configured relay
// is only a default for a replica whose address was never written; one that
// was torn down stays local-only.
func (rt *runtime) startSync(ctx context.Context) error {
	if err := rt.channel.Resume(ctx); err != nil {
		return err
	}
	if rt.cfg.RelayAddress == "" {
		return nil
	}

	var written bool
	err := rt.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		_, written, err = tx.LookupSetting(store.SettingRelayAddress)
		return err
	})
	if err != nil || written {
		return err
	}
	return rt.channel.Configure(ctx, rt.cfg.RelayAddress)
}

func (rt *runtime) Close() {
	for _, closeFn := range rt.closers {
		if err := closeFn(); err != nil {
			rt.logger.Warn("close error", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}
