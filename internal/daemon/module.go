package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/sectorsync/internal/api"
	"github.com/matheus3301/sectorsync/internal/auth"
	"github.com/matheus3301/sectorsync/internal/bus"
	"github.com/matheus3301/sectorsync/internal/config"
	"github.com/matheus3301/sectorsync/internal/crm"
	"github.com/matheus3301/sectorsync/internal/engine"
	"github.com/matheus3301/sectorsync/internal/lock"
	"github.com/matheus3301/sectorsync/internal/logging"
	"github.com/matheus3301/sectorsync/internal/session"
	"github.com/matheus3301/sectorsync/internal/status"
	"github.com/matheus3301/sectorsync/internal/store"
	"github.com/matheus3301/sectorsync/internal/transport"
	"github.com/matheus3301/sectorsync/internal/unread"
)

const outboxRetention = 7 * 24 * time.Hour

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile     string
	SocketPath  string // optional override for testing; empty = use default
	LogLevel    zapcore.Level
	AutoConnect bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideProfile,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredentials,
			provideCRM,
			provideTransport,
			provideEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, p.LogLevel)
}

func provideProfile(p Params) (*config.Profile, error) {
	return config.LoadProfile(session.ProfilePath(p.Profile))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the cache is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CachePath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	if n, err := db.PruneOutbox(time.Now().Add(-outboxRetention)); err != nil {
		logger.Warn("outbox prune failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("pruned confirmed outbox entries", zap.Int64("count", n))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(p Params) *auth.Provider {
	return auth.NewProvider(session.ProfilePath(p.Profile))
}

func provideCRM(prof *config.Profile, creds *auth.Provider) *crm.Client {
	return crm.New(prof.Server.BaseURL, creds, crm.WithTimeout(prof.Sync.SendTimeout.Duration))
}

func provideTransport(prof *config.Profile, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(&transport.WebsocketDialer{URL: prof.Server.WSURL}, m, b, logger.Named("transport"))
}

func provideEngine(prof *config.Profile, tr *transport.Manager, client *crm.Client, creds *auth.Provider, db *store.DB, b *bus.Bus, logger *zap.Logger) (*engine.Engine, error) {
	convention, err := unread.ParseConvention(prof.Unread.StatusMeans)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		Debounce:         prof.Sync.Debounce.Duration,
		PageSize:         prof.Sync.PageSize,
		ReconcileWindow:  prof.Sync.ReconcileWindow.Duration,
		SendTimeout:      prof.Sync.SendTimeout.Duration,
		Convention:       convention,
		StaleDeltaWindow: prof.Unread.StaleDeltaWindow.Duration,
	}, tr, client, creds, db, b, logger.Named("engine")), nil
}

func provideService(p Params, e *engine.Engine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(e, b, p.Profile, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, db *store.DB, e *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := e.Start(); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if p.AutoConnect {
				go func() {
					if err := e.Connect(context.Background()); err != nil {
						logger.Warn("auto-connect failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			_ = e.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
