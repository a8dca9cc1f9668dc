package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/medvall/campus/internal/api"
	"github.com/medvall/campus/internal/bus"
	"github.com/medvall/campus/internal/config"
	"github.com/medvall/campus/internal/lock"
	"github.com/medvall/campus/internal/logging"
	"github.com/medvall/campus/internal/notify"
	"github.com/medvall/campus/internal/outbox"
	"github.com/medvall/campus/internal/session"
	"github.com/medvall/campus/internal/status"
	"github.com/medvall/campus/internal/store"
	intsync "github.com/medvall/campus/internal/sync"
)

// EchoWindow bounds how far a server timestamp may drift from a local
// optimistic entry and still count as its echo.
const EchoWindow = 5 * time.Second

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	BaseURL string // optional override for testing; empty = use config/default
}

// Module returns the fx module for the background client, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideConfig,
			provideLock,
			provideStore,
			provideToken,
			provideClient,
			provideEngine,
			providePoller,
			provideRosterSync,
			providePipeline,
			provideNotifySyncer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	logger.Info("config loaded", zap.String("base_url", cfg.ResolvedBaseURL()))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.Profile)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideToken loads the stored bearer token. A missing or unreadable token
// is not fatal here; the lifecycle hook parks the client in AUTH_REQUIRED.
func provideToken(p Params, logger *zap.Logger) *session.Token {
	tok, err := session.LoadToken(p.Profile)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("token unreadable", zap.Error(err))
		}
		return nil
	}
	return tok
}

func provideClient(cfg *config.Config, tok *session.Token) *api.Client {
	opts := []api.Option{}
	if tok != nil {
		opts = append(opts, api.WithToken(tok.Raw))
	}
	return api.NewClient(cfg.ResolvedBaseURL(), opts...)
}

func provideEngine(db *store.DB, b *bus.Bus, logger *zap.Logger, tok *session.Token) *intsync.Engine {
	var selfID int64
	if tok != nil {
		selfID = tok.UserID
	}
	return intsync.NewEngine(db, b, logger, selfID, EchoWindow)
}

func providePoller(client *api.Client, engine *intsync.Engine, cfg *config.Config, logger *zap.Logger) *intsync.Poller {
	return intsync.NewPoller(client, engine, logger, cfg.HistoryPollInterval())
}

func provideRosterSync(db *store.DB, client *api.Client, b *bus.Bus, logger *zap.Logger, tok *session.Token) *intsync.RosterSync {
	var selfID int64
	if tok != nil {
		selfID = tok.UserID
	}
	return intsync.NewRosterSync(db, client, b, logger, selfID)
}

func providePipeline(db *store.DB, engine *intsync.Engine, client *api.Client, b *bus.Bus, logger *zap.Logger, tok *session.Token) *outbox.Pipeline {
	var selfID int64
	if tok != nil {
		selfID = tok.UserID
	}
	return outbox.NewPipeline(db, engine, client, b, logger, selfID)
}

func provideNotifySyncer(db *store.DB, client *api.Client, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *notify.Syncer {
	return notify.NewSyncer(db, client, b, logger, cfg.NotifyPollInterval())
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, tok *session.Token, machine *status.Machine, rosterSync *intsync.RosterSync, notifier *notify.Syncer, poller *intsync.Poller, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if tok == nil || tok.Expired() {
				logger.Info("no usable token, auth required")
				return machine.Transition(status.AuthRequired)
			}

			if err := machine.Transition(status.Syncing); err != nil {
				return err
			}
			go func() {
				ctx := context.Background()
				if err := rosterSync.Refresh(ctx); err != nil {
					logger.Warn("initial roster refresh failed", zap.Error(err))
					_ = machine.Transition(status.Degraded)
				} else {
					_ = machine.Transition(status.Ready)
				}
				notifier.Start(ctx)
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			poller.Stop()
			notifier.Stop()
			if machine.Current() != status.Stopped {
				_ = machine.Transition(status.Stopped)
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
