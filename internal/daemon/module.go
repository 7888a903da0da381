package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"marketchat/internal/bus"
	"marketchat/internal/config"
	"marketchat/internal/creds"
	"marketchat/internal/lock"
	"marketchat/internal/logging"
	"marketchat/internal/outbox"
	"marketchat/internal/rest"
	"marketchat/internal/session"
	"marketchat/internal/socket"
	"marketchat/internal/status"
	"marketchat/internal/store"
	intsync "marketchat/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCreds,
			provideRESTClient,
			provideOutbox,
			provideConversationStore,
			provideActiveChatIndex,
			provideSocketManager,
			provideSyncEngine,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("no config file, using defaults")
		return config.Default()
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCreds(p Params) (*creds.Store, error) {
	return creds.NewStore(session.TokensPath(p.SessionName))
}

func provideRESTClient(cfg *config.Config, cr *creds.Store) *rest.Client {
	return rest.NewClient(cfg.APIBaseURL, cr)
}

func provideOutbox(p Params, logger *zap.Logger) (*outbox.DB, error) {
	dbPath := session.OutboxDBPath(p.SessionName)
	db, err := outbox.Open(dbPath)
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
	logger.Info("outbox initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConversationStore() *store.ConversationStore {
	return store.NewConversationStore()
}

func provideActiveChatIndex() *store.ActiveChatIndex {
	return store.NewActiveChatIndex()
}

func provideSocketManager(cfg *config.Config, cr *creds.Store, client *rest.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *socket.Manager {
	return socket.NewManager(cfg.SocketEndpoint(), cr, client, b, machine, cfg.ConnectTimeout(), logger)
}

func provideSyncEngine(conversations *store.ConversationStore, index *store.ActiveChatIndex, client *rest.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(conversations, index, client, b, machine, logger)
}

func provideSender(db *outbox.DB, manager *socket.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, manager, b, logger)
}

// authAPI is the sign-in surface used during startup.
type authAPI interface {
	SignIn(ctx context.Context, email, password string) (creds.Profile, creds.Tokens, error)
}

// ensureAuthenticated reports whether the session holds usable credentials,
// signing in with MARKETCHAT_EMAIL/MARKETCHAT_PASSWORD when the store is
// empty and they are set.
func ensureAuthenticated(ctx context.Context, cr *creds.Store, client authAPI, logger *zap.Logger) bool {
	if cr.Authenticated() {
		return true
	}

	email := os.Getenv("MARKETCHAT_EMAIL")
	password := os.Getenv("MARKETCHAT_PASSWORD")
	if email == "" || password == "" {
		logger.Info("no credentials found, sign-in required")
		return false
	}

	profile, tokens, err := client.SignIn(ctx, email, password)
	if err != nil {
		logger.Error("sign-in failed", zap.Error(err))
		return false
	}
	if err := cr.SetProfile(profile); err != nil {
		logger.Error("persist profile", zap.Error(err))
	}
	if err := cr.SetTokens(tokens); err != nil {
		logger.Error("persist tokens", zap.Error(err))
	}
	logger.Info("signed in", zap.String("email", profile.Email))
	return true
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, cr *creds.Store, client *rest.Client, db *outbox.DB, manager *socket.Manager, engine *intsync.Engine, sender *outbox.Sender, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			// Sends interrupted by a previous crash go back in the queue.
			if n, err := db.RequeueStalled(5 * time.Minute); err != nil {
				logger.Warn("requeue stalled sends", zap.Error(err))
			} else if n > 0 {
				logger.Info("requeued stalled sends", zap.Int64("count", n))
			}

			// Start background workers (subscribe to bus events).
			engine.Start(context.Background())
			sender.Start(context.Background())

			if !ensureAuthenticated(startCtx, cr, client, logger) {
				_ = machine.Transition(status.AuthRequired)
				return nil
			}

			_ = machine.Transition(status.Connecting)
			go func() {
				if err := manager.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			sender.Stop()
			engine.Stop()
			manager.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing outbox", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
