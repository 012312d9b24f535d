package daemon

import (
	"context"

	"github.com/pedrohba/converse/internal/api"
	"github.com/pedrohba/converse/internal/bus"
	"github.com/pedrohba/converse/internal/cache"
	"github.com/pedrohba/converse/internal/config"
	"github.com/pedrohba/converse/internal/draft"
	"github.com/pedrohba/converse/internal/gateway"
	"github.com/pedrohba/converse/internal/lock"
	"github.com/pedrohba/converse/internal/logging"
	"github.com/pedrohba/converse/internal/pipeline"
	"github.com/pedrohba/converse/internal/rest"
	"github.com/pedrohba/converse/internal/room"
	"github.com/pedrohba/converse/internal/session"
	"github.com/pedrohba/converse/internal/status"
	"github.com/pedrohba/converse/internal/store"
	intsync "github.com/pedrohba/converse/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
	SocketPath  string // optional override for testing; empty = use default
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
			provideStore,
			provideCache,
			provideDrafts,
			provideRESTClient,
			provideGateway,
			provideRooms,
			provideSyncEngine,
			providePipeline,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideCache() *cache.Cache {
	return cache.New()
}

func provideDrafts(db *store.DB, logger *zap.Logger) *draft.Store {
	drafts := draft.NewStore(db)
	saved, err := db.LoadDrafts()
	if err != nil {
		logger.Warn("failed to load persisted drafts", zap.Error(err))
		return drafts
	}
	drafts.Seed(saved)
	return drafts
}

func provideRESTClient(cfg *config.Config) (*rest.Client, error) {
	return rest.New(cfg.ServerURL, cfg.Token)
}

func provideGateway(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *gateway.Conn {
	return gateway.New(cfg.GatewayURL, cfg.Token, b, logger)
}

func provideRooms(gw *gateway.Conn, logger *zap.Logger) *room.Manager {
	return room.NewManager(gw, logger)
}

func provideSyncEngine(c *cache.Cache, db *store.DB, rooms *room.Manager, machine *status.Machine, client *rest.Client, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(c, db, rooms, machine, client, b, logger)
}

func providePipeline(c *cache.Cache, drafts *draft.Store, db *store.DB, client *rest.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *pipeline.Pipeline {
	return pipeline.New(c, drafts, db, client, b, machine, logger)
}

func provideHandler(c *cache.Cache, drafts *draft.Store, p *pipeline.Pipeline, e *intsync.Engine, rooms *room.Manager, machine *status.Machine, db *store.DB, client *rest.Client, logger *zap.Logger) *api.Handler {
	return api.NewHandler(c, drafts, p, e, rooms, machine, db, client, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, gw *gateway.Conn, engine *intsync.Engine, pl *pipeline.Pipeline, client *rest.Client, machine *status.Machine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Engine first so no gateway event is missed once dialing starts.
			engine.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Identity check and connect happen off the start path so a
			// slow server never blocks daemon boot.
			go func() {
				_ = machine.Transition(status.Connecting)
				me, err := client.Me(context.Background())
				if err != nil {
					if rest.IsUnauthorized(err) {
						logger.Warn("stored token rejected, auth required")
						_ = machine.Transition(status.AuthRequired)
						return
					}
					logger.Error("identity check failed", zap.Error(err))
					_ = machine.Transition(status.Error)
					return
				}
				logger.Info("authenticated", zap.String("user_id", me.ID))
				engine.SetLocalUser(me)
				pl.SetLocalUser(me)
				gw.Start(context.Background())
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			gw.Stop()
			engine.Stop()
			srv.Stop(ctx)
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
