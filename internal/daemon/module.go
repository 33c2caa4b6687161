package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatmirror/internal/archive"
	"github.com/matheus3301/chatmirror/internal/bus"
	"github.com/matheus3301/chatmirror/internal/chatindex"
	"github.com/matheus3301/chatmirror/internal/config"
	"github.com/matheus3301/chatmirror/internal/identity"
	"github.com/matheus3301/chatmirror/internal/lock"
	"github.com/matheus3301/chatmirror/internal/logging"
	"github.com/matheus3301/chatmirror/internal/remote"
	"github.com/matheus3301/chatmirror/internal/session"
	"github.com/matheus3301/chatmirror/internal/status"
	"github.com/matheus3301/chatmirror/internal/store"
	"github.com/matheus3301/chatmirror/internal/store/imapstore"
	"github.com/matheus3301/chatmirror/internal/store/memory"
	intsync "github.com/matheus3301/chatmirror/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

func (p Params) contexts() []archive.Context {
	return p.Config.ArchiveContexts()
}

func (p Params) dumpDir() string {
	if p.Config.Source.DumpDir != "" {
		return p.Config.Source.DumpDir
	}
	return session.SourceDir(p.SessionName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStores,
			provideLockManager,
			provideIdentityRegistry,
			providePersister,
			provideChatIndex,
			provideSource,
			provideRegistry,
			provideReconciler,
			provideSweeper,
			providePushHandler,
			provideWatcher,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, logging.WithDebug(p.Debug))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

// provideLock takes the session lock. Its stop hook is registered first, so
// the lock is released after everything else has shut down.
func provideLock(p Params, lc fx.Lifecycle, logger *zap.Logger) (*lock.SessionLock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.AcquireSession(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		if err := l.Release(); err != nil {
			logger.Warn("error releasing lock", zap.Error(err))
		}
		return nil
	}})
	return l, nil
}

// Stores splits the configured backend into the three store roles.
type Stores struct {
	fx.Out

	Containers  store.ContainerStore
	Identities  store.IdentityStore
	Checkpoints store.CheckpointStore
}

// provideStores opens the archive backend. The session lock is taken first so
// two daemons never open the same archive.
func provideStores(p Params, lc fx.Lifecycle, _ *lock.SessionLock, logger *zap.Logger) (Stores, error) {
	backend := p.Config.Archive.Backend
	if backend == config.BackendMemory {
		logger.Warn("memory backend selected, nothing will survive a restart")
		m := memory.New()
		return Stores{Containers: m, Identities: m, Checkpoints: m}, nil
	}

	db, err := openDB(p, logger)
	if err != nil {
		return Stores{}, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return db.Close() }})
	if backend == config.BackendSQLite {
		return Stores{Containers: db, Identities: db, Checkpoints: db}, nil
	}

	imapCfg := p.Config.IMAP
	mailbox, err := imapstore.Dial(imapstore.Options{
		Address:  imapCfg.Address,
		Username: imapCfg.Username,
		Password: imapCfg.Password,
		TLS:      imapCfg.TLS,
		Root:     imapCfg.Root,
	}, logger.Named("imap"))
	if err != nil {
		_ = db.Close()
		return Stores{}, fmt.Errorf("connect imap store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return mailbox.Close() }})
	logger.Info("imap store connected", zap.String("address", imapCfg.Address))
	return Stores{Containers: mailbox, Identities: db, Checkpoints: db}, nil
}

func openDB(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ArchiveDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	schema, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if schema.Changed() {
		logger.Info("migrations applied", zap.Uint("from", schema.From), zap.Uint("to", schema.To))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", schema.To))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideLockManager() *lock.Manager {
	return lock.NewManager()
}

func provideIdentityRegistry(b *bus.Bus, logger *zap.Logger) *identity.Registry {
	return identity.NewRegistry(b, logger.Named("identity"))
}

func providePersister(reg *identity.Registry, st store.IdentityStore, logger *zap.Logger) *identity.Persister {
	return identity.NewPersister(reg, st, logger.Named("identity"))
}

func provideChatIndex(st store.ContainerStore, b *bus.Bus, logger *zap.Logger) *chatindex.Index {
	return chatindex.New(st, b, logger.Named("index"))
}

func provideSource(p Params, logger *zap.Logger) intsync.ChatSource {
	return remote.NewDumpSource(p.dumpDir(), logger.Named("source"))
}

func provideRegistry(p Params, src intsync.ChatSource, st store.ContainerStore, ix *chatindex.Index, locks *lock.Manager, ids *identity.Registry, b *bus.Bus, logger *zap.Logger) *intsync.Registry {
	return intsync.NewRegistry(intsync.Deps{
		Source:      src,
		Store:       st,
		Index:       ix,
		Locks:       locks,
		Identities:  ids,
		Bus:         b,
		Logger:      logger.Named("sync"),
		LockTimeout: p.Config.Archive.LockTimeout.Std(),
	})
}

func provideReconciler(st store.CheckpointStore, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(st, logger.Named("sync"))
}

func provideSweeper(p Params, reg *intsync.Registry, recon *intsync.Reconciler, m *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Sweeper {
	return intsync.NewSweeper(reg, recon, m, b, logger.Named("sweeper"), intsync.SweeperOptions{
		Contexts:        p.contexts(),
		Workers:         p.Config.Archive.Workers,
		Interval:        p.Config.Archive.SweepInterval.Std(),
		ResolveInterval: p.Config.Archive.ResolveInterval.Std(),
	})
}

func providePushHandler(reg *intsync.Registry, sw *intsync.Sweeper, b *bus.Bus, logger *zap.Logger) *intsync.PushHandler {
	return intsync.NewPushHandler(reg, sw, b, logger.Named("push"))
}

func provideWatcher(p Params, b *bus.Bus, logger *zap.Logger) *remote.Watcher {
	return remote.NewWatcher(p.dumpDir(), p.contexts(), b, logger.Named("push"))
}

type components struct {
	fx.In

	Params    Params
	Server    *Server
	Index     *chatindex.Index
	Persister *identity.Persister
	Sweeper   *intsync.Sweeper
	Push      *intsync.PushHandler
	Watcher   *remote.Watcher
	Machine   *status.Machine
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	logger := c.Logger
	contexts := c.Params.contexts()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			fail := func(err error) error {
				_ = c.Machine.Move(status.Error, err)
				return err
			}
			if err := c.Index.EnsureContainers(ctx, contexts); err != nil {
				return fail(err)
			}
			if err := c.Persister.Load(ctx, contexts); err != nil {
				return fail(err)
			}

			// Consumers subscribe before anything can publish.
			c.Persister.Start(context.Background())
			c.Index.Start(context.Background())
			c.Push.Start(context.Background())
			if err := c.Watcher.Start(context.Background()); err != nil {
				return fail(err)
			}

			c.Server.Watch(context.Background())
			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			c.Sweeper.Start(context.Background())
			logger.Info("daemon started", zap.Int("contexts", len(contexts)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Sweeper.Stop()
			c.Watcher.Stop()
			c.Push.Stop()
			c.Index.Stop()
			c.Persister.Stop()
			c.Server.Stop(ctx)
			logger.Info("daemon stopped")
			return nil
		},
	})
}
