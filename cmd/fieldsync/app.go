package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfield/fieldsync/internal/config"
	"github.com/openfield/fieldsync/internal/fieldsync/db"
	"github.com/openfield/fieldsync/internal/fieldsync/dispatch"
	"github.com/openfield/fieldsync/internal/fieldsync/identity"
	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/remote/dirremote"
	"github.com/openfield/fieldsync/internal/fieldsync/remote/httpremote"
	"github.com/openfield/fieldsync/internal/fieldsync/remote/pgremote"
	"github.com/openfield/fieldsync/internal/fieldsync/repository"
	"github.com/openfield/fieldsync/internal/fieldsync/retry"
	"github.com/openfield/fieldsync/internal/fieldsync/sync"
)

// app holds the components a command needs. Every field is built lazily by
// the matching open method and released by close.
type app struct {
	local      *db.DB
	store      remote.Store
	closeStore func() error
	syncer     *sync.Syncer
	dispatcher *dispatch.Dispatcher
	repo       *repository.Repository
}

func (a *app) close() {
	if a.dispatcher != nil {
		_ = a.dispatcher.Stop()
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			logger.Warn().Err(err).Msg("failed to close remote store")
		}
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close local database")
		}
	}
}

// openLocal opens the local database, creating its directory and schema.
func (a *app) openLocal(ctx context.Context) (*db.DB, error) {
	if a.local != nil {
		return a.local, nil
	}
	policy, err := db.ParseMergePolicy(cfg.Local.MergePolicy)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Local.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	local, err := db.OpenWithOptions(cfg.Local.Path, db.Options{MergePolicy: policy, Logger: &logger})
	if err != nil {
		return nil, err
	}
	if err := local.InitSchemaContext(ctx); err != nil {
		_ = local.Close()
		return nil, err
	}
	a.local = local
	return local, nil
}

// openRawStore connects to the configured remote backend without error
// interception.
func (a *app) openRawStore(ctx context.Context) (remote.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	switch cfg.Remote.Kind {
	case config.RemoteMemory:
		a.store = remote.NewMemory(&logger)
	case config.RemoteDir:
		s, err := dirremote.New(cfg.Remote.Dir, dirremote.Options{Logger: &logger})
		if err != nil {
			return nil, err
		}
		a.store = s
	case config.RemotePostgres:
		s, err := pgremote.Open(ctx, cfg.Remote.DSN, pgremote.Options{Logger: &logger})
		if err != nil {
			return nil, err
		}
		a.store, a.closeStore = s, s.Close
	case config.RemoteHTTP:
		s, err := httpremote.New(cfg.Remote.URL, httpremote.Options{Logger: &logger})
		if err != nil {
			return nil, err
		}
		a.store = s
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
	}
	return a.store, nil
}

// openStore returns the remote store with classified errors intercepted as
// configured by classifier.intercept.
func (a *app) openStore(ctx context.Context) (remote.Store, error) {
	raw, err := a.openRawStore(ctx)
	if err != nil {
		return nil, err
	}
	table, err := cfg.InterceptCodes()
	if err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return raw, nil
	}
	return remote.Intercept(raw, table, &logger), nil
}

func (a *app) openSyncer(ctx context.Context) (*sync.Syncer, error) {
	if a.syncer != nil {
		return a.syncer, nil
	}
	local, err := a.openLocal(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.syncer = sync.New(local, store, &sync.Config{
		Backoff: retry.NewExponentialBackoff(cfg.Dispatch.InitialBackoff, cfg.Dispatch.MaxBackoff),
		Logger:  &logger,
	})
	return a.syncer, nil
}

func (a *app) users() (identity.Provider, error) {
	users, err := identity.NewStatic(cfg.User.User())
	if err != nil {
		return nil, fmt.Errorf("%w (set user.id in the config file or FIELDSYNC_USER_ID)", err)
	}
	return users, nil
}

// openDispatcher builds the dispatcher. reg receives its metrics; nil
// leaves them unregistered.
func (a *app) openDispatcher(ctx context.Context, reg prometheus.Registerer) (*dispatch.Dispatcher, error) {
	if a.dispatcher != nil {
		return a.dispatcher, nil
	}
	local, err := a.openLocal(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	users, err := a.users()
	if err != nil {
		return nil, err
	}
	d, err := dispatch.New(local, store, users, &dispatch.Config{
		MaxRetries:   cfg.Dispatch.MaxRetries,
		Backoff:      retry.NewExponentialBackoff(cfg.Dispatch.InitialBackoff, cfg.Dispatch.MaxBackoff),
		PollInterval: cfg.Dispatch.PollInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
		Concurrency:  cfg.Dispatch.Concurrency,
		Metrics:      dispatch.NewMetrics(reg),
		Logger:       &logger,
	})
	if err != nil {
		return nil, err
	}
	a.dispatcher = d
	return d, nil
}

// openRepository builds the repository. Edits are queued and picked up by
// the daemon; the dispatcher here only records which keys have work.
func (a *app) openRepository(ctx context.Context) (*repository.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	local, err := a.openLocal(ctx)
	if err != nil {
		return nil, err
	}
	syncer, err := a.openSyncer(ctx)
	if err != nil {
		return nil, err
	}
	d, err := a.openDispatcher(ctx, nil)
	if err != nil {
		return nil, err
	}
	users, err := a.users()
	if err != nil {
		return nil, err
	}
	repo, err := repository.New(local, syncer, d, users, &repository.Config{
		RefreshTimeout: cfg.Refresh.Timeout,
		Logger:         &logger,
	})
	if err != nil {
		return nil, err
	}
	a.repo = repo
	return repo, nil
}
