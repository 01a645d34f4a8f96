package main

import (
	"context"
	"os"

	"github.com/henrycorner-dev/localsync/internal/db"
	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/journal"
	"github.com/henrycorner-dev/localsync/internal/store"
	"github.com/henrycorner-dev/localsync/internal/sync"
)

// env is an opened database with the components built on it.
type env struct {
	db      *db.DB
	repo    *db.Repository
	journal *journal.Journal
	store   *store.Store
	engine  sync.SyncEngineInterface

	closeRemote func() error
}

// openDB opens and migrates the configured database.
func (a *app) openDB() (*db.DB, *db.Repository, error) {
	database, err := db.OpenAndMigrate(a.cfg.Database.Path)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}
	return database, db.NewRepository(database.DB), nil
}

// openEnv opens the database and, when withRemote is set, the configured
// remote. Without a remote the engine can still resolve conflicts and
// report status.
func (a *app) openEnv(ctx context.Context, withRemote bool) (*env, error) {
	database, repo, err := a.openDB()
	if err != nil {
		return nil, err
	}
	e := &env{db: database, repo: repo, closeRemote: func() error { return nil }}

	var remote sync.Remote
	if withRemote {
		remote, e.closeRemote, err = a.openRemote(ctx, a.cfg)
		if err != nil {
			e.close()
			return nil, err
		}
	}

	resolver, err := a.cfg.Resolver()
	if err != nil {
		e.close()
		return nil, err
	}

	e.journal = journal.New(repo)
	e.store = store.New(repo, e.journal)
	e.engine = sync.NewEngine(repo, e.store, e.journal, remote,
		sync.WithResolver(resolver),
		sync.WithRetryPolicy(a.cfg.RetryPolicy()),
	)
	return e, nil
}

func (e *env) close() {
	e.closeRemote()
	e.repo.Close()
	e.db.Close()
}

// requireFile fails with NOT_FOUND when path does not exist, so read-only
// commands never create an empty database.
func requireFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return apperrors.Newf(apperrors.ErrNotFound, "database %s does not exist", path)
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to stat database", err)
	}
	return nil
}
