// Package graph maps typed nodes and relationships onto a storage engine and
// runs the transaction protocol around every change.
//
// Each write transaction records what it touched in a ModificationQueue.
// Before commit the queue runs inner callbacks until nothing changes any
// more, then validates every entity and stages index updates. After commit
// it runs the outer callbacks against a read-only view and notifies commit
// listeners. Validation failures roll the transaction back; outer callback
// failures are logged only.
//
// Example:
//
//	db, _ := graph.Open(storage.NewMemoryEngine(), graph.Options{Registry: reg})
//	defer db.Close()
//
//	err := db.Transact(ctx, graph.SuperUserContext(), func(tx *graph.Tx) error {
//		_, err := tx.CreateNode("Person", map[string]any{"name": "Alice"})
//		return err
//	})
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/graphobjects/pkg/logger"
	"github.com/orneryd/graphobjects/pkg/metrics"
	"github.com/orneryd/graphobjects/pkg/schema"
	"github.com/orneryd/graphobjects/pkg/storage"
	"github.com/orneryd/graphobjects/pkg/validation"
)

var (
	ErrClosed       = errors.New("database closed")
	ErrReadOnly     = errors.New("transaction is read-only")
	ErrRollbackOnly = errors.New("transaction was marked rollback-only")
)

// Options configures a Database.
type Options struct {
	// Registry is the schema. Nil means a schema holding only the generic
	// node type.
	Registry *schema.Registry
	Hooks    *HookRegistry
	Logger   *slog.Logger

	MaxInnerCallbackPasses int
	SlowPhaseThreshold     time.Duration

	// Indexer receives the index updates of committed transactions.
	Indexer   Indexer
	Listeners []CommitListener
}

// Database runs graph transactions against an engine.
type Database struct {
	engine    storage.Engine
	registry  *schema.Registry
	hooks     *HookRegistry
	log       *slog.Logger
	queueOpts QueueOptions
	indexer   Indexer

	mu        sync.RWMutex
	listeners []CommitListener

	closed atomic.Bool
}

// Open returns a Database on engine. The database takes ownership of the
// engine and closes it on Close.
func Open(engine storage.Engine, opts Options) (*Database, error) {
	if engine == nil {
		return nil, errors.New("graph: nil storage engine")
	}
	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = schema.NewBuilder().Build(); err != nil {
			return nil, err
		}
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NewHookRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Database{
		engine:   engine,
		registry: reg,
		hooks:    hooks,
		log:      log.With(logger.Scope("graph")),
		queueOpts: QueueOptions{
			MaxInnerCallbackPasses: opts.MaxInnerCallbackPasses,
			SlowPhaseThreshold:     opts.SlowPhaseThreshold,
			Logger:                 log,
		},
		indexer:   opts.Indexer,
		listeners: append([]CommitListener(nil), opts.Listeners...),
	}, nil
}

func (db *Database) Registry() *schema.Registry { return db.registry }

func (db *Database) Hooks() *HookRegistry { return db.hooks }

func (db *Database) Engine() storage.Engine { return db.engine }

// AddListener subscribes l to committed change sets.
func (db *Database) AddListener(l CommitListener) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.listeners = append(db.listeners, l)
}

// Close closes the database and its engine.
func (db *Database) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	return db.engine.Close()
}

// Read runs fn in a read-only transaction.
func (db *Database) Read(ctx context.Context, sc *SecurityContext, fn func(tx *Tx) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := db.engine.Begin(false)
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer st.Rollback()
	return fn(newTx(ctx, db, st, sc, true))
}

// Transact runs fn in a write transaction and commits it when fn returns
// nil and every entity passes its callbacks and validation. Validation
// failures are returned as a *validation.FrameworkError with status 422.
func (db *Database) Transact(ctx context.Context, sc *SecurityContext, fn func(tx *Tx) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := db.engine.Begin(true)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := newTx(ctx, db, st, sc, false)
	defer tx.queue.Clear()

	committed := false
	outcome := metrics.OutcomeRolledBack
	defer func() {
		if !committed {
			if rbErr := st.Rollback(); rbErr != nil {
				tx.log.Warn("rollback failed", logger.Error(rbErr))
			}
		}
		metrics.Transactions.WithLabelValues(outcome).Inc()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if tx.rollbackOnly {
		return ErrRollbackOnly
	}

	buf := validation.NewErrorBuffer()
	valid, err := tx.queue.DoInnerCallbacks(tx.sc, buf)
	if err != nil {
		outcome = metrics.OutcomeFailed
		return validation.Wrap(http.StatusInternalServerError, "inner callbacks", err)
	}
	if !valid {
		outcome = metrics.OutcomeInvalid
		return validation.NewValidationError(buf)
	}
	if tx.rollbackOnly {
		return ErrRollbackOnly
	}

	batch := &IndexBatch{}
	if !tx.queue.DoValidation(tx.sc, buf, true, batch) {
		outcome = metrics.OutcomeInvalid
		return validation.NewValidationError(buf)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cs := buildChangeSet(tx.id, tx.sc, tx.queue)
	if err := st.Commit(); err != nil {
		outcome = metrics.OutcomeFailed
		return validation.Wrap(http.StatusInternalServerError, "commit failed", err)
	}
	committed = true
	outcome = metrics.OutcomeCommitted

	if err := batch.Apply(db.indexer); err != nil {
		tx.log.Warn("index update failed", logger.Error(err))
	}
	db.afterCommit(ctx, tx, cs)
	return nil
}

// afterCommit runs the outer callbacks on a read-only view of the committed
// state and then notifies listeners. Nothing here can fail the transaction.
func (db *Database) afterCommit(ctx context.Context, tx *Tx, cs *ChangeSet) {
	ro, err := db.engine.Begin(false)
	if err != nil {
		tx.log.Warn("outer callbacks skipped", logger.Error(err))
	} else {
		tx.rebind(ro, true)
		if err := tx.queue.DoOuterCallbacks(tx.sc); err != nil {
			tx.log.Debug("outer callbacks reported errors", logger.Error(err))
		}
		_ = ro.Rollback()
	}

	db.mu.RLock()
	listeners := append([]CommitListener(nil), db.listeners...)
	db.mu.RUnlock()
	for _, l := range listeners {
		if err := l.Committed(ctx, cs); err != nil {
			tx.log.Warn("commit listener failed", logger.Error(err))
		}
	}
}
