package docstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaultive/docstore/internal/platform/logger"
)

// Querier is the minimal statement surface the core needs from a handle.
// Both the pool and a live transaction satisfy it, so repository code is
// agnostic to whether an ambient transaction exists.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Runner owns transactional scoping. Two implementations exist: TxRunner,
// the real engine, and PassthroughRunner, a no-op selected by dependency
// injection so repositories can be exercised against a stubbed Querier.
type Runner interface {
	// Transactional runs fn inside a transaction scope, opening one if none
	// is ambient, otherwise nesting on the ambient handle.
	Transactional(ctx context.Context, fn func(ctx context.Context) error) error
	// NonTransactional suspends the ambient transaction and runs fn inside a
	// fresh, independently committed scope.
	NonTransactional(ctx context.Context, fn func(ctx context.Context) error) error
	// Handle resolves the ambient transaction handle, if any.
	Handle(ctx context.Context) (Querier, bool)
}

// txState is the ambient scope state, carried in context so it follows the
// logical call tree (including work launched with the derived context)
// rather than any particular OS thread.
type txState struct {
	tx    pgx.Tx
	depth int
}

type txStateKey struct{}

func withState(ctx context.Context, st *txState) context.Context {
	return context.WithValue(ctx, txStateKey{}, st)
}

func stateFrom(ctx context.Context) (*txState, bool) {
	st, ok := ctx.Value(txStateKey{}).(*txState)
	if !ok || st == nil {
		return nil, false
	}
	return st, true
}

// TxRunner is the real transactional engine over a pgx pool. A handle is
// exclusively owned by the logical unit holding it; statements from two
// logical units never interleave on one handle.
type TxRunner struct {
	pool *pgxpool.Pool
	gate *Gate
	log  *logger.Logger
}

func NewTxRunner(pool *pgxpool.Pool, gate *Gate, baseLog *logger.Logger) *TxRunner {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &TxRunner{pool: pool, gate: gate, log: baseLog.With("component", "TxRunner")}
}

// Transactional opens a transaction if none is ambient: a gate permit is
// acquired, a handle opened and BEGIN issued; on normal completion the
// outermost scope commits, on any error or panic it rolls back, and the
// handle and permit are released on every path before control leaves. Nested
// calls run fn on the same handle at depth+1 and never commit or roll back.
func (r *TxRunner) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	if st, ok := stateFrom(ctx); ok {
		return fn(withState(ctx, &txState{tx: st.tx, depth: st.depth + 1}))
	}

	return r.gate.Acquire(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return Classify("txn.begin", err)
		}
		committed := false
		defer func() {
			if committed {
				return
			}
			// Rollback must run even when ctx is already cancelled.
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				r.log.Warn("rollback failed", "error", rbErr)
			}
		}()

		if err := fn(withState(ctx, &txState{tx: tx, depth: 1})); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return Classify("txn.commit", err)
		}
		committed = true
		return nil
	})
}

// NonTransactional requires an ambient transaction, masks it, and runs fn
// inside a fresh Transactional scope with its own permit and handle. The
// inner outcome never affects the outer handle; an inner error propagates
// to the caller after the outer state is restored. The fresh scope holds a
// second permit while the outer one is suspended, so autonomous scopes need
// gate capacity of at least two.
func (r *TxRunner) NonTransactional(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := stateFrom(ctx); !ok {
		return NewError(CodeUnknown, "txn.autonomous", "no enclosing transaction to suspend", nil)
	}
	return r.Transactional(withState(ctx, nil), fn)
}

func (r *TxRunner) Handle(ctx context.Context) (Querier, bool) {
	st, ok := stateFrom(ctx)
	if !ok {
		return nil, false
	}
	return st.tx, true
}

// Depth reports the current nesting depth, zero outside any scope.
func (r *TxRunner) Depth(ctx context.Context) int {
	st, ok := stateFrom(ctx)
	if !ok {
		return 0
	}
	return st.depth
}

// PassthroughRunner executes blocks with no transaction semantics. It exists
// so repositories can be fully stubbed without a live connection.
type PassthroughRunner struct{}

func (PassthroughRunner) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (PassthroughRunner) NonTransactional(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (PassthroughRunner) Handle(ctx context.Context) (Querier, bool) { return nil, false }
