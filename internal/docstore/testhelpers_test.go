package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaultive/docstore/internal/platform/logger"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	poolOnce sync.Once
	testPool *pgxpool.Pool
	poolErr  error

	tableSeq atomic.Int64
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func testDB(tb testing.TB) *pgxpool.Pool {
	tb.Helper()

	poolOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			poolErr = errMissingDSN
			return
		}
		cfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			poolErr = err
			return
		}
		testPool, poolErr = pgxpool.NewWithConfig(context.Background(), cfg)
	})
	if errors.Is(poolErr, errMissingDSN) {
		tb.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	if poolErr != nil {
		tb.Fatalf("connect to test database: %v", poolErr)
	}
	return testPool
}

func testTable(tb testing.TB, pool *pgxpool.Pool, kind IDKind) string {
	tb.Helper()

	name := fmt.Sprintf("docstore_test_%d_%d", os.Getpid(), tableSeq.Add(1))
	ddl := fmt.Sprintf(
		`CREATE TABLE %s (id %s PRIMARY KEY, version bigint NOT NULL, data text NOT NULL, created_at timestamptz NOT NULL, modified_at timestamptz NOT NULL)`,
		name, kind.ColumnType(),
	)
	if _, err := pool.Exec(context.Background(), ddl); err != nil {
		tb.Fatalf("create table %s: %v", name, err)
	}
	tb.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+name)
	})
	return name
}

// testStack wires a gate, runner and repository over the shared test pool.
func testStack(tb testing.TB, kind IDKind) (*Repository[testDoc], *TxRunner, *pgxpool.Pool, string) {
	tb.Helper()

	pool := testDB(tb)
	table := testTable(tb, pool, kind)
	gate := NewGate(int64(pool.Config().MaxConns))
	runner := NewTxRunner(pool, gate, logger.Nop())
	repo := NewRepository(RepositoryConfig[testDoc]{
		Pool:   pool,
		Runner: runner,
		Gate:   gate,
		Table:  table,
		IDKind: kind,
		Log:    logger.Nop(),
	})
	return repo, runner, pool, table
}

func countRows(tb testing.TB, pool *pgxpool.Pool, table string) int64 {
	tb.Helper()

	var n int64
	if err := pool.QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		tb.Fatalf("count rows in %s: %v", table, err)
	}
	return n
}
