// Package db owns construction of the shared Postgres connection pool.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaultive/docstore/internal/platform/envutil"
	"github.com/vaultive/docstore/internal/platform/logger"
)

type Service struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func NewService(ctx context.Context, logg *logger.Logger) (*Service, error) {
	serviceLog := logg.With("service", "PostgresService")

	host := envutil.String("POSTGRES_HOST", "localhost")
	port := envutil.String("POSTGRES_PORT", "5432")
	user := envutil.String("POSTGRES_USER", "postgres")
	password := envutil.String("POSTGRES_PASSWORD", "")
	name := envutil.String("POSTGRES_NAME", "docstore")
	maxConns := envutil.Int("POSTGRES_POOL_SIZE", 8)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=%d",
		user, password, host, port, name, maxConns,
	)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}
	serviceLog.Info("Connected to Postgres", "host", host, "database", name, "pool_size", maxConns)

	return &Service{pool: pool, log: serviceLog}, nil
}

func (s *Service) Pool() *pgxpool.Pool { return s.pool }

// Capacity is the maximum number of physical connections the pool will open.
// The connection access gate must be sized to this value.
func (s *Service) Capacity() int64 { return int64(s.pool.Config().MaxConns) }

func (s *Service) Close() {
	s.pool.Close()
	s.log.Info("Postgres pool closed")
}
