package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vaultive/docstore/internal/platform/logger"
)

// BackfillConfig configures a bulk table rewrite. Runner, Table and IDKind
// are required; Codec defaults to JSONCodec, FetchSize and BatchSize to
// sensible small windows.
type BackfillConfig[T any] struct {
	Runner *TxRunner
	Table  string
	IDKind IDKind
	Codec  Codec[T]
	// FetchSize bounds how many rows are held in memory per cursor fetch.
	FetchSize int
	// BatchSize is the number of rewrites sent per batched round trip.
	BatchSize int
	Log       *logger.Logger
}

type backfillRow[T any] struct {
	id  ID
	rec Record[T]
}

// Backfill locks the table, streams every row through a bounded cursor and
// rewrites each payload through transform, all inside one transaction. Each
// rewritten row advances its version and refreshes modified_at. Used for
// one-off startup backfills; returns the number of rows rewritten.
func Backfill[T any](ctx context.Context, cfg BackfillConfig[T], transform func(id ID, rec Record[T]) (T, error)) (int, error) {
	const op = "backfill"
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec[T]{}
	}
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultChunkSize
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	log := cfg.Log.With("component", "Backfill", "table", cfg.Table)

	updateSQL := fmt.Sprintf(
		`UPDATE %s SET data = $1, version = $2, modified_at = $3 WHERE id = $4`,
		cfg.Table,
	)

	rewritten := 0
	err := cfg.Runner.Transactional(ctx, func(ctx context.Context) error {
		q, ok := cfg.Runner.Handle(ctx)
		if !ok {
			return NewError(CodeUnknown, op, "no transaction handle", nil)
		}

		if _, err := q.Exec(ctx, fmt.Sprintf(`LOCK TABLE %s IN EXCLUSIVE MODE`, cfg.Table)); err != nil {
			return Classify(op, err)
		}
		declare := fmt.Sprintf(
			`DECLARE docstore_backfill NO SCROLL CURSOR FOR SELECT id, data, version, created_at, modified_at FROM %s`,
			cfg.Table,
		)
		if _, err := q.Exec(ctx, declare); err != nil {
			return Classify(op, err)
		}

		fetch := fmt.Sprintf(`FETCH %d FROM docstore_backfill`, cfg.FetchSize)
		now := time.Now().UTC()
		for {
			window, err := fetchWindow(ctx, q, fetch, cfg.IDKind, cfg.Codec)
			if err != nil {
				return err
			}
			if len(window) == 0 {
				break
			}
			for start := 0; start < len(window); start += cfg.BatchSize {
				end := min(start+cfg.BatchSize, len(window))
				batch := &pgx.Batch{}
				for _, row := range window[start:end] {
					next, err := transform(row.id, row.rec)
					if err != nil {
						return NewError(CodeUnknown, op, fmt.Sprintf("transform id %s", row.id), err)
					}
					data, err := cfg.Codec.Encode(next)
					if err != nil {
						return NewError(CodeUnknown, op, "encode payload", err)
					}
					batch.Queue(updateSQL, data, int64(row.rec.Version.Next()), now, row.id.Value())
				}
				if err := flushBatch(ctx, q, op, batch); err != nil {
					return err
				}
				rewritten += end - start
			}
		}

		if _, err := q.Exec(ctx, `CLOSE docstore_backfill`); err != nil {
			return Classify(op, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Info("backfill finished", "rows", rewritten)
	return rewritten, nil
}

// fetchWindow reads one cursor window fully before returning, so the handle
// is free for the rewrite statements that follow.
func fetchWindow[T any](ctx context.Context, q Querier, fetch string, kind IDKind, codec Codec[T]) ([]backfillRow[T], error) {
	const op = "backfill.fetch"
	rows, err := q.Query(ctx, fetch)
	if err != nil {
		return nil, Classify(op, err)
	}
	defer rows.Close()

	var window []backfillRow[T]
	for rows.Next() {
		dest, buildID, err := idScanDest(kind)
		if err != nil {
			return nil, NewError(CodeUnknown, op, err.Error(), err)
		}
		var (
			data     string
			version  int64
			created  time.Time
			modified time.Time
		)
		if err := rows.Scan(dest, &data, &version, &created, &modified); err != nil {
			return nil, Classify(op, err)
		}
		entity, err := codec.Decode(data)
		if err != nil {
			return nil, NewError(CodeUnknown, op, "decode payload", err)
		}
		window = append(window, backfillRow[T]{
			id: buildID(),
			rec: Record[T]{
				Data:       entity,
				Version:    Version(version),
				CreatedAt:  created,
				ModifiedAt: modified,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(op, err)
	}
	return window, nil
}

func flushBatch(ctx context.Context, q Querier, op string, batch *pgx.Batch) error {
	br := q.SendBatch(ctx, batch)
	var execErr error
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			execErr = Classify(op, err)
			break
		}
	}
	if closeErr := br.Close(); execErr == nil && closeErr != nil {
		execErr = Classify(op, closeErr)
	}
	return execErr
}
