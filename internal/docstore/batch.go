package docstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vaultive/docstore/internal/platform/logger"
)

// DefaultChunkSize keeps batched round trips small; payloads are
// serialization-heavy.
const DefaultChunkSize = 50

// Item is one entity for batched creation.
type Item[T any] struct {
	ID     ID
	Entity T
}

// VersionedItem is one entity for batched conditional update.
type VersionedItem[T any] struct {
	ID       ID
	Entity   T
	Previous Version
}

// Deletion is one row for batched conditional delete.
type Deletion struct {
	ID       ID
	Previous Version
}

type BatcherOption func(*batcherOptions)

type batcherOptions struct {
	chunkSize int
	onChunk   func(counts []int64, offset int)
}

func WithChunkSize(n int) BatcherOption {
	return func(o *batcherOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithChunkReport registers a callback receiving the per-item affected-row
// counts of each chunk and the chunk's starting index in the input. Callers
// use it to spot unaffected items; a zero count inside a batch never raises
// a conflict here, unlike the single-row path.
func WithChunkReport(fn func(counts []int64, offset int)) BatcherOption {
	return func(o *batcherOptions) { o.onChunk = fn }
}

// Batcher executes chunked multi-row mutations against a repository's table.
// Inside an ambient transaction all chunks share it, so a failure after some
// chunks were sent rolls back every chunk. With no ambient transaction each
// chunk commits independently as it completes; callers needing cross-chunk
// atomicity wrap the call in Transactional.
type Batcher[T any] struct {
	repo *Repository[T]
	opts batcherOptions
	log  *logger.Logger
}

func NewBatcher[T any](repo *Repository[T], opts ...BatcherOption) *Batcher[T] {
	o := batcherOptions{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Batcher[T]{repo: repo, opts: o, log: repo.log.With("component", "Batcher")}
}

// CreateAll inserts items in chunks at the initial version.
func (b *Batcher[T]) CreateAll(ctx context.Context, items []Item[T]) error {
	const op = "batch.create"
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return b.run(ctx, op, len(items), func(batch *pgx.Batch, i int) error {
		it := items[i]
		if err := b.repo.checkKind(op, it.ID); err != nil {
			return err
		}
		data, err := b.repo.codec.Encode(it.Entity)
		if err != nil {
			return NewError(CodeUnknown, op, "encode payload", err)
		}
		batch.Queue(b.repo.insertSQL, it.ID.Value(), int64(InitialVersion), data, now)
		return nil
	})
}

// UpdateAll applies conditional updates in chunks. Items whose stored version
// no longer matches are skipped by the database; their zero counts surface
// only through the chunk report.
func (b *Batcher[T]) UpdateAll(ctx context.Context, items []VersionedItem[T]) error {
	const op = "batch.update"
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return b.run(ctx, op, len(items), func(batch *pgx.Batch, i int) error {
		it := items[i]
		if err := b.repo.checkKind(op, it.ID); err != nil {
			return err
		}
		data, err := b.repo.codec.Encode(it.Entity)
		if err != nil {
			return NewError(CodeUnknown, op, "encode payload", err)
		}
		batch.Queue(b.repo.batchUpdateSQL, data, int64(it.Previous.Next()), now, it.ID.Value(), int64(it.Previous))
		return nil
	})
}

// DeleteAll applies conditional deletes in chunks.
func (b *Batcher[T]) DeleteAll(ctx context.Context, dels []Deletion) error {
	const op = "batch.delete"
	if len(dels) == 0 {
		return nil
	}
	return b.run(ctx, op, len(dels), func(batch *pgx.Batch, i int) error {
		d := dels[i]
		if err := b.repo.checkKind(op, d.ID); err != nil {
			return err
		}
		batch.Queue(b.repo.deleteSQL, d.ID.Value(), int64(d.Previous))
		return nil
	})
}

func (b *Batcher[T]) run(ctx context.Context, op string, total int, build func(batch *pgx.Batch, i int) error) error {
	if q, ok := b.repo.runner.Handle(ctx); ok {
		for start := 0; start < total; start += b.opts.chunkSize {
			if err := b.execChunk(ctx, q, op, start, min(start+b.opts.chunkSize, total), build); err != nil {
				return err
			}
		}
		return nil
	}
	for start := 0; start < total; start += b.opts.chunkSize {
		end := min(start+b.opts.chunkSize, total)
		err := b.repo.gate.Acquire(ctx, func(ctx context.Context) error {
			return b.execChunk(ctx, b.repo.pool, op, start, end, build)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// execChunk sends one chunk as a single batched round trip and collects the
// per-item affected-row counts.
func (b *Batcher[T]) execChunk(ctx context.Context, q Querier, op string, start, end int, build func(batch *pgx.Batch, i int) error) error {
	batch := &pgx.Batch{}
	for i := start; i < end; i++ {
		if err := build(batch, i); err != nil {
			return err
		}
	}
	br := q.SendBatch(ctx, batch)
	counts := make([]int64, batch.Len())
	var execErr error
	for i := range counts {
		ct, err := br.Exec()
		if err != nil {
			execErr = Classify(op, err)
			break
		}
		counts[i] = ct.RowsAffected()
	}
	if closeErr := br.Close(); execErr == nil && closeErr != nil {
		execErr = Classify(op, closeErr)
	}
	if execErr != nil {
		return execErr
	}
	b.log.Debug("chunk executed", "offset", start, "size", end-start)
	if b.opts.onChunk != nil {
		b.opts.onChunk(counts, start)
	}
	return nil
}
