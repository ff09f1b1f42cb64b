package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vaultive/docstore/internal/platform/logger"
)

// RepositoryConfig configures a Repository. Pool, Runner, Gate and Table are
// required; Codec defaults to JSONCodec and IDKind to UUID.
type RepositoryConfig[T any] struct {
	Pool   Querier
	Runner Runner
	Gate   *Gate
	Table  string
	IDKind IDKind
	Codec  Codec[T]
	Log    *logger.Logger
}

// Repository is the optimistic-concurrency CRUD core for one entity table.
// Every mutation runs inside the ambient transaction when one exists,
// otherwise inside its own implicit single-operation transaction.
type Repository[T any] struct {
	pool   Querier
	runner Runner
	gate   *Gate
	table  string
	kind   IDKind
	codec  Codec[T]
	log    *logger.Logger

	insertSQL      string
	selectSQL      string
	selectAnySQL   string
	updateSQL      string
	batchUpdateSQL string
	deleteSQL      string
}

func NewRepository[T any](cfg RepositoryConfig[T]) *Repository[T] {
	if cfg.IDKind == 0 {
		cfg.IDKind = IDKindUUID
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec[T]{}
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	if cfg.Gate == nil {
		cfg.Gate = NewGate(1)
	}
	return &Repository[T]{
		pool:   cfg.Pool,
		runner: cfg.Runner,
		gate:   cfg.Gate,
		table:  cfg.Table,
		kind:   cfg.IDKind,
		codec:  cfg.Codec,
		log:    cfg.Log.With("repo", cfg.Table),

		insertSQL: fmt.Sprintf(
			`INSERT INTO %s (id, version, data, created_at, modified_at) VALUES ($1, $2, $3, $4, $4)`,
			cfg.Table,
		),
		selectSQL: fmt.Sprintf(
			`SELECT data, version, created_at, modified_at FROM %s WHERE id = $1`,
			cfg.Table,
		),
		selectAnySQL: fmt.Sprintf(
			`SELECT id, data, version, created_at, modified_at FROM %s WHERE id = ANY($1)`,
			cfg.Table,
		),
		updateSQL: fmt.Sprintf(
			`UPDATE %s SET data = $1, version = $2, modified_at = $3 WHERE id = $4 AND version = $5 RETURNING created_at`,
			cfg.Table,
		),
		batchUpdateSQL: fmt.Sprintf(
			`UPDATE %s SET data = $1, version = $2, modified_at = $3 WHERE id = $4 AND version = $5`,
			cfg.Table,
		),
		deleteSQL: fmt.Sprintf(
			`DELETE FROM %s WHERE id = $1 AND version = $2`,
			cfg.Table,
		),
	}
}

func (r *Repository[T]) Table() string { return r.table }

func (r *Repository[T]) Kind() IDKind { return r.kind }

func (r *Repository[T]) checkKind(op string, id ID) error {
	if id.Kind() != r.kind {
		return NewError(CodeUnknown, op, fmt.Sprintf("id kind %s does not match repository kind %s", id.Kind(), r.kind), nil)
	}
	return nil
}

// write resolves the ambient handle, opening an implicit single-operation
// transaction when there is none. Under a PassthroughRunner no handle ever
// exists and statements go straight to the injected Querier.
func (r *Repository[T]) write(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	if q, ok := r.runner.Handle(ctx); ok {
		return fn(ctx, q)
	}
	return r.runner.Transactional(ctx, func(ctx context.Context) error {
		if q, ok := r.runner.Handle(ctx); ok {
			return fn(ctx, q)
		}
		return fn(ctx, r.pool)
	})
}

// read runs fn on the ambient handle if present, else on the pool holding a
// gate permit for the duration of the statement.
func (r *Repository[T]) read(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	if q, ok := r.runner.Handle(ctx); ok {
		return fn(ctx, q)
	}
	return r.gate.Acquire(ctx, func(ctx context.Context) error {
		return fn(ctx, r.pool)
	})
}

// Create inserts the entity at the initial version. A duplicate identifier
// reports a conflict.
func (r *Repository[T]) Create(ctx context.Context, id ID, entity T) (Record[T], error) {
	const op = "repository.create"
	var rec Record[T]
	if err := r.checkKind(op, id); err != nil {
		return rec, err
	}
	data, err := r.codec.Encode(entity)
	if err != nil {
		return rec, NewError(CodeUnknown, op, "encode payload", err)
	}
	now := time.Now().UTC()
	err = r.write(ctx, func(ctx context.Context, q Querier) error {
		if _, err := q.Exec(ctx, r.insertSQL, id.Value(), int64(InitialVersion), data, now); err != nil {
			return Classify(op, err)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	r.log.Debug("row created", "id", id.String())
	return Record[T]{Data: entity, Version: InitialVersion, CreatedAt: now, ModifiedAt: now}, nil
}

// Get returns the record for id, reporting absence via the second result.
func (r *Repository[T]) Get(ctx context.Context, id ID) (Record[T], bool, error) {
	return r.get(ctx, id, false)
}

// GetForUpdate is Get with a row-level exclusive lock held until the ambient
// transaction ends. Concurrent locked readers of the same id block until the
// holder's transaction finishes, serializing read-modify-write cycles.
// Outside a transaction the lock ends with the statement and protects
// nothing.
func (r *Repository[T]) GetForUpdate(ctx context.Context, id ID) (Record[T], bool, error) {
	return r.get(ctx, id, true)
}

func (r *Repository[T]) get(ctx context.Context, id ID, forUpdate bool) (Record[T], bool, error) {
	const op = "repository.get"
	var rec Record[T]
	if err := r.checkKind(op, id); err != nil {
		return rec, false, err
	}
	query := r.selectSQL
	if forUpdate {
		query += " FOR UPDATE"
	}
	found := false
	err := r.read(ctx, func(ctx context.Context, q Querier) error {
		var (
			data     string
			version  int64
			created  time.Time
			modified time.Time
		)
		if err := q.QueryRow(ctx, query, id.Value()).Scan(&data, &version, &created, &modified); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return Classify(op, err)
		}
		entity, err := r.codec.Decode(data)
		if err != nil {
			return NewError(CodeUnknown, op, "decode payload", err)
		}
		rec = Record[T]{Data: entity, Version: Version(version), CreatedAt: created, ModifiedAt: modified}
		found = true
		return nil
	})
	if err != nil {
		return Record[T]{}, false, err
	}
	return rec, found, nil
}

// GetOrError is Get that fails with a not-found error naming the table and
// id when the row is absent.
func (r *Repository[T]) GetOrError(ctx context.Context, id ID, forUpdate bool) (Record[T], error) {
	rec, found, err := r.get(ctx, id, forUpdate)
	if err != nil {
		return rec, err
	}
	if !found {
		return rec, NotFoundError("repository.get", r.table, id)
	}
	return rec, nil
}

// GetMany returns records for the ids that exist, keyed by id. Missing ids
// are silently omitted.
func (r *Repository[T]) GetMany(ctx context.Context, ids []ID) (map[ID]Record[T], error) {
	const op = "repository.get_many"
	out := make(map[ID]Record[T], len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	bound, err := idSlice(r.kind, ids)
	if err != nil {
		return nil, NewError(CodeUnknown, op, err.Error(), err)
	}
	err = r.read(ctx, func(ctx context.Context, q Querier) error {
		rows, err := q.Query(ctx, r.selectAnySQL, bound)
		if err != nil {
			return Classify(op, err)
		}
		defer rows.Close()
		for rows.Next() {
			id, rec, err := r.scanWithID(rows)
			if err != nil {
				return err
			}
			out[id] = rec
		}
		if err := rows.Err(); err != nil {
			return Classify(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository[T]) scanWithID(rows pgx.Rows) (ID, Record[T], error) {
	const op = "repository.get_many"
	dest, buildID, err := idScanDest(r.kind)
	if err != nil {
		return ID{}, Record[T]{}, NewError(CodeUnknown, op, err.Error(), err)
	}
	var (
		data     string
		version  int64
		created  time.Time
		modified time.Time
	)
	if err := rows.Scan(dest, &data, &version, &created, &modified); err != nil {
		return ID{}, Record[T]{}, Classify(op, err)
	}
	entity, err := r.codec.Decode(data)
	if err != nil {
		return ID{}, Record[T]{}, NewError(CodeUnknown, op, "decode payload", err)
	}
	return buildID(), Record[T]{Data: entity, Version: Version(version), CreatedAt: created, ModifiedAt: modified}, nil
}

// Update replaces the payload if the stored version still equals previous,
// advancing the version by one. Zero rows affected reports a conflict; a
// missing row and a stale version are indistinguishable under races.
func (r *Repository[T]) Update(ctx context.Context, id ID, entity T, previous Version) (Record[T], error) {
	const op = "repository.update"
	var rec Record[T]
	if err := r.checkKind(op, id); err != nil {
		return rec, err
	}
	data, err := r.codec.Encode(entity)
	if err != nil {
		return rec, NewError(CodeUnknown, op, "encode payload", err)
	}
	now := time.Now().UTC()
	next := previous.Next()
	var created time.Time
	err = r.write(ctx, func(ctx context.Context, q Querier) error {
		err := q.QueryRow(ctx, r.updateSQL, data, int64(next), now, id.Value(), int64(previous)).Scan(&created)
		if errors.Is(err, pgx.ErrNoRows) {
			return ConflictError(op, fmt.Sprintf("%s id %s at version %d", r.table, id, previous))
		}
		if err != nil {
			return Classify(op, err)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	r.log.Debug("row updated", "id", id.String(), "version", int64(next))
	return Record[T]{Data: entity, Version: next, CreatedAt: created, ModifiedAt: now}, nil
}

// Delete removes the row if the stored version still equals previous. Zero
// rows affected reports a conflict.
func (r *Repository[T]) Delete(ctx context.Context, id ID, previous Version) error {
	const op = "repository.delete"
	if err := r.checkKind(op, id); err != nil {
		return err
	}
	err := r.write(ctx, func(ctx context.Context, q Querier) error {
		ct, err := q.Exec(ctx, r.deleteSQL, id.Value(), int64(previous))
		if err != nil {
			return Classify(op, err)
		}
		if ct.RowsAffected() == 0 {
			return ConflictError(op, fmt.Sprintf("%s id %s at version %d", r.table, id, previous))
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Debug("row deleted", "id", id.String())
	return nil
}
