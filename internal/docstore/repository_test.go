package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"
)

// fakeQuerier stubs the statement surface so repositories and batchers can
// run under a PassthroughRunner with no live connection.
type fakeQuerier struct {
	execSQL     []string
	execArgs    [][]any
	execTags    []string
	execErr     error
	batchSizes  []int
	batchCounts [][]int64
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	tag := "INSERT 0 1"
	if len(f.execTags) > 0 {
		tag = f.execTags[0]
		f.execTags = f.execTags[1:]
	}
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeQuerier: Query not supported")
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeQuerier) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batchSizes = append(f.batchSizes, b.Len())
	counts := make([]int64, b.Len())
	for i := range counts {
		counts[i] = 1
	}
	if len(f.batchCounts) > 0 {
		counts = f.batchCounts[0]
		f.batchCounts = f.batchCounts[1:]
	}
	return &fakeBatchResults{counts: counts}
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(...any) error { return r.err }

type fakeBatchResults struct {
	counts []int64
	idx    int
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if f.idx >= len(f.counts) {
		return pgconn.CommandTag{}, errors.New("fakeBatchResults: no more results")
	}
	c := f.counts[f.idx]
	f.idx++
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", c)), nil
}

func (f *fakeBatchResults) Query() (pgx.Rows, error) {
	return nil, errors.New("fakeBatchResults: Query not supported")
}

func (f *fakeBatchResults) QueryRow() pgx.Row { return fakeRow{err: pgx.ErrNoRows} }

func (f *fakeBatchResults) Close() error { return nil }

func stubRepo(fake *fakeQuerier) *Repository[testDoc] {
	return NewRepository(RepositoryConfig[testDoc]{
		Pool:   fake,
		Runner: PassthroughRunner{},
		Table:  "documents",
		IDKind: IDKindString,
	})
}

func TestCreateWithStubbedStore(t *testing.T) {
	fake := &fakeQuerier{}
	repo := stubRepo(fake)

	rec, err := repo.Create(context.Background(), StringID("d1"), testDoc{Name: "doc", Count: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Version != InitialVersion {
		t.Errorf("version = %d, want %d", rec.Version, InitialVersion)
	}
	if !rec.CreatedAt.Equal(rec.ModifiedAt) {
		t.Errorf("createdAt %v != modifiedAt %v", rec.CreatedAt, rec.ModifiedAt)
	}
	if len(fake.execSQL) != 1 || !strings.HasPrefix(fake.execSQL[0], "INSERT INTO documents") {
		t.Errorf("statements = %v", fake.execSQL)
	}
	if fake.execArgs[0][0] != "d1" {
		t.Errorf("bound id = %v", fake.execArgs[0][0])
	}
}

func TestUpdateConflictWithStubbedStore(t *testing.T) {
	// The stub answers every QueryRow with no rows, the shape of a stale
	// version or missing row.
	repo := stubRepo(&fakeQuerier{})

	_, err := repo.Update(context.Background(), StringID("d1"), testDoc{}, 3)
	if !IsCode(err, CodeConflict) {
		t.Fatalf("Update = %v, want conflict", err)
	}
}

func TestDeleteConflictWithStubbedStore(t *testing.T) {
	fake := &fakeQuerier{execTags: []string{"DELETE 0"}}
	repo := stubRepo(fake)

	err := repo.Delete(context.Background(), StringID("d1"), 3)
	if !IsCode(err, CodeConflict) {
		t.Fatalf("Delete = %v, want conflict", err)
	}
}

func TestRepositoryRejectsForeignIDKind(t *testing.T) {
	repo := stubRepo(&fakeQuerier{})

	if _, err := repo.Create(context.Background(), Int64ID(9), testDoc{}); err == nil {
		t.Fatal("expected kind mismatch error")
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	repo, _, _, _ := testStack(t, IDKindUUID)
	ctx := context.Background()
	id := NewUUIDID()

	if _, err := repo.Create(ctx, id, testDoc{Name: "doc", Count: 7}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, found, err := repo.Get(ctx, id)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if rec.Version != InitialVersion {
		t.Errorf("version = %d, want %d", rec.Version, InitialVersion)
	}
	if rec.Data.Name != "doc" || rec.Data.Count != 7 {
		t.Errorf("payload = %+v", rec.Data)
	}
	if !rec.CreatedAt.Equal(rec.ModifiedAt) {
		t.Errorf("createdAt %v != modifiedAt %v on fresh row", rec.CreatedAt, rec.ModifiedAt)
	}

	if _, err := repo.Create(ctx, id, testDoc{Name: "again"}); !IsCode(err, CodeConflict) {
		t.Fatalf("duplicate Create = %v, want conflict", err)
	}
}

func TestGetMissingRow(t *testing.T) {
	repo, _, _, _ := testStack(t, IDKindUUID)
	ctx := context.Background()

	_, found, err := repo.Get(ctx, NewUUIDID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("missing row reported found")
	}

	_, err = repo.GetOrError(ctx, NewUUIDID(), false)
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("GetOrError = %v, want not_found", err)
	}
}

func TestUpdateSucceedsExactlyOnce(t *testing.T) {
	repo, _, _, _ := testStack(t, IDKindUUID)
	ctx := context.Background()
	id := NewUUIDID()

	created, err := repo.Create(ctx, id, testDoc{Name: "v1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := repo.Update(ctx, id, testDoc{Name: "v2"}, created.Version)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != created.Version.Next() {
		t.Errorf("version = %d, want %d", updated.Version, created.Version.Next())
	}

	if _, err := repo.Update(ctx, id, testDoc{Name: "v2 again"}, created.Version); !IsCode(err, CodeConflict) {
		t.Fatalf("stale Update = %v, want conflict", err)
	}

	rec, _, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Data.Name != "v2" || rec.Version != 2 {
		t.Errorf("stored row = %+v v%d", rec.Data, rec.Version)
	}
	if !rec.ModifiedAt.After(rec.CreatedAt) && !rec.ModifiedAt.Equal(rec.CreatedAt) {
		t.Errorf("modifiedAt %v before createdAt %v", rec.ModifiedAt, rec.CreatedAt)
	}
}

func TestDeleteStaleVersionLeavesRow(t *testing.T) {
	repo, _, _, _ := testStack(t, IDKindUUID)
	ctx := context.Background()
	id := NewUUIDID()

	created, err := repo.Create(ctx, id, testDoc{Name: "keep"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Delete(ctx, id, created.Version.Next()); !IsCode(err, CodeConflict) {
		t.Fatalf("stale Delete = %v, want conflict", err)
	}
	rec, found, err := repo.Get(ctx, id)
	if err != nil || !found {
		t.Fatalf("row vanished after failed delete: found=%v err=%v", found, err)
	}
	if rec.Version != created.Version {
		t.Errorf("version changed to %d", rec.Version)
	}

	if err := repo.Delete(ctx, id, created.Version); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := repo.Get(ctx, id); found {
		t.Fatal("row still present after delete")
	}
	if err := repo.Delete(ctx, id, created.Version); !IsCode(err, CodeConflict) {
		t.Fatalf("second Delete = %v, want conflict", err)
	}
}

func TestGetManyOmitsMissing(t *testing.T) {
	repo, _, _, _ := testStack(t, IDKindInt64)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := repo.Create(ctx, Int64ID(i), testDoc{Name: fmt.Sprintf("doc-%d", i)}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	recs, err := repo.GetMany(ctx, []ID{Int64ID(1), Int64ID(2), Int64ID(3), Int64ID(98), Int64ID(99)})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("GetMany returned %d records, want 3", len(recs))
	}
	for i := int64(1); i <= 3; i++ {
		rec, ok := recs[Int64ID(i)]
		if !ok {
			t.Errorf("record %d missing", i)
			continue
		}
		if rec.Data.Name != fmt.Sprintf("doc-%d", i) {
			t.Errorf("record %d payload = %+v", i, rec.Data)
		}
	}

	empty, err := repo.GetMany(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("GetMany(nil) = %v, %v", empty, err)
	}
}

func TestForUpdateSerializesReadModifyWrite(t *testing.T) {
	repo, runner, _, _ := testStack(t, IDKindString)
	ctx := context.Background()
	id := StringID("counter")

	if _, err := repo.Create(ctx, id, testDoc{Name: "counter", Count: 0}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const workers = 100
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			return runner.Transactional(ctx, func(ctx context.Context) error {
				rec, err := repo.GetOrError(ctx, id, true)
				if err != nil {
					return err
				}
				next := rec.Data
				next.Count++
				_, err = repo.Update(ctx, id, next, rec.Version)
				return err
			})
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("locked cycle failed: %v", err)
	}

	rec, _, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Version != Version(workers+1) {
		t.Errorf("final version = %d, want %d", rec.Version, workers+1)
	}
	if rec.Data.Count != workers {
		t.Errorf("final count = %d, want %d", rec.Data.Count, workers)
	}
}

func TestUnlockedCyclesConflict(t *testing.T) {
	repo, runner, _, _ := testStack(t, IDKindString)
	ctx := context.Background()
	id := StringID("contested")

	if _, err := repo.Create(ctx, id, testDoc{Name: "contested"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// All workers read version 1 before any update starts, so exactly one
	// conditional update can win.
	const workers = 20
	var barrier sync.WaitGroup
	barrier.Add(workers)
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			rec, _, err := repo.Get(ctx, id)
			if err != nil {
				barrier.Done()
				results <- err
				return
			}
			barrier.Done()
			barrier.Wait()
			_, err = runnerUpdate(ctx, runner, repo, id, testDoc{Name: fmt.Sprintf("w%d", n)}, rec.Version)
			results <- err
		}(i)
	}

	successes, conflicts := 0, 0
	for i := 0; i < workers; i++ {
		switch err := <-results; {
		case err == nil:
			successes++
		case IsCode(err, CodeConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	if conflicts != workers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, workers-1)
	}
}

func runnerUpdate(ctx context.Context, runner *TxRunner, repo *Repository[testDoc], id ID, doc testDoc, previous Version) (Record[testDoc], error) {
	var rec Record[testDoc]
	err := runner.Transactional(ctx, func(ctx context.Context) error {
		var err error
		rec, err = repo.Update(ctx, id, doc, previous)
		return err
	})
	return rec, err
}

func TestImplicitTransactionPerMutation(t *testing.T) {
	// Without an ambient scope each mutation opens and commits its own
	// transaction: the write must be visible immediately afterwards.
	repo, _, pool, table := testStack(t, IDKindString)
	ctx := context.Background()

	if _, err := repo.Create(ctx, StringID("solo"), testDoc{Name: "solo"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n := countRows(t, pool, table); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}
