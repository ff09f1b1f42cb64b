package docstore

import "time"

// Version is the optimistic-lock token. It starts at InitialVersion and
// advances by exactly one per successful mutation; it never decreases.
type Version int64

const InitialVersion Version = 1

func (v Version) Next() Version { return v + 1 }

// Record pairs an entity payload with its version and timestamps. Exactly one
// record exists per identifier at any instant; no history is kept.
type Record[T any] struct {
	Data       T
	Version    Version
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// MapRecord replaces the payload while preserving version and timestamps.
func MapRecord[T, U any](r Record[T], fn func(T) U) Record[U] {
	return Record[U]{
		Data:       fn(r.Data),
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
	}
}
