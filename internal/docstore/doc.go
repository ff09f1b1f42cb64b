// Package docstore is a versioned document-persistence core over Postgres.
//
// Entities are stored one row per identifier as serialized payloads with a
// 64-bit version used for optimistic concurrency. The package provides the
// transaction runner (nested scopes plus autonomous opt-out), the
// optimistic-locking repository, the chunked batch executor and the bulk
// rewrite helper, all sharing one connection access gate sized to the pool.
package docstore
