// Package recsync synchronizes a local, mutable object graph
// with a remote, versioned record store.
//
// Each local object that takes part in sync is shadowed by a _tracked entity_
// in a per-zone Ledger.
// The tracked entity records the object's sync state
// (new, changed, deleted, or synced),
// the set of fields changed locally since the last upload,
// and a snapshot of the last known remote representation of the object,
// its _record_.
//
// Local saves are observed (see SaveObserver)
// and turned into ledger updates.
// On upload,
// ledger entries are materialized as records in dependency order
// (parents before children)
// and written to the remote Database in batches.
// On download,
// fetched records are merged into the local graph under a MergePolicy,
// with references to not-yet-seen records deferred until the whole batch has arrived.
//
// The remote store partitions records into zones,
// each with its own change feed.
// A zone's feed is read incrementally using an opaque change token,
// which is persisted only after the changes it covers have been merged and committed.
//
// The adapter subpackage implements the per-zone ledger operations,
// and the synchronizer subpackage drives complete sync passes over one or more zones.
// Other subpackages provide implementations of the collaborator interfaces:
// ledgers (ledger/mem, ledger/sqlite3, ledger/pg),
// blob stores (blob/mem, blob/file, blob/gcs),
// a remote database (remote/mem),
// and a local object graph (local/mem).
package recsync
