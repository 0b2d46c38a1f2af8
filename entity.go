package recsync

import (
	"sort"
	"strings"
	"time"
)

// State is the sync state of a tracked entity.
// New, Changed, and Deleted are in upload priority order.
type State int

const (
	New State = iota
	Changed
	Deleted
	Synced

	// Inserted marks an entity created by a download that has not yet been committed.
	// It is treated as Synced if the import is abandoned.
	Inserted
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	case Synced:
		return "synced"
	case Inserted:
		return "inserted"
	}
	return "unknown"
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := New; st <= Inserted; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// TrackedEntity is a ledger row shadowing one local object.
type TrackedEntity struct {
	// Identifier is EntityType + "." + OriginID.
	// It is minted when the entity is first tracked and never rewritten.
	Identifier string

	EntityType string
	OriginID   string
	State      State

	// Dirty is the sorted set of field names changed locally since the last upload.
	Dirty []string

	LastModified time.Time

	// CachedRecord is the encoded last known remote representation.
	CachedRecord []byte

	// ShareID is the identifier of the entity representing this entity's sharing grant, if any.
	ShareID string

	// Seq orders entities by the time they were last queued for upload.
	Seq int64
}

// Identifier produces the ledger identifier for an object.
func Identifier(entityType, originID string) string {
	return entityType + "." + originID
}

// SplitIdentifier is the inverse of Identifier.
func SplitIdentifier(id string) (entityType, originID string, ok bool) {
	i := strings.Index(id, ".")
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// IsDirty tells whether field is in e's dirty set.
func (e *TrackedEntity) IsDirty(field string) bool {
	i := sort.SearchStrings(e.Dirty, field)
	return i < len(e.Dirty) && e.Dirty[i] == field
}

// AddDirty widens e's dirty set.
// It reports whether anything was added.
func (e *TrackedEntity) AddDirty(fields ...string) bool {
	var added bool
	for _, f := range fields {
		i := sort.SearchStrings(e.Dirty, f)
		if i < len(e.Dirty) && e.Dirty[i] == f {
			continue
		}
		e.Dirty = append(e.Dirty, "")
		copy(e.Dirty[i+1:], e.Dirty[i:])
		e.Dirty[i] = f
		added = true
	}
	return added
}

// Clone produces a copy of e that shares no memory with it.
func (e *TrackedEntity) Clone() *TrackedEntity {
	if e == nil {
		return nil
	}
	out := *e
	out.Dirty = append([]string(nil), e.Dirty...)
	out.CachedRecord = append([]byte(nil), e.CachedRecord...)
	if e.CachedRecord == nil {
		out.CachedRecord = nil
	}
	if e.Dirty == nil {
		out.Dirty = nil
	}
	return &out
}

// PendingRelationship is a downloaded reference awaiting resolution of its targets.
type PendingRelationship struct {
	Owner   string // identifier of the owning entity
	Field   string
	Targets []string // identifiers; length 1 for to-one relationships
}

// ShareField is the pending-relationship field name linking an entity to its share.
const ShareField = "share"
