package recsync

import (
	"context"
	"errors"
	"time"
)

// TokenStore holds opaque change tokens by name.
type TokenStore interface {
	// Token returns the named token, or nil if there is none.
	Token(ctx context.Context, name string) ([]byte, error)

	// SetToken stores a token. A nil token deletes it.
	SetToken(ctx context.Context, name string, tok []byte) error
}

// Ledger is the durable change-tracking table for one zone.
type Ledger interface {
	TokenStore

	// Entity looks up a tracked entity by identifier.
	// It returns ErrNotFound if there is none.
	Entity(ctx context.Context, identifier string) (*TrackedEntity, error)

	// EntityByOrigin looks up a tracked entity by the type and origin ID of its local object.
	// It returns ErrNotFound if there is none.
	EntityByOrigin(ctx context.Context, entityType, originID string) (*TrackedEntity, error)

	// EntitiesInState returns all entities in the given state, in order of Seq.
	EntitiesInState(ctx context.Context, state State) ([]*TrackedEntity, error)

	// AllEntities returns every tracked entity, in order of Seq.
	AllEntities(ctx context.Context) ([]*TrackedEntity, error)

	// PutEntity inserts or replaces e.
	// If e.Seq is zero, a Seq later than every existing one is assigned (and stored in e).
	PutEntity(ctx context.Context, e *TrackedEntity) error

	// DeleteEntity removes a tracked entity.
	// It is not an error if there is none.
	DeleteEntity(ctx context.Context, identifier string) error

	AddPending(ctx context.Context, p PendingRelationship) error
	PendingRelationships(ctx context.Context) ([]PendingRelationship, error)
	ClearPending(ctx context.Context) error

	// Update calls f with a Ledger whose changes take effect atomically
	// if and only if f returns nil.
	Update(ctx context.Context, f func(Ledger) error) error

	Close() error
}

// BlobStore is temporary storage for large attribute payloads.
type BlobStore interface {
	// Put stores a payload and returns its location.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves the payload at a location.
	// It returns ErrNotFound if there is none.
	Get(ctx context.Context, location string) ([]byte, error)

	// Purge removes everything stored so far.
	Purge(ctx context.Context) error
}

// DatabaseChanges is the result of a database-level change-feed fetch.
type DatabaseChanges struct {
	Token   []byte
	Changed []ZoneID
	Deleted []ZoneID
}

// ZoneChanges is one zone's result from a zone-level change-feed fetch.
type ZoneChanges struct {
	Records    []*Record
	Deleted    []RecordID
	Token      []byte
	MoreComing bool

	// Err is the error fetching this zone, if any.
	// ErrZoneNotFound means the zone was deleted.
	Err error
}

// ModifyResult is the result of a batched write.
type ModifyResult struct {
	Saved   []*Record
	Deleted []RecordID

	// Errors maps individual records to the errors encountered saving or deleting them.
	Errors MultiErr
}

// Database is the remote record transport.
type Database interface {
	// FetchDatabaseChanges fetches the database-level change feed since tok.
	// A nil tok means from the beginning.
	FetchDatabaseChanges(ctx context.Context, tok []byte) (*DatabaseChanges, error)

	// FetchZoneChanges fetches the change feed of each zone since its token in toks.
	// If desiredKeys is non-nil, records carry only those fields.
	FetchZoneChanges(ctx context.Context, zones []ZoneID, toks map[ZoneID][]byte, desiredKeys []string) (map[ZoneID]*ZoneChanges, error)

	// FetchRecords fetches the current versions of the given records.
	// Records that do not exist are absent from the result.
	FetchRecords(ctx context.Context, ids []RecordID) (map[RecordID]*Record, error)

	// ModifyRecords saves and deletes records in one batch.
	// A non-nil error means the whole batch failed
	// (e.g. ErrLimitExceeded when the batch is too large).
	// Per-item failures are reported in ModifyResult.Errors.
	ModifyRecords(ctx context.Context, save []*Record, del []RecordID) (*ModifyResult, error)

	// FetchZone checks that a zone exists.
	// It returns ErrZoneNotFound if it does not.
	FetchZone(ctx context.Context, zone ZoneID) error

	CreateZone(ctx context.Context, zone ZoneID) error
}

// Object is a local object as seen by the sync engine.
// Attribute values are string, int64, float64, bool, time.Time, []byte, or nil.
// To-one relationship values are the target's origin ID ("" for none).
// To-many relationship values are []string of origin IDs.
type Object interface {
	Entity() string
	ID() string
	Value(field string) interface{}
	SetValue(field string, val interface{})
}

// ObjectStore is the local object graph.
type ObjectStore interface {
	Model() *Model

	// Observe registers an observer of application saves.
	Observe(SaveObserver)

	// Objects returns the committed objects of a type with the given origin IDs.
	// IDs with no object are skipped.
	Objects(ctx context.Context, entity string, ids []string) ([]Object, error)

	// BeginImport starts a transaction for staging downloaded changes.
	BeginImport(ctx context.Context) (ImportTx, error)
}

// ImportTx stages changes to an ObjectStore.
// Its changes become visible only on Commit,
// and are not reported to SaveObservers.
type ImportTx interface {
	Objects(ctx context.Context, entity string, ids []string) ([]Object, error)
	Insert(ctx context.Context, entity, id string) (Object, error)
	Delete(ctx context.Context, obj Object) error
	Commit(ctx context.Context) error
	Rollback() error
}

type (
	// ObjectRef identifies a local object.
	ObjectRef struct {
		Entity string
		ID     string
	}

	// ObjectChange is an updated local object and the fields that changed.
	ObjectChange struct {
		ObjectRef
		Fields []string
	}

	// Rekey is a change to the primary key of a local object.
	Rekey struct {
		Entity string
		OldID  string
		NewID  string
	}

	// ChangeSet describes one local save.
	ChangeSet struct {
		Inserted []ObjectRef
		Updated  []ObjectChange
		Deleted  []ObjectRef
		Rekeyed  []Rekey
	}
)

// IsEmpty tells whether c describes no changes.
func (c ChangeSet) IsEmpty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0 && len(c.Rekeyed) == 0
}

// SaveObserver is called by an ObjectStore within its save boundary.
// WillSave sees the pending changes before they are committed.
// DidSave sees them after.
type SaveObserver interface {
	WillSave(ctx context.Context, changes ChangeSet) error
	DidSave(ctx context.Context, changes ChangeSet) error
}

// MergePolicy decides which side wins when a download touches a locally changed entity.
type MergePolicy int

const (
	ServerWins MergePolicy = iota
	ClientWins
	Custom
)

func (p MergePolicy) String() string {
	switch p {
	case ServerWins:
		return "server"
	case ClientWins:
		return "client"
	case Custom:
		return "custom"
	}
	return "unknown"
}

// ConflictResolver decides final values for a locally changed object under the Custom policy.
// Values in changes are in local form:
// attributes as for Object.Value,
// relationships as origin IDs.
type ConflictResolver interface {
	ResolveConflict(ctx context.Context, obj Object, changes map[string]interface{}) error
}

// ResolverFunc is a function implementing ConflictResolver.
type ResolverFunc func(ctx context.Context, obj Object, changes map[string]interface{}) error

// ResolveConflict implements ConflictResolver.
func (f ResolverFunc) ResolveConflict(ctx context.Context, obj Object, changes map[string]interface{}) error {
	return f(ctx, obj, changes)
}

// Logger is the logging interface used throughout.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

var (
	// ErrNotFound is returned when looking up something that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrZoneNotFound means a zone does not exist (or was deleted).
	ErrZoneNotFound = errors.New("zone not found")

	// ErrServerRecordChanged means a save carried a stale change tag.
	ErrServerRecordChanged = errors.New("server record changed")

	// ErrLimitExceeded means a batch was too large.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrDuplicateEntity means an upload scan visited the same entity twice,
	// which indicates a corrupted ledger.
	ErrDuplicateEntity = errors.New("duplicate entity (corrupted ledger)")

	// ErrCancelled is the result of a cancelled sync.
	ErrCancelled = errors.New("cancelled")
)
