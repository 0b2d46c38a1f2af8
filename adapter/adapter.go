// Package adapter connects a local object graph to one remote zone.
//
// An Adapter keeps a ledger of tracked entities shadowing the local objects.
// It observes application saves to mark entities new, changed, or deleted;
// it materializes upload batches from the ledger;
// and it merges downloaded records back into the local store.
//
// All ledger operations of an Adapter run one at a time on a private queue.
package adapter

import (
	"context"
	stderrs "errors"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/internal/serial"
)

// ZoneTokenName is the name under which an Adapter keeps its zone change token.
const ZoneTokenName = "zone"

// DefaultCacheSize is the default capacity of an Adapter's decoded-record cache.
const DefaultCacheSize = 1024

const maxDiagnostics = 100

// Options configure an Adapter.
type Options struct {
	// MergePolicy decides how downloads treat locally changed entities.
	MergePolicy recsync.MergePolicy

	// Resolver is required with the Custom merge policy.
	Resolver recsync.ConflictResolver

	// Blobs holds binary attribute payloads for upload.
	// If nil, binary values are inlined in records.
	Blobs recsync.BlobStore

	// InlineLimit is the size in bytes up to which binary values are inlined
	// even when Blobs is set.
	// The zero value externalizes every non-empty binary value.
	InlineLimit int

	// CacheSize is the capacity of the decoded-record cache.
	// The zero value means DefaultCacheSize.
	CacheSize int

	Logger recsync.Logger
	Clock  recsync.Clock
}

// Diagnostic describes an entity skipped while preparing an upload.
type Diagnostic struct {
	Identifier string
	Reason     string
}

// Adapter is the per-zone bridge between an ObjectStore and the remote database.
type Adapter struct {
	zone   recsync.ZoneID
	store  recsync.ObjectStore
	model  *recsync.Model
	ledger recsync.Ledger
	cache  *recsync.RecordCache
	opts   Options
	q      *serial.Queue

	// The following are accessed only on q.
	willSave map[string][]string // identifier -> synced fields changed in a pending save
	imp      *importBatch

	hasChanges bool
	hcmu       sync.Mutex
	changes    chan struct{}

	diagmu sync.Mutex
	diags  []Diagnostic
}

// New produces an Adapter for one zone
// and registers it as an observer of the store.
func New(zone recsync.ZoneID, store recsync.ObjectStore, ledger recsync.Ledger, opts Options) (*Adapter, error) {
	if opts.MergePolicy == recsync.Custom && opts.Resolver == nil {
		return nil, errors.New("custom merge policy requires a resolver")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	cache, err := recsync.NewRecordCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		zone:     zone,
		store:    store,
		model:    store.Model(),
		ledger:   ledger,
		cache:    cache,
		opts:     opts,
		q:        serial.New(),
		willSave: make(map[string][]string),
		changes:  make(chan struct{}, 1),
	}
	store.Observe(a)
	return a, nil
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Zone is the zone this adapter syncs.
func (a *Adapter) Zone() recsync.ZoneID {
	return a.zone
}

// Close stops the adapter's queue.
// It does not close the ledger.
func (a *Adapter) Close() {
	a.q.Close()
}

// Changes returns a channel that receives a value
// (coalesced, never blocking the sender)
// after each local save that changed something tracked.
func (a *Adapter) Changes() <-chan struct{} {
	return a.changes
}

// HasChanges tells whether there may be local changes awaiting upload.
func (a *Adapter) HasChanges() bool {
	a.hcmu.Lock()
	defer a.hcmu.Unlock()
	return a.hasChanges
}

func (a *Adapter) setHasChanges(v bool) {
	a.hcmu.Lock()
	a.hasChanges = v
	a.hcmu.Unlock()
	if v {
		select {
		case a.changes <- struct{}{}:
		default:
		}
	}
}

// Diagnostics returns the most recent entities skipped while preparing uploads.
func (a *Adapter) Diagnostics() []Diagnostic {
	a.diagmu.Lock()
	defer a.diagmu.Unlock()
	return append([]Diagnostic(nil), a.diags...)
}

func (a *Adapter) skip(e *recsync.TrackedEntity, format string, args ...interface{}) {
	reason := errors.Errorf(format, args...).Error()
	a.opts.Logger.Printf("skipping %s: %s", e.Identifier, reason)

	a.diagmu.Lock()
	defer a.diagmu.Unlock()
	a.diags = append(a.diags, Diagnostic{Identifier: e.Identifier, Reason: reason})
	if len(a.diags) > maxDiagnostics {
		a.diags = a.diags[len(a.diags)-maxDiagnostics:]
	}
}

// Token returns the adapter's zone change token, or nil.
func (a *Adapter) Token(ctx context.Context) ([]byte, error) {
	var tok []byte
	err := a.q.Do(ctx, func() error {
		var err error
		tok, err = a.ledger.Token(ctx, ZoneTokenName)
		return err
	})
	return tok, errors.Wrap(err, "getting zone token")
}

// SaveToken stores the adapter's zone change token.
// A nil token clears it.
func (a *Adapter) SaveToken(ctx context.Context, tok []byte) error {
	err := a.q.Do(ctx, func() error {
		return a.ledger.SetToken(ctx, ZoneTokenName, tok)
	})
	return errors.Wrap(err, "saving zone token")
}

// HasRecordID tells whether the ledger tracks the given record.
func (a *Adapter) HasRecordID(ctx context.Context, id recsync.RecordID) (bool, error) {
	var found bool
	err := a.q.Do(ctx, func() error {
		e, err := a.lookup(ctx, id.Name)
		found = e != nil
		return err
	})
	return found, err
}

// DeleteChangeTracking forgets every tracked entity,
// pending relationship,
// and the zone token.
// The local objects are untouched.
func (a *Adapter) DeleteChangeTracking(ctx context.Context) error {
	err := a.q.Do(ctx, func() error {
		a.discardImport()
		return Forget(ctx, a.ledger)
	})
	if err != nil {
		return err
	}
	a.setHasChanges(false)
	return nil
}

// Forget empties a ledger of change tracking:
// its entities, its pending relationships, and its zone token.
func Forget(ctx context.Context, ledger recsync.Ledger) error {
	err := ledger.Update(ctx, func(l recsync.Ledger) error {
		all, err := l.AllEntities(ctx)
		if err != nil {
			return err
		}
		for _, e := range all {
			if err := l.DeleteEntity(ctx, e.Identifier); err != nil {
				return err
			}
		}
		if err := l.ClearPending(ctx); err != nil {
			return err
		}
		return l.SetToken(ctx, ZoneTokenName, nil)
	})
	return errors.Wrap(err, "deleting change tracking")
}

// lookup finds a tracked entity by identifier,
// consulting the staged import batch (if any) before the ledger.
// It returns nil if there is none.
func (a *Adapter) lookup(ctx context.Context, identifier string) (*recsync.TrackedEntity, error) {
	if a.imp != nil {
		if a.imp.removed[identifier] {
			return nil, nil
		}
		if e, ok := a.imp.staged[identifier]; ok {
			return e, nil
		}
	}
	e, err := a.ledger.Entity(ctx, identifier)
	if stderrs.Is(err, recsync.ErrNotFound) {
		return nil, nil
	}
	return e, errors.Wrapf(err, "looking up %s", identifier)
}

func (a *Adapter) lookupOrigin(ctx context.Context, entityType, originID string) (*recsync.TrackedEntity, error) {
	if a.imp != nil {
		for _, e := range a.imp.staged {
			if e.EntityType == entityType && e.OriginID == originID && !a.imp.removed[e.Identifier] {
				return e, nil
			}
		}
	}
	e, err := a.ledger.EntityByOrigin(ctx, entityType, originID)
	if stderrs.Is(err, recsync.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "looking up %s %s", entityType, originID)
	}
	if a.imp != nil && a.imp.removed[e.Identifier] {
		return nil, nil
	}
	return e, nil
}

// bump advances e.LastModified to now,
// or by a microsecond if the clock has not moved past it.
func (a *Adapter) bump(e *recsync.TrackedEntity) {
	now := a.opts.Clock.Now()
	if !now.After(e.LastModified) {
		now = e.LastModified.Add(time.Microsecond)
	}
	e.LastModified = now
}

func (a *Adapter) newEntity(entityType, originID string) *recsync.TrackedEntity {
	return &recsync.TrackedEntity{
		Identifier:   recsync.Identifier(entityType, originID),
		EntityType:   entityType,
		OriginID:     originID,
		State:        recsync.New,
		LastModified: a.opts.Clock.Now(),
	}
}

func (a *Adapter) recordID(identifier string) recsync.RecordID {
	return recsync.RecordID{Zone: a.zone, Name: identifier}
}

func (a *Adapter) cachedRecord(e *recsync.TrackedEntity) (*recsync.Record, error) {
	if len(e.CachedRecord) == 0 {
		return nil, nil
	}
	rec, err := a.cache.Decode(e.CachedRecord)
	return rec, errors.Wrapf(err, "decoding cached record of %s", e.Identifier)
}

func (a *Adapter) object(ctx context.Context, entityType, originID string) (recsync.Object, error) {
	objs, err := a.store.Objects(ctx, entityType, []string{originID})
	if err != nil {
		return nil, errors.Wrapf(err, "getting %s %s", entityType, originID)
	}
	if len(objs) == 0 {
		return nil, nil
	}
	return objs[0], nil
}
