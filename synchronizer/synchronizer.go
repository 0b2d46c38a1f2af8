// Package synchronizer drives sync passes between a remote database
// and a set of per-zone adapters.
//
// A pass fetches the database change feed,
// fetches and merges each zone's changes,
// uploads local changes and deletions,
// and then re-checks the remote feeds,
// restarting if anything changed concurrently.
// Zone tokens advance only after their changes are merged.
package synchronizer

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/adapter"
	ledgermem "github.com/bobg/recsync/ledger/mem"
)

// DatabaseTokenName is the name under which the database change token is stored.
const DatabaseTokenName = "database"

const (
	defaultBatchSize   = 200
	defaultMaxConflict = 3
	batchGrowth        = 5
	maxRestarts        = 5
)

// ModelAdapter is one zone's view of the local store.
// *adapter.Adapter implements it.
type ModelAdapter interface {
	Zone() recsync.ZoneID

	Token(context.Context) ([]byte, error)
	SaveToken(context.Context, []byte) error
	HasRecordID(context.Context, recsync.RecordID) (bool, error)

	PrepareToImport(context.Context) error
	SaveChanges(context.Context, []*recsync.Record) error
	DeleteRecords(context.Context, []recsync.RecordID) error
	PersistImportedChanges(context.Context) error
	DidFinishImport(context.Context, error) error

	RecordsToUpload(ctx context.Context, limit int) ([]*recsync.Record, error)
	DidUpload(context.Context, []*recsync.Record) error
	RecordIDsMarkedForDeletion(ctx context.Context, limit int) ([]recsync.RecordID, error)
	DidDelete(context.Context, []recsync.RecordID) error
}

var _ ModelAdapter = &adapter.Adapter{}

// AdapterProvider supplies adapters for zones discovered remotely
// and is told about zones deleted remotely.
type AdapterProvider interface {
	// AdapterForZone returns an adapter for a newly seen zone.
	// A nil adapter means the zone is ignored.
	AdapterForZone(context.Context, recsync.ZoneID) (ModelAdapter, error)

	// ZoneWasDeleted reports the deletion of a zone.
	// The synchronizer has already stopped using its adapter.
	ZoneWasDeleted(context.Context, recsync.ZoneID, ModelAdapter) error
}

// Options configure a Synchronizer.
type Options struct {
	// DeviceID is stamped on uploaded records.
	// Records carrying it are recognized as this device's own.
	// The default is a random UUID.
	DeviceID string

	// CompatibilityVersion is stamped on uploaded records.
	// Downloaded records with a greater version are ignored.
	CompatibilityVersion int

	// BatchSize is the initial and maximum number of records per upload.
	BatchSize int

	// MaxConflictRetries bounds the re-fetch-and-retry cycles of one upload step.
	MaxConflictRetries int

	// Tokens stores the database change token.
	// The default keeps it in memory.
	Tokens recsync.TokenStore

	Provider AdapterProvider
	Adapters []ModelAdapter
	Logger   recsync.Logger

	// OnEvent, if set, is called at points in each pass.
	OnEvent func(Event)
}

// Synchronizer runs sync passes.
// Passes are single-flight:
// Sync called during a pass waits for a single follow-up pass
// shared by all such callers.
type Synchronizer struct {
	db   recsync.Database
	opts Options

	cancelled atomic.Bool

	mu       sync.Mutex
	adapters map[recsync.ZoneID]ModelAdapter
	state    State
	batch    int
	current  *flight
	next     *flight
}

type flight struct {
	done    chan struct{}
	err     error
	waiters int
}

// New produces a Synchronizer.
func New(db recsync.Database, opts Options) *Synchronizer {
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = defaultMaxConflict
	}
	if opts.Tokens == nil {
		opts.Tokens = ledgermem.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Synchronizer{
		db:       db,
		opts:     opts,
		adapters: make(map[recsync.ZoneID]ModelAdapter),
		batch:    opts.BatchSize,
	}
	for _, a := range opts.Adapters {
		s.adapters[a.Zone()] = a
	}
	return s
}

// DeviceID is the identifier stamped on this synchronizer's uploads.
func (s *Synchronizer) DeviceID() string {
	return s.opts.DeviceID
}

// AddAdapter adds (or replaces) the adapter for a zone.
func (s *Synchronizer) AddAdapter(a ModelAdapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Zone()] = a
}

// RemoveAdapter stops syncing a zone.
func (s *Synchronizer) RemoveAdapter(zone recsync.ZoneID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.adapters, zone)
}

// Adapters returns the current adapters, ordered by zone.
func (s *Synchronizer) Adapters() []ModelAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ModelAdapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone().String() < out[j].Zone().String() })
	return out
}

func (s *Synchronizer) adapter(zone recsync.ZoneID) ModelAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapters[zone]
}

// State is the state of the running pass, or Idle.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BatchSize is the current upload batch size.
// It shrinks when the remote rejects a batch as too large
// and grows back gradually on success.
func (s *Synchronizer) BatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch
}

// Cancel asks the running pass to stop at its next state transition.
// The pass then fails with recsync.ErrCancelled.
// Changes already merged stay merged.
func (s *Synchronizer) Cancel() {
	s.cancelled.Store(true)
}

// transition moves to a new state,
// unless the pass has been cancelled.
func (s *Synchronizer) transition(state State) error {
	if s.cancelled.Load() {
		return recsync.ErrCancelled
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) event(kind EventKind, zone recsync.ZoneID, err error) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(Event{Kind: kind, Zone: zone, Err: err})
	}
}

// Sync runs a sync pass.
// If one is already running,
// Sync waits for the follow-up pass that runs after it.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.current != nil {
		if s.next == nil {
			s.next = &flight{done: make(chan struct{})}
		}
		f := s.next
		f.waiters++
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return f.err
		}
	}
	f := &flight{done: make(chan struct{})}
	s.current = f
	s.mu.Unlock()

	s.fly(ctx, f)
	return f.err
}

func (s *Synchronizer) fly(ctx context.Context, f *flight) {
	f.err = s.pass(ctx)

	s.mu.Lock()
	next := s.next
	s.next = nil
	s.current = next
	s.mu.Unlock()

	close(f.done)
	if next != nil {
		// The follow-up belongs to its waiters, not to this caller.
		go s.fly(context.WithoutCancel(ctx), next)
	}
}

func (s *Synchronizer) pass(ctx context.Context) error {
	s.cancelled.Store(false)
	s.event(WillSynchronize, recsync.ZoneID{}, nil)

	err := s.run(ctx)

	for _, a := range s.Adapters() {
		if err2 := a.DidFinishImport(ctx, err); err2 != nil {
			s.opts.Logger.Printf("ERROR finishing import in zone %s: %s", a.Zone(), err2)
			if err == nil {
				err = err2
			}
		}
	}

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()

	if err != nil {
		s.event(DidFail, recsync.ZoneID{}, err)
	} else {
		s.event(DidSynchronize, recsync.ZoneID{}, nil)
	}
	return err
}

func (s *Synchronizer) run(ctx context.Context) error {
	for i := 0; ; i++ {
		restart, err := s.runOnce(ctx)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		if i >= maxRestarts {
			return errors.Errorf("remote changes did not settle after %d restarts", i)
		}
		s.opts.Logger.Printf("remote changed during upload, restarting sync")
	}
}

// runOnce runs one pass through the state machine.
// It reports whether remote changes arrived concurrently with the upload,
// calling for a restart.
func (s *Synchronizer) runOnce(ctx context.Context) (bool, error) {
	for _, a := range s.Adapters() {
		if err := a.PrepareToImport(ctx); err != nil {
			return false, err
		}
	}

	if err := s.transition(FetchingDatabaseChanges); err != nil {
		return false, err
	}
	s.event(WillFetchChanges, recsync.ZoneID{}, nil)

	dbtok, err := s.opts.Tokens.Token(ctx, DatabaseTokenName)
	if err != nil {
		return false, errors.Wrap(err, "getting database token")
	}
	dbc, err := s.db.FetchDatabaseChanges(ctx, dbtok)
	if err != nil {
		return false, errors.Wrap(err, "fetching database changes")
	}
	for _, zone := range dbc.Deleted {
		if err = s.zoneDeleted(ctx, zone); err != nil {
			return false, err
		}
	}
	for _, zone := range dbc.Changed {
		if err = s.zoneAppeared(ctx, zone); err != nil {
			return false, err
		}
	}

	if err = s.transition(FetchingZoneChanges); err != nil {
		return false, err
	}
	toks, err := s.fetchZones(ctx)
	if err != nil {
		return false, err
	}

	if err = s.transition(Merging); err != nil {
		return false, err
	}
	if err = s.merge(ctx, toks); err != nil {
		return false, err
	}
	if err = s.opts.Tokens.SetToken(ctx, DatabaseTokenName, dbc.Token); err != nil {
		return false, errors.Wrap(err, "saving database token")
	}

	if err = s.transition(UploadingRecords); err != nil {
		return false, err
	}
	var (
		uploaded bool
		size     = s.BatchSize()
	)
	// The adjusted size carries over to the next pass.
	defer func() { s.setBatchSize(size) }()

	for _, a := range s.Adapters() {
		s.event(WillUploadChanges, a.Zone(), nil)
		var n int
		n, size, err = s.uploadRecords(ctx, a, size)
		if err != nil {
			return false, errors.Wrapf(err, "uploading records in zone %s", a.Zone())
		}
		uploaded = uploaded || n > 0
	}

	if err = s.transition(UploadingDeletions); err != nil {
		return false, err
	}
	for _, a := range s.Adapters() {
		var n int
		n, size, err = s.uploadDeletions(ctx, a, size)
		if err != nil {
			return false, errors.Wrapf(err, "uploading deletions in zone %s", a.Zone())
		}
		uploaded = uploaded || n > 0
	}

	if !uploaded {
		return false, nil
	}

	if err = s.transition(UpdatingTokens); err != nil {
		return false, err
	}
	return s.recheck(ctx, dbc.Token)
}

func (s *Synchronizer) zoneDeleted(ctx context.Context, zone recsync.ZoneID) error {
	a := s.adapter(zone)
	if a == nil {
		return nil
	}
	s.RemoveAdapter(zone)
	s.event(ZoneDeleted, zone, nil)
	if s.opts.Provider == nil {
		s.opts.Logger.Printf("zone %s was deleted", zone)
		return nil
	}
	return errors.Wrapf(s.opts.Provider.ZoneWasDeleted(ctx, zone, a), "reporting deletion of zone %s", zone)
}

func (s *Synchronizer) zoneAppeared(ctx context.Context, zone recsync.ZoneID) error {
	if s.adapter(zone) != nil || s.opts.Provider == nil {
		return nil
	}
	a, err := s.opts.Provider.AdapterForZone(ctx, zone)
	if err != nil {
		return errors.Wrapf(err, "getting adapter for zone %s", zone)
	}
	if a == nil {
		return nil
	}
	if err = a.PrepareToImport(ctx); err != nil {
		return err
	}
	s.AddAdapter(a)
	return nil
}

// fetchZones fetches and stages every zone's changes,
// following MoreComing until each zone is exhausted.
// It returns the resulting zone tokens,
// which must not be saved until the changes are merged.
func (s *Synchronizer) fetchZones(ctx context.Context) (map[recsync.ZoneID][]byte, error) {
	var (
		toks    = make(map[recsync.ZoneID][]byte)
		pending []recsync.ZoneID
	)
	for _, a := range s.Adapters() {
		tok, err := a.Token(ctx)
		if err != nil {
			return nil, err
		}
		toks[a.Zone()] = tok
		pending = append(pending, a.Zone())
	}

	for len(pending) > 0 {
		if err := s.transition(FetchingZoneChanges); err != nil {
			return nil, err
		}
		res, err := s.db.FetchZoneChanges(ctx, pending, toks, nil)
		if err != nil {
			return nil, errors.Wrap(err, "fetching zone changes")
		}

		var more []recsync.ZoneID
		for _, zone := range pending {
			a := s.adapter(zone)
			zc, ok := res[zone]
			if !ok {
				return nil, errors.Errorf("no result for zone %s", zone)
			}
			if zc.Err != nil {
				if !errors.Is(zc.Err, recsync.ErrZoneNotFound) {
					return nil, errors.Wrapf(zc.Err, "fetching changes in zone %s", zone)
				}
				delete(toks, zone)
				if a != nil && s.neverSynced(ctx, a) {
					// Not created yet; the upload step creates it.
					continue
				}
				if err = s.zoneDeleted(ctx, zone); err != nil {
					return nil, err
				}
				continue
			}

			records, err := s.filter(ctx, a, zc.Records)
			if err != nil {
				return nil, err
			}
			if len(records) > 0 {
				if err = a.SaveChanges(ctx, records); err != nil {
					return nil, err
				}
			}
			if len(zc.Deleted) > 0 {
				if err = a.DeleteRecords(ctx, zc.Deleted); err != nil {
					return nil, err
				}
			}
			toks[zone] = zc.Token
			if zc.MoreComing {
				more = append(more, zone)
			}
		}
		pending = more
	}
	return toks, nil
}

func (s *Synchronizer) neverSynced(ctx context.Context, a ModelAdapter) bool {
	tok, err := a.Token(ctx)
	return err == nil && tok == nil
}

// filter drops records this synchronizer should not merge:
// those from a newer model version,
// and this device's own records that the adapter already tracks.
func (s *Synchronizer) filter(ctx context.Context, a ModelAdapter, records []*recsync.Record) ([]*recsync.Record, error) {
	var out []*recsync.Record
	for _, rec := range records {
		if rec.ModelVersion > s.opts.CompatibilityVersion {
			s.opts.Logger.Printf("ignoring %s from model version %d", rec.ID, rec.ModelVersion)
			continue
		}
		if rec.Device == s.opts.DeviceID {
			ok, err := a.HasRecordID(ctx, rec.ID)
			if err != nil {
				return nil, err
			}
			if ok {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// merge persists each adapter's staged changes, concurrently,
// and then saves its zone token.
func (s *Synchronizer) merge(ctx context.Context, toks map[recsync.ZoneID][]byte) error {
	eg, ctx2 := errgroup.WithContext(ctx)
	for _, a := range s.Adapters() {
		a := a
		eg.Go(func() error {
			if err := a.PersistImportedChanges(ctx2); err != nil {
				return errors.Wrapf(err, "merging zone %s", a.Zone())
			}
			tok, ok := toks[a.Zone()]
			if !ok {
				return nil
			}
			return errors.Wrapf(a.SaveToken(ctx2, tok), "saving token of zone %s", a.Zone())
		})
	}
	return eg.Wait()
}

// setupZone makes sure the zone of an adapter that has never synced exists remotely.
func (s *Synchronizer) setupZone(ctx context.Context, a ModelAdapter) error {
	if !s.neverSynced(ctx, a) {
		return nil
	}
	err := s.db.FetchZone(ctx, a.Zone())
	if errors.Is(err, recsync.ErrZoneNotFound) {
		return errors.Wrapf(s.db.CreateZone(ctx, a.Zone()), "creating zone %s", a.Zone())
	}
	return errors.Wrapf(err, "fetching zone %s", a.Zone())
}

func (s *Synchronizer) setBatchSize(size int) {
	s.mu.Lock()
	s.batch = size
	s.mu.Unlock()
}

// shrink halves a batch size after a too-large batch.
// It reports false if the size is already 1.
func shrink(size int) (int, bool) {
	if size <= 1 {
		return size, false
	}
	return size / 2, true
}

// grow enlarges a batch size after a successful batch, up to ceiling.
func grow(size, ceiling int) int {
	size += batchGrowth
	if size > ceiling {
		size = ceiling
	}
	return size
}

// uploadRecords uploads an adapter's new and changed records
// in batches of the given size.
// It returns the number of records uploaded and the adjusted batch size.
func (s *Synchronizer) uploadRecords(ctx context.Context, a ModelAdapter, size int) (int, int, error) {
	if err := s.setupZone(ctx, a); err != nil {
		return 0, size, err
	}

	var total, conflicts int
	for {
		if err := s.transition(UploadingRecords); err != nil {
			return total, size, err
		}
		limit := size
		records, err := a.RecordsToUpload(ctx, limit)
		if err != nil {
			return total, size, err
		}
		if len(records) == 0 {
			return total, size, nil
		}
		for _, rec := range records {
			rec.Device = s.opts.DeviceID
			rec.ModelVersion = s.opts.CompatibilityVersion
		}

		res, err := s.db.ModifyRecords(ctx, records, nil)
		if errors.Is(err, recsync.ErrLimitExceeded) {
			var ok bool
			if size, ok = shrink(size); !ok {
				return total, size, err
			}
			continue
		}
		if err != nil {
			return total, size, errors.Wrap(err, "saving records")
		}
		if err = a.DidUpload(ctx, res.Saved); err != nil {
			return total, size, err
		}
		total += len(res.Saved)

		if ids := res.Errors.Matching(recsync.ErrServerRecordChanged); len(ids) > 0 {
			if conflicts >= s.opts.MaxConflictRetries {
				return total, size, errors.Wrapf(res.Errors, "conflicts persist after %d retries", conflicts)
			}
			conflicts++
			if err = s.resolveConflicts(ctx, a, ids); err != nil {
				return total, size, err
			}
			continue
		}
		if len(res.Errors) > 0 {
			return total, size, res.Errors
		}

		size = grow(size, s.opts.BatchSize)
		if len(records) < limit {
			return total, size, nil
		}
	}
}

// resolveConflicts re-fetches records whose saves were rejected as stale
// and merges them, so that the next attempt carries current change tags.
// Records no longer present remotely are deleted locally.
func (s *Synchronizer) resolveConflicts(ctx context.Context, a ModelAdapter, ids []recsync.RecordID) error {
	fetched, err := s.db.FetchRecords(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "fetching conflicting records")
	}
	var (
		records []*recsync.Record
		gone    []recsync.RecordID
	)
	for _, id := range ids {
		if rec, ok := fetched[id]; ok {
			records = append(records, rec)
		} else {
			gone = append(gone, id)
		}
	}

	if err = a.PrepareToImport(ctx); err != nil {
		return err
	}
	if len(records) > 0 {
		if err = a.SaveChanges(ctx, records); err != nil {
			return err
		}
	}
	if len(gone) > 0 {
		if err = a.DeleteRecords(ctx, gone); err != nil {
			return err
		}
	}
	return errors.Wrap(a.PersistImportedChanges(ctx), "merging conflicting records")
}

// uploadDeletions uploads an adapter's deletions in batches of the given size.
// It returns the number of records deleted and the adjusted batch size.
func (s *Synchronizer) uploadDeletions(ctx context.Context, a ModelAdapter, size int) (int, int, error) {
	var total int
	for {
		if err := s.transition(UploadingDeletions); err != nil {
			return total, size, err
		}
		limit := size
		ids, err := a.RecordIDsMarkedForDeletion(ctx, limit)
		if err != nil {
			return total, size, err
		}
		if len(ids) == 0 {
			return total, size, nil
		}

		res, err := s.db.ModifyRecords(ctx, nil, ids)
		if errors.Is(err, recsync.ErrLimitExceeded) {
			var ok bool
			if size, ok = shrink(size); !ok {
				return total, size, err
			}
			continue
		}
		if err != nil {
			return total, size, errors.Wrap(err, "deleting records")
		}
		if err = a.DidDelete(ctx, res.Deleted); err != nil {
			return total, size, err
		}
		total += len(res.Deleted)
		if len(res.Errors) > 0 {
			return total, size, res.Errors
		}

		size = grow(size, s.opts.BatchSize)
		if len(ids) < limit {
			return total, size, nil
		}
	}
}

// recheck looks for remote changes made while this pass was uploading.
// If there are none, it advances the tokens past this pass's own uploads.
// Otherwise it reports that the pass should restart.
func (s *Synchronizer) recheck(ctx context.Context, dbtok []byte) (bool, error) {
	dbc, err := s.db.FetchDatabaseChanges(ctx, dbtok)
	if err != nil {
		return false, errors.Wrap(err, "re-checking database changes")
	}
	for _, zone := range dbc.Deleted {
		if s.adapter(zone) != nil {
			return true, nil
		}
	}

	var zones []recsync.ZoneID
	toks := make(map[recsync.ZoneID][]byte)
	for _, zone := range dbc.Changed {
		a := s.adapter(zone)
		if a == nil {
			if s.opts.Provider != nil {
				// A new zone.
				return true, nil
			}
			continue
		}
		tok, err := a.Token(ctx)
		if err != nil {
			return false, err
		}
		zones = append(zones, zone)
		toks[zone] = tok
	}

	for pending := zones; len(pending) > 0; {
		res, err := s.db.FetchZoneChanges(ctx, pending, toks, []string{})
		if err != nil {
			return false, errors.Wrap(err, "re-checking zone changes")
		}
		var more []recsync.ZoneID
		for _, zone := range pending {
			zc, ok := res[zone]
			if !ok || zc.Err != nil {
				return true, nil
			}
			for _, rec := range zc.Records {
				if rec.Device != s.opts.DeviceID {
					return true, nil
				}
			}
			a := s.adapter(zone)
			for _, id := range zc.Deleted {
				ok, err := a.HasRecordID(ctx, id)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			toks[zone] = zc.Token
			if zc.MoreComing {
				more = append(more, zone)
			}
		}
		pending = more
	}

	for _, zone := range zones {
		if err = s.adapter(zone).SaveToken(ctx, toks[zone]); err != nil {
			return false, errors.Wrapf(err, "saving token of zone %s", zone)
		}
	}
	return false, errors.Wrap(s.opts.Tokens.SetToken(ctx, DatabaseTokenName, dbc.Token), "saving database token")
}
