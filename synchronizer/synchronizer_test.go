package synchronizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/adapter"
	ledgermem "github.com/bobg/recsync/ledger/mem"
	localmem "github.com/bobg/recsync/local/mem"
	"github.com/bobg/recsync/remote/logging"
	remotemem "github.com/bobg/recsync/remote/mem"
	"github.com/bobg/recsync/testutil"
)

var (
	mainZone = recsync.ZoneID{Name: "main"}
	zoneA    = recsync.ZoneID{Name: "a"}
	zoneB    = recsync.ZoneID{Name: "b"}
)

// local is one zone's worth of local state on a device.
type local struct {
	store *localmem.Store
	a     *adapter.Adapter
}

func newLocal(t *testing.T, zone recsync.ZoneID, opts adapter.Options) *local {
	store := localmem.New(testutil.Model(t))
	a, err := adapter.New(zone, store, ledgermem.New(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	return &local{store: store, a: a}
}

func (l *local) edit(t *testing.T, fn func(*localmem.Session)) {
	t.Helper()
	sess := l.store.Edit()
	fn(sess)
	if err := sess.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func newObj(t *testing.T, sess *localmem.Session, entity, id string, vals map[string]interface{}) {
	t.Helper()
	obj, err := sess.New(entity, id)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range vals {
		obj.SetValue(k, v)
	}
}

func value(t *testing.T, l *local, entity, id, field string) interface{} {
	t.Helper()
	obj := l.store.Get(entity, id)
	if obj == nil {
		t.Fatalf("no local %s %s", entity, id)
	}
	return obj.Value(field)
}

// device is a synchronizer over a single zone.
type device struct {
	*local
	s *Synchronizer
}

func newDevice(t *testing.T, db recsync.Database, opts Options, aopts adapter.Options) *device {
	l := newLocal(t, mainZone, aopts)
	opts.Adapters = append(opts.Adapters, l.a)
	return &device{local: l, s: New(db, opts)}
}

func (d *device) sync(t *testing.T) {
	t.Helper()
	if err := d.s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// spy wraps a Database, calling hooks on some operations.
type spy struct {
	recsync.Database

	mu           sync.Mutex
	nFetchDB     int
	nFetchZones  int
	onFetchDB    func(n int)
	onFetchZones func(n int, zones []recsync.ZoneID)
	beforeModify func()
}

func (s *spy) FetchDatabaseChanges(ctx context.Context, tok []byte) (*recsync.DatabaseChanges, error) {
	s.mu.Lock()
	s.nFetchDB++
	n, f := s.nFetchDB, s.onFetchDB
	s.mu.Unlock()
	if f != nil {
		f(n)
	}
	return s.Database.FetchDatabaseChanges(ctx, tok)
}

func (s *spy) FetchZoneChanges(ctx context.Context, zones []recsync.ZoneID, toks map[recsync.ZoneID][]byte, desiredKeys []string) (map[recsync.ZoneID]*recsync.ZoneChanges, error) {
	s.mu.Lock()
	s.nFetchZones++
	n, f := s.nFetchZones, s.onFetchZones
	s.mu.Unlock()
	if f != nil {
		f(n, zones)
	}
	return s.Database.FetchZoneChanges(ctx, zones, toks, desiredKeys)
}

func (s *spy) ModifyRecords(ctx context.Context, save []*recsync.Record, del []recsync.RecordID) (*recsync.ModifyResult, error) {
	s.mu.Lock()
	f := s.beforeModify
	s.beforeModify = nil
	s.mu.Unlock()
	if f != nil {
		f()
	}
	return s.Database.ModifyRecords(ctx, save, del)
}

func TestTwoDevices(t *testing.T) {
	ctx := context.Background()
	server := remotemem.New(nil)
	db := logging.New(server)

	d1 := newDevice(t, db, Options{DeviceID: "d1"}, adapter.Options{})
	d1.edit(t, func(sess *localmem.Session) {
		newObj(t, sess, "Company", "c1", map[string]interface{}{"name": "Acme"})
		newObj(t, sess, "Employee", "e1", map[string]interface{}{"name": "Ann", "company": "c1"})
	})
	d1.sync(t)

	if diff := cmp.Diff([]string{"Company.c1", "Employee.e1"}, server.Names(mainZone)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got := server.Record(recsync.RecordID{Zone: mainZone, Name: "Employee.e1"}).Device; got != "d1" {
		t.Errorf("got device %q, want d1", got)
	}

	d2 := newDevice(t, db, Options{DeviceID: "d2"}, adapter.Options{})
	d2.sync(t)
	if got := value(t, d2.local, "Employee", "e1", "company"); got != "c1" {
		t.Errorf("got company %v, want c1", got)
	}
	if got := value(t, d2.local, "Employee", "e1", "name"); got != "Ann" {
		t.Errorf("got name %v, want Ann", got)
	}

	d2.edit(t, func(sess *localmem.Session) {
		obj, err := sess.Get("Employee", "e1")
		if err != nil {
			t.Fatal(err)
		}
		obj.SetValue("name", "Bob")
	})
	d2.sync(t)
	d1.sync(t)
	if got := value(t, d1.local, "Employee", "e1", "name"); got != "Bob" {
		t.Errorf("got name %v, want Bob", got)
	}

	d1.edit(t, func(sess *localmem.Session) {
		obj, err := sess.Get("Employee", "e1")
		if err != nil {
			t.Fatal(err)
		}
		if err = sess.Delete(ctx, obj); err != nil {
			t.Fatal(err)
		}
	})
	d1.sync(t)
	if diff := cmp.Diff([]string{"Company.c1"}, server.Names(mainZone)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	d2.sync(t)
	if obj := d2.store.Get("Employee", "e1"); obj != nil {
		t.Error("e1 still present on d2")
	}
	if d1.a.HasChanges() || d2.a.HasChanges() {
		t.Error("changes still pending after sync")
	}
	if got := d1.s.State(); got != Idle {
		t.Errorf("got state %s, want idle", got)
	}
}

func TestTokensAdvanceAfterMerge(t *testing.T) {
	ctx := context.Background()
	server := remotemem.New(nil)
	server.SetPageSize(1)

	var (
		up1 = newLocal(t, zoneA, adapter.Options{})
		up2 = newLocal(t, zoneB, adapter.Options{})
	)
	up1.edit(t, func(sess *localmem.Session) {
		newObj(t, sess, "Company", "a1", nil)
		newObj(t, sess, "Company", "a2", nil)
	})
	up2.edit(t, func(sess *localmem.Session) {
		newObj(t, sess, "Company", "b1", nil)
	})
	uploader := New(server, Options{DeviceID: "up", Adapters: []ModelAdapter{up1.a, up2.a}})
	if err := uploader.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	var (
		down1 = newLocal(t, zoneA, adapter.Options{})
		down2 = newLocal(t, zoneB, adapter.Options{})
		db    = &spy{Database: logging.New(server)}
	)
	db.onFetchZones = func(n int, zones []recsync.ZoneID) {
		switch n {
		case 1:
			if diff := cmp.Diff([]recsync.ZoneID{zoneA, zoneB}, zones); diff != "" {
				t.Errorf("first fetch mismatch (-want +got):\n%s", diff)
			}
		case 2:
			if diff := cmp.Diff([]recsync.ZoneID{zoneA}, zones); diff != "" {
				t.Errorf("second fetch mismatch (-want +got):\n%s", diff)
			}
			tok, err := down1.a.Token(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if tok != nil {
				t.Errorf("zone a token saved before its changes were merged")
			}
		}
	}
	s := New(db, Options{DeviceID: "down", Adapters: []ModelAdapter{down1.a, down2.a}})
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"a1", "a2"}, down1.store.IDs("Company")); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b1"}, down2.store.IDs("Company")); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	for _, l := range []*local{down1, down2} {
		tok, err := l.a.Token(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if tok == nil {
			t.Errorf("no token for zone %s", l.a.Zone())
		}
	}
}

func TestConflictRetry(t *testing.T) {
	ctx := context.Background()
	server := remotemem.New(nil)
	id := recsync.RecordID{Zone: mainZone, Name: "Company.c1"}

	d1 := newDevice(t, server, Options{DeviceID: "d1"}, adapter.Options{})
	d1.edit(t, func(sess *localmem.Session) {
		newObj(t, sess, "Company", "c1", map[string]interface{}{"name": "Acme", "sortIndex": int64(1)})
	})
	d1.sync(t)

	db := &spy{Database: server}
	d2 := newDevice(t, db, Options{DeviceID: "d2"}, adapter.Options{MergePolicy: recsync.ClientWins})
	d2.sync(t)

	d2.edit(t, func(sess *localmem.Session) {
		obj, err := sess.Get("Company", "c1")
		if err != nil {
			t.Fatal(err)
		}
		obj.SetValue("sortIndex", int64(7))
	})

	// Someone else renames c1 between d2's fetch and its upload.
	db.beforeModify = func() {
		rec := server.Record(id)
		rec.Fields = map[string]interface{}{"name": "Acme2"}
		rec.Device = "other"
		res, err := server.ModifyRecords(ctx, []*recsync.Record{rec}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Errors) > 0 {
			t.Fatal(res.Errors)
		}
	}
	d2.sync(t)

	got := server.Record(id).Fields
	want := map[string]interface{}{"name": "Acme2", "sortIndex": int64(7)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got := value(t, d2.local, "Company", "c1", "name"); got != "Acme2" {
		t.Errorf("got local name %v, want Acme2", got)
	}
	if d2.a.HasChanges() {
		t.Error("changes still pending after conflict retry")
	}
}

func TestLimitExceeded(t *testing.T) {
	server := remotemem.New(nil)
	server.SetMaxBatch(2)

	d := newDevice(t, server, Options{DeviceID: "d", BatchSize: 4}, adapter.Options{})
	d.edit(t, func(sess *localmem.Session) {
		for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
			newObj(t, sess, "Company", id, nil)
		}
	})
	d.sync(t)

	want := []string{"Company.c1", "Company.c2", "Company.c3", "Company.c4", "Company.c5"}
	if diff := cmp.Diff(want, server.Names(mainZone)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got := d.s.BatchSize(); got != 4 {
		t.Errorf("got batch size %d, want 4", got)
	}
}

func TestBatchSizeCarriesOver(t *testing.T) {
	server := remotemem.New(nil)
	server.SetMaxBatch(1)

	d := newDevice(t, server, Options{DeviceID: "d", BatchSize: 20}, adapter.Options{})
	d.edit(t, func(sess *localmem.Session) {
		for _, id := range []string{"c1", "c2", "c3"} {
			newObj(t, sess, "Company", id, nil)
		}
	})
	d.sync(t)
	if got := d.s.BatchSize(); got != 6 {
		t.Errorf("got batch size %d, want 6", got)
	}

	// The next pass starts from where the last one left off.
	d.edit(t, func(sess *localmem.Session) {
		newObj(t, sess, "Company", "c4", nil)
	})
	d.sync(t)
	if got := d.s.BatchSize(); got != 11 {
		t.Errorf("got batch size %d, want 11", got)
	}
	if diff := cmp.Diff([]string{"Company.c1", "Company.c2", "Company.c3", "Company.c4"}, server.Names(mainZone)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestShrinkGrow(t *testing.T) {
	var got []int
	for size, ok := 20, true; ok; {
		got = append(got, size)
		size, ok = shrink(size)
	}
	if diff := cmp.Diff([]int{20, 10, 5, 2, 1}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if n := grow(1, 20); n != 6 {
		t.Errorf("got %d, want 6", n)
	}
	if n := grow(18, 20); n != 20 {
		t.Errorf("got %d, want 20", n)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	server := remotemem.New(nil)

	var (
		s      *Synchronizer
		cancel = true
		events []EventKind
	)
	l := newLocal(t, mainZone, adapter.Options{})
	l.edit(t, func(sess *localmem.Session) {
		newObj(t, sess, "Company", "c1", nil)
	})
	s = New(server, Options{
		Adapters: []ModelAdapter{l.a},
		OnEvent: func(ev Event) {
			events = append(events, ev.Kind)
			if ev.Kind == WillFetchChanges && cancel {
				s.Cancel()
			}
		},
	})

	if err := s.Sync(ctx); !errors.Is(err, recsync.ErrCancelled) {
		t.Fatalf("got error %v, want ErrCancelled", err)
	}
	if diff := cmp.Diff([]EventKind{WillSynchronize, WillFetchChanges, DidFail}, events); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if names := server.Names(mainZone); len(names) != 0 {
		t.Errorf("got records %v after cancelled sync, want none", names)
	}
	if !l.a.HasChanges() {
		t.Error("no pending changes after cancelled sync")
	}

	cancel = false
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Company.c1"}, server.Names(mainZone)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got := s.State(); got != Idle {
		t.Errorf("got state %s, want idle", got)
	}
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	var (
		entered = make(chan struct{})
		release = make(chan struct{})
		db      = &spy{Database: remotemem.New(nil)}
	)
	db.onFetchDB = func(n int) {
		if n == 1 {
			close(entered)
			<-release
		}
	}
	l := newLocal(t, mainZone, adapter.Options{})
	s := New(db, Options{Adapters: []ModelAdapter{l.a}})

	errs := make(chan error, 3)
	go func() { errs <- s.Sync(ctx) }()
	<-entered

	for i := 0; i < 2; i++ {
		go func() { errs <- s.Sync(ctx) }()
	}
	for {
		s.mu.Lock()
		var n int
		if s.next != nil {
			n = s.next.waiters
		}
		s.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.nFetchDB != 2 {
		t.Errorf("got %d passes, want 2", db.nFetchDB)
	}
}

type provider struct {
	t       *testing.T
	created map[recsync.ZoneID]*local
	deleted []recsync.ZoneID
}

func (p *provider) AdapterForZone(_ context.Context, zone recsync.ZoneID) (ModelAdapter, error) {
	l := newLocal(p.t, zone, adapter.Options{})
	p.created[zone] = l
	return l.a, nil
}

func (p *provider) ZoneWasDeleted(_ context.Context, zone recsync.ZoneID, _ ModelAdapter) error {
	p.deleted = append(p.deleted, zone)
	return nil
}

func TestZones(t *testing.T) {
	ctx := context.Background()
	server := remotemem.New(nil)

	d1 := newDevice(t, server, Options{DeviceID: "d1"}, adapter.Options{})
	d1.edit(t, func(sess *localmem.Session) {
		newObj(t, sess, "Company", "c1", map[string]interface{}{"name": "Acme"})
	})
	d1.sync(t)

	// A device with no adapters learns of the zone from the database feed.
	p := &provider{t: t, created: make(map[recsync.ZoneID]*local)}
	s := New(server, Options{DeviceID: "d2", Provider: p})
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	l, ok := p.created[mainZone]
	if !ok {
		t.Fatal("no adapter created for zone main")
	}
	if got := value(t, l, "Company", "c1", "name"); got != "Acme" {
		t.Errorf("got name %v, want Acme", got)
	}

	if err := server.DeleteZone(ctx, mainZone); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]recsync.ZoneID{mainZone}, p.deleted); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if n := len(s.Adapters()); n != 0 {
		t.Errorf("got %d adapters after zone deletion, want 0", n)
	}
}

func TestIgnoreNewerModelVersion(t *testing.T) {
	ctx := context.Background()
	server := remotemem.New(nil)
	if err := server.CreateZone(ctx, mainZone); err != nil {
		t.Fatal(err)
	}
	var save []*recsync.Record
	for i, name := range []string{"Company.c1", "Company.c2"} {
		rec := recsync.NewRecord("Company", recsync.RecordID{Zone: mainZone, Name: name})
		rec.Fields["name"] = name
		rec.ModelVersion = i + 1
		save = append(save, rec)
	}
	if _, err := server.ModifyRecords(ctx, save, nil); err != nil {
		t.Fatal(err)
	}

	d := newDevice(t, server, Options{CompatibilityVersion: 1}, adapter.Options{})
	d.sync(t)
	if diff := cmp.Diff([]string{"c1"}, d.store.IDs("Company")); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRestartOnConcurrentChange(t *testing.T) {
	ctx := context.Background()
	server := remotemem.New(nil)

	var injected bool
	server.OnModify(func() {
		if injected {
			return
		}
		injected = true
		rec := recsync.NewRecord("Company", recsync.RecordID{Zone: mainZone, Name: "Company.x"})
		rec.Fields["name"] = "from elsewhere"
		rec.Device = "other"
		if _, err := server.ModifyRecords(ctx, []*recsync.Record{rec}, nil); err != nil {
			t.Error(err)
		}
	})

	var fetches int
	d := newDevice(t, server, Options{
		DeviceID: "d",
		OnEvent: func(ev Event) {
			if ev.Kind == WillFetchChanges {
				fetches++
			}
		},
	}, adapter.Options{})
	d.edit(t, func(sess *localmem.Session) {
		newObj(t, sess, "Company", "c1", nil)
	})
	d.sync(t)

	if fetches != 2 {
		t.Errorf("got %d fetches, want 2", fetches)
	}
	if diff := cmp.Diff([]string{"c1", "x"}, d.store.IDs("Company")); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
