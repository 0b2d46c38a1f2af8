// Package mem implements an in-memory local object graph.
//
// Objects are changed through a Session,
// which stages inserts, updates, deletions, and primary-key changes
// and applies them atomically on Save.
// Registered SaveObservers see every application Save,
// but not the commit of an import transaction.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/recsync"
)

var (
	_ recsync.ObjectStore = &Store{}
	_ recsync.ImportTx    = &Session{}
	_ recsync.Object      = &Object{}
)

// Store is a memory-based implementation of recsync.ObjectStore.
type Store struct {
	model *recsync.Model

	mu        sync.Mutex
	objects   map[recsync.ObjectRef]*Object
	observers []recsync.SaveObserver
}

// New produces an empty Store for the given model.
func New(model *recsync.Model) *Store {
	return &Store{
		model:   model,
		objects: make(map[recsync.ObjectRef]*Object),
	}
}

// Model implements recsync.ObjectStore.
func (s *Store) Model() *recsync.Model {
	return s.model
}

// Observe registers an observer for application saves.
func (s *Store) Observe(obs recsync.SaveObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observers = append(s.observers, obs)
}

// Objects implements recsync.ObjectStore.
// The results are snapshots;
// changing them has no effect on the store.
func (s *Store) Objects(_ context.Context, entity string, ids []string) ([]recsync.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []recsync.Object
	for _, id := range ids {
		if obj, ok := s.objects[recsync.ObjectRef{Entity: entity, ID: id}]; ok {
			result = append(result, obj.clone())
		}
	}
	return result, nil
}

// Get returns a snapshot of one committed object,
// or nil if there is none.
func (s *Store) Get(entity, id string) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.objects[recsync.ObjectRef{Entity: entity, ID: id}]; ok {
		return obj.clone()
	}
	return nil
}

// IDs returns the sorted IDs of the committed objects of a type.
func (s *Store) IDs(entity string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for ref := range s.objects {
		if ref.Entity == entity {
			ids = append(ids, ref.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Edit begins an application session.
func (s *Store) Edit() *Session {
	return s.newSession(true)
}

// BeginImport implements recsync.ObjectStore.
func (s *Store) BeginImport(context.Context) (recsync.ImportTx, error) {
	return s.newSession(false), nil
}

func (s *Store) newSession(notify bool) *Session {
	return &Session{
		s:        s,
		notify:   notify,
		objects:  make(map[recsync.ObjectRef]*Object),
		inserted: make(map[recsync.ObjectRef]bool),
		deleted:  make(map[recsync.ObjectRef]bool),
	}
}

// Object is a local object.
type Object struct {
	entity string
	id     string
	values map[string]interface{}
}

// Entity implements recsync.Object.
func (o *Object) Entity() string { return o.entity }

// ID implements recsync.Object.
func (o *Object) ID() string { return o.id }

// Value implements recsync.Object.
func (o *Object) Value(field string) interface{} {
	return copyValue(o.values[field])
}

// SetValue implements recsync.Object.
func (o *Object) SetValue(field string, val interface{}) {
	val = copyValue(val)
	if val == nil {
		delete(o.values, field)
		return
	}
	o.values[field] = val
}

func (o *Object) ref() recsync.ObjectRef {
	return recsync.ObjectRef{Entity: o.entity, ID: o.id}
}

func (o *Object) clone() *Object {
	out := &Object{entity: o.entity, id: o.id, values: make(map[string]interface{}, len(o.values))}
	for k, v := range o.values {
		out.values[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch v := v.(type) {
	case []byte:
		return append([]byte(nil), v...)
	case []string:
		if len(v) == 0 {
			return nil
		}
		return append([]string(nil), v...)
	}
	return v
}

// Session stages changes to a Store.
type Session struct {
	s      *Store
	notify bool
	done   bool

	objects  map[recsync.ObjectRef]*Object // working copies
	inserted map[recsync.ObjectRef]bool
	deleted  map[recsync.ObjectRef]bool
	rekeys   []recsync.Rekey
}

// Get returns the session's working copy of an object,
// or recsync.ErrNotFound.
func (sess *Session) Get(entity, id string) (*Object, error) {
	ref := recsync.ObjectRef{Entity: entity, ID: id}
	if sess.deleted[ref] {
		return nil, recsync.ErrNotFound
	}
	if obj, ok := sess.objects[ref]; ok {
		return obj, nil
	}
	obj := sess.s.Get(entity, id)
	if obj == nil {
		return nil, recsync.ErrNotFound
	}
	sess.objects[ref] = obj
	return obj, nil
}

// Objects implements recsync.ImportTx.
func (sess *Session) Objects(_ context.Context, entity string, ids []string) ([]recsync.Object, error) {
	var result []recsync.Object
	for _, id := range ids {
		obj, err := sess.Get(entity, id)
		if errors.Is(err, recsync.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, obj)
	}
	return result, nil
}

// Insert implements recsync.ImportTx.
func (sess *Session) Insert(_ context.Context, entity, id string) (recsync.Object, error) {
	return sess.New(entity, id)
}

// New creates an object in the session.
func (sess *Session) New(entity, id string) (*Object, error) {
	d, ok := sess.s.model.Entity(entity)
	if !ok {
		return nil, errors.Errorf("unknown entity %s", entity)
	}
	if _, err := sess.Get(entity, id); err == nil {
		return nil, errors.Errorf("object %s %s already exists", entity, id)
	}
	obj := &Object{entity: entity, id: id, values: make(map[string]interface{})}
	if d.PrimaryKey != "" {
		obj.values[d.PrimaryKey] = id
	}
	ref := obj.ref()
	sess.objects[ref] = obj
	if sess.deleted[ref] {
		// Deleted and reinserted in one session: an update of the committed object.
		delete(sess.deleted, ref)
	} else {
		sess.inserted[ref] = true
	}
	return obj, nil
}

// Delete implements recsync.ImportTx.
func (sess *Session) Delete(_ context.Context, obj recsync.Object) error {
	ref := recsync.ObjectRef{Entity: obj.Entity(), ID: obj.ID()}
	if sess.inserted[ref] {
		delete(sess.inserted, ref)
		delete(sess.objects, ref)
		return nil
	}
	sess.deleted[ref] = true
	delete(sess.objects, ref)
	return nil
}

// ChangeID changes the primary key of a committed object.
func (sess *Session) ChangeID(obj *Object, newID string) error {
	oldRef := obj.ref()
	if sess.inserted[oldRef] {
		return errors.Errorf("object %s %s is not yet saved", obj.entity, obj.id)
	}
	if _, err := sess.Get(obj.entity, newID); err == nil {
		return errors.Errorf("object %s %s already exists", obj.entity, newID)
	}
	d, _ := sess.s.model.Entity(obj.entity)

	delete(sess.objects, oldRef)
	sess.deleted[oldRef] = true

	obj.id = newID
	if d != nil && d.PrimaryKey != "" {
		obj.values[d.PrimaryKey] = newID
	}
	newRef := obj.ref()
	sess.objects[newRef] = obj
	sess.inserted[newRef] = true
	sess.rekeys = append(sess.rekeys, recsync.Rekey{Entity: obj.entity, OldID: oldRef.ID, NewID: newID})
	return nil
}

// Save commits the session's changes to the store.
// Registered observers are called before and after,
// unless this is an import transaction.
// The session may continue to be used after Save.
func (sess *Session) Save(ctx context.Context) error {
	if sess.done {
		return errors.New("session is finished")
	}

	changes := sess.changeSet()
	if changes.IsEmpty() {
		return nil
	}

	var observers []recsync.SaveObserver
	if sess.notify {
		sess.s.mu.Lock()
		observers = append(observers, sess.s.observers...)
		sess.s.mu.Unlock()
	}

	for _, obs := range observers {
		if err := obs.WillSave(ctx, changes); err != nil {
			return errors.Wrap(err, "in save observer")
		}
	}

	sess.s.mu.Lock()
	for ref := range sess.deleted {
		delete(sess.s.objects, ref)
	}
	for ref, obj := range sess.objects {
		sess.s.objects[ref] = obj.clone()
	}
	sess.s.mu.Unlock()

	sess.objects = make(map[recsync.ObjectRef]*Object)
	sess.inserted = make(map[recsync.ObjectRef]bool)
	sess.deleted = make(map[recsync.ObjectRef]bool)
	sess.rekeys = nil

	for _, obs := range observers {
		if err := obs.DidSave(ctx, changes); err != nil {
			return errors.Wrap(err, "in save observer")
		}
	}
	return nil
}

// Commit implements recsync.ImportTx.
func (sess *Session) Commit(ctx context.Context) error {
	err := sess.Save(ctx)
	sess.done = true
	return err
}

// Rollback implements recsync.ImportTx.
// It discards the session's changes.
func (sess *Session) Rollback() error {
	sess.objects = nil
	sess.inserted = nil
	sess.deleted = nil
	sess.rekeys = nil
	sess.done = true
	return nil
}

func (sess *Session) changeSet() recsync.ChangeSet {
	var (
		cs      recsync.ChangeSet
		rekeyed = make(map[recsync.ObjectRef]bool)
	)
	for _, rk := range sess.rekeys {
		rekeyed[recsync.ObjectRef{Entity: rk.Entity, ID: rk.OldID}] = true
		rekeyed[recsync.ObjectRef{Entity: rk.Entity, ID: rk.NewID}] = true
	}
	cs.Rekeyed = append(cs.Rekeyed, sess.rekeys...)

	for ref := range sess.inserted {
		if !rekeyed[ref] {
			cs.Inserted = append(cs.Inserted, ref)
		}
	}
	for ref := range sess.deleted {
		if !rekeyed[ref] {
			cs.Deleted = append(cs.Deleted, ref)
		}
	}

	sess.s.mu.Lock()
	for ref, obj := range sess.objects {
		if sess.inserted[ref] || rekeyed[ref] {
			continue
		}
		committed, ok := sess.s.objects[ref]
		if !ok {
			continue
		}
		if fields := changedFields(committed, obj); len(fields) > 0 {
			cs.Updated = append(cs.Updated, recsync.ObjectChange{ObjectRef: ref, Fields: fields})
		}
	}
	sess.s.mu.Unlock()

	sortRefs(cs.Inserted)
	sortRefs(cs.Deleted)
	sort.Slice(cs.Updated, func(i, j int) bool { return lessRef(cs.Updated[i].ObjectRef, cs.Updated[j].ObjectRef) })
	return cs
}

func changedFields(a, b *Object) []string {
	keys := make(map[string]bool)
	for k := range a.values {
		keys[k] = true
	}
	for k := range b.values {
		keys[k] = true
	}
	var out []string
	for k := range keys {
		if !recsync.EqualValues(a.values[k], b.values[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortRefs(refs []recsync.ObjectRef) {
	sort.Slice(refs, func(i, j int) bool { return lessRef(refs[i], refs[j]) })
}

func lessRef(a, b recsync.ObjectRef) bool {
	if a.Entity != b.Entity {
		return a.Entity < b.Entity
	}
	return a.ID < b.ID
}
