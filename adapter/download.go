package adapter

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/recsync"
)

// importBatch is the download state between PrepareToImport and PersistImportedChanges.
// Ledger changes are staged here and written in one ledger update
// after the local import transaction commits.
type importBatch struct {
	tx      recsync.ImportTx
	staged  map[string]*recsync.TrackedEntity
	removed map[string]bool
}

func (a *Adapter) beginImport(ctx context.Context) (*importBatch, error) {
	if a.imp != nil {
		return a.imp, nil
	}
	tx, err := a.store.BeginImport(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "beginning import")
	}
	a.imp = &importBatch{
		tx:      tx,
		staged:  make(map[string]*recsync.TrackedEntity),
		removed: make(map[string]bool),
	}
	return a.imp, nil
}

func (b *importBatch) stage(e *recsync.TrackedEntity) {
	delete(b.removed, e.Identifier)
	b.staged[e.Identifier] = e
}

func (b *importBatch) remove(identifier string) {
	delete(b.staged, identifier)
	b.removed[identifier] = true
}

func (a *Adapter) discardImport() {
	if a.imp == nil {
		return
	}
	if err := a.imp.tx.Rollback(); err != nil {
		a.opts.Logger.Printf("ERROR rolling back import: %s", err)
	}
	a.imp = nil
}

// PrepareToImport readies the adapter for a download.
// It drops leftover pending relationships and any unpersisted import,
// and settles entities left in the inserted state.
func (a *Adapter) PrepareToImport(ctx context.Context) error {
	err := a.q.Do(ctx, func() error {
		a.discardImport()
		return a.ledger.Update(ctx, func(l recsync.Ledger) error {
			if err := l.ClearPending(ctx); err != nil {
				return err
			}
			inserted, err := l.EntitiesInState(ctx, recsync.Inserted)
			if err != nil {
				return err
			}
			for _, e := range inserted {
				e.State = recsync.Synced
				if err = l.PutEntity(ctx, e); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return errors.Wrap(err, "preparing to import")
}

// SaveChanges stages downloaded records.
// They take effect on PersistImportedChanges.
func (a *Adapter) SaveChanges(ctx context.Context, records []*recsync.Record) error {
	err := a.q.Do(ctx, func() error {
		imp, err := a.beginImport(ctx)
		if err != nil {
			return err
		}
		objs, err := a.loadObjects(ctx, imp, records)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err = a.saveRecord(ctx, imp, objs, rec); err != nil {
				return errors.Wrapf(err, "saving %s", rec.ID.Name)
			}
		}
		return nil
	})
	return errors.Wrap(err, "saving downloaded changes")
}

// objectSet holds local objects by entity type and origin ID.
type objectSet map[string]map[string]recsync.Object

func (s objectSet) add(entityType string, obj recsync.Object) {
	m := s[entityType]
	if m == nil {
		m = make(map[string]recsync.Object)
		s[entityType] = m
	}
	m[obj.ID()] = obj
}

// loadObjects fetches the local objects of records,
// one call per entity type.
func (a *Adapter) loadObjects(ctx context.Context, imp *importBatch, records []*recsync.Record) (objectSet, error) {
	var (
		byType = make(map[string][]string)
		seen   = make(map[string]bool)
	)
	for _, rec := range records {
		if rec.IsShare() || seen[rec.ID.Name] {
			continue
		}
		if _, ok := a.model.Entity(rec.Type); !ok {
			continue
		}
		seen[rec.ID.Name] = true
		e, err := a.lookup(ctx, rec.ID.Name)
		if err != nil {
			return nil, err
		}
		switch {
		case e == nil:
			byType[rec.Type] = append(byType[rec.Type], strings.TrimPrefix(rec.ID.Name, rec.Type+"."))
		case e.State != recsync.Deleted:
			byType[e.EntityType] = append(byType[e.EntityType], e.OriginID)
		}
	}

	types := make([]string, 0, len(byType))
	for typ := range byType {
		types = append(types, typ)
	}
	sort.Strings(types)

	result := make(objectSet)
	for _, typ := range types {
		objs, err := imp.tx.Objects(ctx, typ, byType[typ])
		if err != nil {
			return nil, errors.Wrapf(err, "getting %s objects", typ)
		}
		for _, obj := range objs {
			result.add(typ, obj)
		}
	}
	return result, nil
}

func (a *Adapter) saveRecord(ctx context.Context, imp *importBatch, objs objectSet, rec *recsync.Record) error {
	e, err := a.lookup(ctx, rec.ID.Name)
	if err != nil {
		return err
	}

	if rec.IsShare() {
		if e == nil {
			e = &recsync.TrackedEntity{
				Identifier:   rec.ID.Name,
				EntityType:   recsync.ShareRecordType,
				OriginID:     rec.ID.Name,
				State:        recsync.Synced,
				LastModified: rec.Timestamp,
			}
		}
		return a.cacheDownloaded(imp, e, rec)
	}

	d, ok := a.model.Entity(rec.Type)
	if !ok {
		a.opts.Logger.Printf("ignoring record %s of unknown type %s", rec.ID.Name, rec.Type)
		return nil
	}

	if e == nil {
		originID := strings.TrimPrefix(rec.ID.Name, rec.Type+".")
		e = &recsync.TrackedEntity{
			Identifier:   rec.ID.Name,
			EntityType:   rec.Type,
			OriginID:     originID,
			State:        recsync.Inserted,
			LastModified: rec.Timestamp,
		}
	}
	if e.State == recsync.Deleted {
		// The local deletion wins.
		return nil
	}

	obj, ok := objs[e.EntityType][e.OriginID]
	if !ok {
		if obj, err = imp.tx.Insert(ctx, e.EntityType, e.OriginID); err != nil {
			return errors.Wrapf(err, "inserting %s %s", e.EntityType, e.OriginID)
		}
		objs.add(e.EntityType, obj)
	}

	if err = a.applyAttributes(ctx, d, e, obj, rec); err != nil {
		return err
	}

	for _, rel := range a.model.Tracked(e.EntityType) {
		names, _ := recsync.ReferenceNames(rec.Fields[rel.Name])
		if len(names) == 0 {
			if err = a.applyRelationship(ctx, e, obj, rel, nil); err != nil {
				return err
			}
			continue
		}
		origins, ok, err := a.resolve(ctx, names)
		if err != nil {
			return err
		}
		if !ok {
			err = a.ledger.AddPending(ctx, recsync.PendingRelationship{Owner: e.Identifier, Field: rel.Name, Targets: names})
			if err != nil {
				return errors.Wrapf(err, "deferring %s of %s", rel.Name, e.Identifier)
			}
			continue
		}
		if err = a.applyRelationship(ctx, e, obj, rel, origins); err != nil {
			return err
		}
	}

	if rec.Share != nil {
		err = a.ledger.AddPending(ctx, recsync.PendingRelationship{Owner: e.Identifier, Field: recsync.ShareField, Targets: []string{rec.Share.Name}})
		if err != nil {
			return errors.Wrapf(err, "deferring share of %s", e.Identifier)
		}
	}

	return a.cacheDownloaded(imp, e, rec)
}

func (a *Adapter) cacheDownloaded(imp *importBatch, e *recsync.TrackedEntity, rec *recsync.Record) error {
	enc, err := recsync.EncodeRecord(rec)
	if err != nil {
		return errors.Wrapf(err, "encoding record of %s", e.Identifier)
	}
	e = e.Clone()
	e.CachedRecord = enc
	if rec.Timestamp.After(e.LastModified) {
		e.LastModified = rec.Timestamp
	}
	if e.LastModified.IsZero() {
		e.LastModified = a.opts.Clock.Now()
	}
	imp.stage(e)
	return nil
}

// remoteWins tells whether downloaded values overwrite local ones unconditionally.
func remoteWins(e *recsync.TrackedEntity) bool {
	return e.State == recsync.Synced || e.State == recsync.Inserted
}

func (a *Adapter) applyAttributes(ctx context.Context, d *recsync.EntityDescriptor, e *recsync.TrackedEntity, obj recsync.Object, rec *recsync.Record) error {
	var (
		policy  = a.opts.MergePolicy
		changes = make(map[string]interface{})
	)
	for _, attr := range d.SyncedAttributes() {
		val, err := a.localValue(ctx, attr, rec.Fields[attr.Name])
		if err != nil {
			return errors.Wrapf(err, "reading %s of %s", attr.Name, e.Identifier)
		}
		switch {
		case remoteWins(e) || policy == recsync.ServerWins:
			obj.SetValue(attr.Name, val)

		case policy == recsync.ClientWins:
			if e.State != recsync.New && !e.IsDirty(attr.Name) {
				obj.SetValue(attr.Name, val)
			}

		default:
			changes[attr.Name] = val
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return errors.Wrapf(a.opts.Resolver.ResolveConflict(ctx, obj, changes), "resolving conflict in %s", e.Identifier)
}

// applyRelationship sets a relationship of obj from downloaded target origin IDs,
// subject to the merge policy.
func (a *Adapter) applyRelationship(ctx context.Context, e *recsync.TrackedEntity, obj recsync.Object, rel recsync.Relationship, origins []string) error {
	var val interface{}
	switch {
	case rel.ToMany && len(origins) > 0:
		val = origins
	case !rel.ToMany && len(origins) > 0:
		val = origins[0]
	}

	policy := a.opts.MergePolicy
	switch {
	case remoteWins(e) || policy == recsync.ServerWins:
		obj.SetValue(rel.Name, val)

	case policy == recsync.ClientWins:
		if !e.IsDirty(rel.Name) || (e.State == recsync.New && isEmpty(obj.Value(rel.Name))) {
			obj.SetValue(rel.Name, val)
		}

	default:
		err := a.opts.Resolver.ResolveConflict(ctx, obj, map[string]interface{}{rel.Name: val})
		return errors.Wrapf(err, "resolving conflict in %s of %s", rel.Name, e.Identifier)
	}
	return nil
}

// resolve maps target identifiers to origin IDs.
// It reports false if any target is not (yet) tracked.
func (a *Adapter) resolve(ctx context.Context, identifiers []string) ([]string, bool, error) {
	var origins []string
	for _, id := range identifiers {
		t, err := a.lookup(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if t == nil {
			return nil, false, nil
		}
		origins = append(origins, t.OriginID)
	}
	return origins, true, nil
}

func (a *Adapter) localValue(ctx context.Context, attr recsync.Attribute, val interface{}) (interface{}, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil

	case recsync.Asset:
		if a.opts.Blobs == nil {
			return nil, errors.Errorf("no blob store for asset %s", v.Location)
		}
		b, err := a.opts.Blobs.Get(ctx, v.Location)
		return b, errors.Wrapf(err, "getting asset %s", v.Location)
	}
	if attr.Kind == recsync.Int {
		if n, ok := toInt64(val); ok {
			return n, nil
		}
	}
	return val, nil
}

func isEmpty(v interface{}) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []string:
		return len(v) == 0
	}
	return false
}

// DeleteRecords stages remotely deleted records for removal,
// deleting their local objects.
func (a *Adapter) DeleteRecords(ctx context.Context, ids []recsync.RecordID) error {
	err := a.q.Do(ctx, func() error {
		imp, err := a.beginImport(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			e, err := a.lookup(ctx, id.Name)
			if err != nil {
				return err
			}
			if e == nil {
				continue
			}
			if e.EntityType != recsync.ShareRecordType && e.State != recsync.Deleted {
				objs, err := imp.tx.Objects(ctx, e.EntityType, []string{e.OriginID})
				if err != nil {
					return errors.Wrapf(err, "getting %s %s", e.EntityType, e.OriginID)
				}
				for _, obj := range objs {
					if err = imp.tx.Delete(ctx, obj); err != nil {
						return errors.Wrapf(err, "deleting %s %s", e.EntityType, e.OriginID)
					}
				}
			}
			imp.remove(e.Identifier)
		}
		return nil
	})
	return errors.Wrap(err, "deleting downloaded deletions")
}

// PersistImportedChanges resolves pending relationships,
// commits the staged local changes,
// and then writes the staged ledger changes.
// If the local commit fails, everything staged is discarded.
func (a *Adapter) PersistImportedChanges(ctx context.Context) error {
	err := a.q.Do(ctx, func() error {
		imp, err := a.beginImport(ctx)
		if err != nil {
			return err
		}
		if err = a.resolvePending(ctx, imp); err != nil {
			a.discardImport()
			return err
		}
		if err = imp.tx.Commit(ctx); err != nil {
			a.imp = nil
			if err2 := imp.tx.Rollback(); err2 != nil {
				a.opts.Logger.Printf("ERROR rolling back import: %s", err2)
			}
			if err2 := a.ledger.ClearPending(ctx); err2 != nil {
				a.opts.Logger.Printf("ERROR clearing pending relationships: %s", err2)
			}
			return errors.Wrap(err, "committing import")
		}
		a.imp = nil
		return a.flush(ctx, imp)
	})
	return errors.Wrap(err, "persisting imported changes")
}

func (a *Adapter) resolvePending(ctx context.Context, imp *importBatch) error {
	pending, err := a.ledger.PendingRelationships(ctx)
	if err != nil {
		return errors.Wrap(err, "listing pending relationships")
	}
	for _, p := range pending {
		owner, err := a.lookup(ctx, p.Owner)
		if err != nil {
			return err
		}
		if owner == nil || owner.State == recsync.Deleted {
			continue
		}

		if p.Field == recsync.ShareField {
			if len(p.Targets) > 0 {
				owner = owner.Clone()
				owner.ShareID = p.Targets[0]
				imp.stage(owner)
			}
			continue
		}

		rel, ok := a.model.TrackedRelationship(owner.EntityType, p.Field)
		if !ok {
			continue
		}
		objs, err := imp.tx.Objects(ctx, owner.EntityType, []string{owner.OriginID})
		if err != nil {
			return errors.Wrapf(err, "getting %s %s", owner.EntityType, owner.OriginID)
		}
		if len(objs) == 0 {
			continue
		}

		var origins []string
		for _, target := range p.Targets {
			t, err := a.lookup(ctx, target)
			if err != nil {
				return err
			}
			if t == nil {
				a.opts.Logger.Printf("%s of %s refers to unknown %s", p.Field, p.Owner, target)
				continue
			}
			origins = append(origins, t.OriginID)
		}
		if !rel.ToMany && len(origins) == 0 {
			continue
		}
		if err = a.applyRelationship(ctx, owner, objs[0], rel, origins); err != nil {
			return err
		}
	}
	return nil
}

// flush writes staged ledger changes on top of the current ledger rows,
// which local saves may have changed since staging.
func (a *Adapter) flush(ctx context.Context, imp *importBatch) error {
	ids := make([]string, 0, len(imp.staged))
	for id := range imp.staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	err := a.ledger.Update(ctx, func(l recsync.Ledger) error {
		for id := range imp.removed {
			if err := l.DeleteEntity(ctx, id); err != nil {
				return errors.Wrapf(err, "deleting %s", id)
			}
		}
		for _, id := range ids {
			staged := imp.staged[id]
			e, err := l.Entity(ctx, id)
			if errors.Is(err, recsync.ErrNotFound) {
				e = staged.Clone()
				e.Seq = 0
				if e.State == recsync.Inserted {
					e.State = recsync.Synced
				}
			} else if err != nil {
				return errors.Wrapf(err, "looking up %s", id)
			} else {
				e.CachedRecord = staged.CachedRecord
				e.ShareID = staged.ShareID
				if staged.LastModified.After(e.LastModified) {
					e.LastModified = staged.LastModified
				}
				if e.State == recsync.Inserted {
					e.State = recsync.Synced
				}
			}
			if err = l.PutEntity(ctx, e); err != nil {
				return errors.Wrapf(err, "storing %s", id)
			}
		}
		return l.ClearPending(ctx)
	})
	return errors.Wrap(err, "updating ledger after import")
}

// DidFinishImport ends a sync pass.
// It discards any unpersisted import,
// purges temporary binary payloads,
// and recomputes HasChanges.
func (a *Adapter) DidFinishImport(ctx context.Context, syncErr error) error {
	var pending bool
	err := a.q.Do(ctx, func() error {
		if a.imp != nil && syncErr == nil {
			a.opts.Logger.Printf("discarding unpersisted import in zone %s", a.zone)
		}
		a.discardImport()

		if a.opts.Blobs != nil {
			if err := a.opts.Blobs.Purge(ctx); err != nil {
				return errors.Wrap(err, "purging blobs")
			}
		}
		for _, state := range []recsync.State{recsync.New, recsync.Changed, recsync.Deleted} {
			entities, err := a.ledger.EntitiesInState(ctx, state)
			if err != nil {
				return errors.Wrapf(err, "listing %s entities", state)
			}
			if len(entities) > 0 {
				pending = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "finishing import")
	}
	a.setHasChanges(pending)
	return nil
}
