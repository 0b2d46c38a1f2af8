package adapter

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/bobg/recsync"
)

// RecordsToUpload returns up to limit records for new and changed entities.
//
// New entities come before changed ones,
// and within each state entities are ordered by model dependency order
// and then by the order in which they were queued.
// An entity whose hierarchy parent is also new or changed
// is preceded by that parent.
//
// Entities whose local object is gone,
// or whose to-one relationships cannot be resolved,
// are skipped and reported in Diagnostics.
func (a *Adapter) RecordsToUpload(ctx context.Context, limit int) ([]*recsync.Record, error) {
	var result []*recsync.Record
	err := a.q.Do(ctx, func() error {
		var err error
		result, err = a.recordsToUpload(ctx, limit)
		return err
	})
	return result, err
}

func (a *Adapter) recordsToUpload(ctx context.Context, limit int) ([]*recsync.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	var queue []*recsync.TrackedEntity
	for _, state := range []recsync.State{recsync.New, recsync.Changed} {
		entities, err := a.ledger.EntitiesInState(ctx, state)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s entities", state)
		}
		queue = append(queue, a.sortEntities(entities)...)
	}

	var (
		result   []*recsync.Record
		scanned  = make(map[string]bool)
		included = make(map[string]bool)
	)
	for _, e := range queue {
		if len(result) >= limit {
			break
		}
		if scanned[e.Identifier] {
			return nil, errors.Wrapf(recsync.ErrDuplicateEntity, "entity %s", e.Identifier)
		}
		scanned[e.Identifier] = true
		if included[e.Identifier] {
			// Already sent ahead of a child.
			continue
		}

		chain, err := a.uploadChain(ctx, e, included)
		if err != nil {
			return nil, err
		}
		// The chain is ancestors first, so truncation defers the descendants.
		if room := limit - len(result); len(chain) > room {
			chain = chain[:room]
		}
		for _, rec := range chain {
			included[rec.ID.Name] = true
			result = append(result, rec)
		}
	}
	return result, nil
}

// uploadChain materializes e and those of its ancestors
// that still need uploading and are not yet included,
// ordered ancestors first.
func (a *Adapter) uploadChain(ctx context.Context, e *recsync.TrackedEntity, included map[string]bool) ([]*recsync.Record, error) {
	var (
		chain   []*recsync.Record
		inChain = make(map[string]bool)
	)
	for e != nil {
		if inChain[e.Identifier] {
			return nil, errors.Wrapf(recsync.ErrDuplicateEntity, "parent cycle at %s", e.Identifier)
		}
		inChain[e.Identifier] = true

		rec, parent, err := a.recordFor(ctx, e, false)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		chain = append(chain, rec)

		if parent == nil || included[parent.Identifier] {
			break
		}
		if parent.State != recsync.New && parent.State != recsync.Changed {
			break
		}
		e = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// sortEntities orders entities by model dependency order,
// preserving the relative (Seq) order within each type.
func (a *Adapter) sortEntities(entities []*recsync.TrackedEntity) []*recsync.TrackedEntity {
	rank := make(map[string]int)
	for i, name := range a.model.SortedNames() {
		rank[name] = i
	}
	out := append([]*recsync.TrackedEntity(nil), entities...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, ok := rank[out[i].EntityType]
		if !ok {
			ri = len(rank)
		}
		rj, ok := rank[out[j].EntityType]
		if !ok {
			rj = len(rank)
		}
		return ri < rj
	})
	return out
}

// recordFor materializes the upload record of e.
// Unless full is true, only dirty fields are included (or all of them for a new entity).
// It also returns the tracked entity of e's hierarchy parent, if any.
// A nil record means e was skipped.
func (a *Adapter) recordFor(ctx context.Context, e *recsync.TrackedEntity, full bool) (*recsync.Record, *recsync.TrackedEntity, error) {
	d, ok := a.model.Entity(e.EntityType)
	if !ok {
		a.skip(e, "unknown entity type %s", e.EntityType)
		return nil, nil, nil
	}
	obj, err := a.object(ctx, e.EntityType, e.OriginID)
	if err != nil {
		return nil, nil, err
	}
	if obj == nil {
		a.skip(e, "no local object")
		return nil, nil, nil
	}

	rec := recsync.NewRecord(e.EntityType, a.recordID(e.Identifier))
	cached, err := a.cachedRecord(e)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case cached == nil:
	case full:
		rec = cached
		rec.Type = e.EntityType
		rec.ID = a.recordID(e.Identifier)
	default:
		// Only metadata carries over from the last server record.
		rec.ChangeTag = cached.ChangeTag
		rec.Parent = cached.Parent
		rec.Share = cached.Share
	}

	full = full || e.State == recsync.New
	include := func(field string) bool {
		return full || e.IsDirty(field)
	}

	for _, attr := range d.SyncedAttributes() {
		if !include(attr.Name) {
			continue
		}
		val, err := a.remoteValue(ctx, attr, obj.Value(attr.Name))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "preparing %s of %s", attr.Name, e.Identifier)
		}
		rec.Set(attr.Name, val)
	}

	for _, rel := range a.model.Tracked(e.EntityType) {
		if !include(rel.Name) {
			continue
		}
		if rel.ToMany {
			var refs []recsync.Reference
			for _, id := range toStrings(obj.Value(rel.Name)) {
				target, err := a.lookupOrigin(ctx, rel.Target, id)
				if err != nil {
					return nil, nil, err
				}
				if target == nil {
					a.opts.Logger.Printf("omitting untracked %s %s from %s of %s", rel.Target, id, rel.Name, e.Identifier)
					continue
				}
				refs = append(refs, recsync.Reference{Name: target.Identifier})
			}
			if len(refs) == 0 {
				rec.Set(rel.Name, nil)
			} else {
				rec.Set(rel.Name, refs)
			}
			continue
		}

		id := toString(obj.Value(rel.Name))
		if id == "" {
			rec.Set(rel.Name, nil)
			continue
		}
		target, err := a.lookupOrigin(ctx, rel.Target, id)
		if err != nil {
			return nil, nil, err
		}
		if target == nil {
			a.skip(e, "%s refers to untracked %s %s", rel.Name, rel.Target, id)
			return nil, nil, nil
		}
		rec.Set(rel.Name, recsync.Reference{Name: target.Identifier})
	}

	var parent *recsync.TrackedEntity
	if d.ParentKey != "" {
		if id := toString(obj.Value(d.ParentKey)); id != "" {
			rel, _ := d.Relationship(d.ParentKey)
			parent, err = a.lookupOrigin(ctx, rel.Target, id)
			if err != nil {
				return nil, nil, err
			}
		}
		rec.Parent = nil
		if parent != nil {
			pid := a.recordID(parent.Identifier)
			rec.Parent = &pid
		}
	}

	rec.Timestamp = e.LastModified
	return rec, parent, nil
}

// RecordFor materializes the complete current record of a local object,
// with every synced field,
// or returns nil if the object is not tracked.
func (a *Adapter) RecordFor(ctx context.Context, obj recsync.Object) (*recsync.Record, error) {
	var rec *recsync.Record
	err := a.q.Do(ctx, func() error {
		e, err := a.lookupOrigin(ctx, obj.Entity(), obj.ID())
		if err != nil || e == nil {
			return err
		}
		rec, _, err = a.recordFor(ctx, e, true)
		return err
	})
	return rec, err
}

// DidUpload records the successful upload of records.
// An entity returns to synced only if it has not changed since its record was materialized.
// Calling DidUpload again with the same records has no further effect.
func (a *Adapter) DidUpload(ctx context.Context, saved []*recsync.Record) error {
	err := a.q.Do(ctx, func() error {
		return a.ledger.Update(ctx, func(l recsync.Ledger) error {
			for _, rec := range saved {
				e, err := l.Entity(ctx, rec.ID.Name)
				if errors.Is(err, recsync.ErrNotFound) {
					continue
				}
				if err != nil {
					return errors.Wrapf(err, "looking up %s", rec.ID.Name)
				}
				if (e.State == recsync.New || e.State == recsync.Changed) && rec.Timestamp.Equal(e.LastModified) {
					e.State = recsync.Synced
					e.Dirty = nil
				}
				if rec, err = a.mergeCached(e, rec); err != nil {
					return err
				}
				if e.CachedRecord, err = recsync.EncodeRecord(rec); err != nil {
					return errors.Wrapf(err, "encoding record of %s", e.Identifier)
				}
				if err = l.PutEntity(ctx, e); err != nil {
					return errors.Wrapf(err, "storing %s", e.Identifier)
				}
			}
			return nil
		})
	})
	return errors.Wrap(err, "recording upload")
}

// mergeCached overlays saved on e's cached record,
// so fields left out of a partial upload keep their last known values.
func (a *Adapter) mergeCached(e *recsync.TrackedEntity, saved *recsync.Record) (*recsync.Record, error) {
	cached, err := a.cachedRecord(e)
	if err != nil || cached == nil {
		return saved, err
	}
	out := *saved
	out.Fields = cached.Fields
	if out.Fields == nil {
		out.Fields = make(map[string]interface{})
	}
	for k, v := range saved.Fields {
		out.Fields[k] = v
	}
	return &out, nil
}

// RecordIDsMarkedForDeletion returns up to limit record IDs of deleted entities,
// in the reverse of upload order, so children precede their parents.
// Deleted entities that were never uploaded are purged from the ledger along the way.
func (a *Adapter) RecordIDsMarkedForDeletion(ctx context.Context, limit int) ([]recsync.RecordID, error) {
	var result []recsync.RecordID
	err := a.q.Do(ctx, func() error {
		if limit <= 0 {
			return nil
		}
		deleted, err := a.ledger.EntitiesInState(ctx, recsync.Deleted)
		if err != nil {
			return errors.Wrap(err, "listing deleted entities")
		}
		deleted = parentFirst(a.sortEntities(deleted), func(e *recsync.TrackedEntity) string {
			rec, err := a.cachedRecord(e)
			if err != nil || rec == nil || rec.Parent == nil {
				return ""
			}
			return rec.Parent.Name
		})
		for i := len(deleted) - 1; i >= 0 && len(result) < limit; i-- {
			e := deleted[i]
			if len(e.CachedRecord) == 0 {
				if err = a.ledger.DeleteEntity(ctx, e.Identifier); err != nil {
					return errors.Wrapf(err, "purging %s", e.Identifier)
				}
				continue
			}
			result = append(result, a.recordID(e.Identifier))
		}
		return nil
	})
	return result, err
}

// DidDelete records the successful remote deletion of records.
func (a *Adapter) DidDelete(ctx context.Context, ids []recsync.RecordID) error {
	err := a.q.Do(ctx, func() error {
		return a.ledger.Update(ctx, func(l recsync.Ledger) error {
			for _, id := range ids {
				if err := l.DeleteEntity(ctx, id.Name); err != nil {
					return errors.Wrapf(err, "deleting %s", id.Name)
				}
			}
			return nil
		})
	})
	return errors.Wrap(err, "recording deletion")
}

func (a *Adapter) remoteValue(ctx context.Context, attr recsync.Attribute, val interface{}) (interface{}, error) {
	if val == nil {
		return nil, nil
	}
	switch attr.Kind {
	case recsync.Int:
		n, ok := toInt64(val)
		if !ok {
			return nil, errors.Errorf("value of type %T is not an integer", val)
		}
		return n, nil

	case recsync.Bytes:
		b, ok := val.([]byte)
		if !ok {
			return nil, errors.Errorf("value of type %T is not binary", val)
		}
		if len(b) == 0 {
			return nil, nil
		}
		if a.opts.Blobs == nil || len(b) <= a.opts.InlineLimit {
			return b, nil
		}
		loc, err := a.opts.Blobs.Put(ctx, b)
		if err != nil {
			return nil, errors.Wrap(err, "storing binary payload")
		}
		return recsync.Asset{Location: loc}, nil
	}
	return val, nil
}

// parentFirst reorders entities so that each one follows its parent,
// when the parent (named by parentOf) is among them.
// Otherwise the order is preserved.
func parentFirst(entities []*recsync.TrackedEntity, parentOf func(*recsync.TrackedEntity) string) []*recsync.TrackedEntity {
	var (
		byID = make(map[string]*recsync.TrackedEntity)
		done = make(map[string]bool)
		out  = make([]*recsync.TrackedEntity, 0, len(entities))
	)
	for _, e := range entities {
		byID[e.Identifier] = e
	}

	var visit func(*recsync.TrackedEntity)
	visit = func(e *recsync.TrackedEntity) {
		if done[e.Identifier] {
			return
		}
		done[e.Identifier] = true
		if p, ok := byID[parentOf(e)]; ok {
			visit(p)
		}
		out = append(out, e)
	}
	for _, e := range entities {
		visit(e)
	}
	return out
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toStrings(v interface{}) []string {
	ss, _ := v.([]string)
	return ss
}

func toInt64(v interface{}) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
