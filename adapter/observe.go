package adapter

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobg/recsync"
)

var _ recsync.SaveObserver = &Adapter{}

// WillSave implements recsync.SaveObserver.
// It remembers which synced fields of each updated object are changing.
func (a *Adapter) WillSave(ctx context.Context, changes recsync.ChangeSet) error {
	return a.q.Do(ctx, func() error {
		for _, u := range changes.Updated {
			fields := a.syncedFields(u.Entity, u.Fields)
			if len(fields) == 0 {
				continue
			}
			id := recsync.Identifier(u.Entity, u.ID)
			a.willSave[id] = append(a.willSave[id], fields...)
		}
		return nil
	})
}

// DidSave implements recsync.SaveObserver.
// It updates the ledger to reflect a completed save.
func (a *Adapter) DidSave(ctx context.Context, changes recsync.ChangeSet) error {
	var changed bool
	err := a.q.Do(ctx, func() error {
		defer func() { a.willSave = make(map[string][]string) }()

		return a.ledger.Update(ctx, func(l recsync.Ledger) error {
			var err error
			changed, err = a.didSave(ctx, l, changes)
			return err
		})
	})
	if err != nil {
		return errors.Wrap(err, "tracking saved changes")
	}
	if changed {
		a.setHasChanges(true)
	}
	return nil
}

func (a *Adapter) didSave(ctx context.Context, l recsync.Ledger, changes recsync.ChangeSet) (bool, error) {
	var changed bool

	get := func(entityType, originID string) (*recsync.TrackedEntity, error) {
		e, err := l.EntityByOrigin(ctx, entityType, originID)
		if errors.Is(err, recsync.ErrNotFound) {
			return nil, nil
		}
		return e, err
	}

	insert := func(entityType, originID string) error {
		if _, ok := a.model.Entity(entityType); !ok {
			return nil
		}
		e, err := get(entityType, originID)
		if err != nil {
			return err
		}
		switch {
		case e == nil:
			e = a.newEntity(entityType, originID)

		case e.State == recsync.Deleted:
			// Undo of a deletion: start over as a new entity.
			e.State = recsync.New
			e.Dirty = nil
			e.CachedRecord = nil
			e.Seq = 0
			a.bump(e)

		default:
			return nil
		}
		changed = true
		return l.PutEntity(ctx, e)
	}

	del := func(entityType, originID string) error {
		e, err := get(entityType, originID)
		if err != nil || e == nil || e.State == recsync.Deleted {
			return err
		}
		e.State = recsync.Deleted
		e.Seq = 0
		a.bump(e)
		changed = true
		return l.PutEntity(ctx, e)
	}

	for _, rk := range changes.Rekeyed {
		if err := del(rk.Entity, rk.OldID); err != nil {
			return false, errors.Wrapf(err, "tracking rekey of %s %s", rk.Entity, rk.OldID)
		}
		if err := insert(rk.Entity, rk.NewID); err != nil {
			return false, errors.Wrapf(err, "tracking rekey to %s %s", rk.Entity, rk.NewID)
		}
	}
	for _, ref := range changes.Inserted {
		if err := insert(ref.Entity, ref.ID); err != nil {
			return false, errors.Wrapf(err, "tracking insert of %s %s", ref.Entity, ref.ID)
		}
	}
	for _, u := range changes.Updated {
		if _, ok := a.model.Entity(u.Entity); !ok {
			continue
		}
		e, err := get(u.Entity, u.ID)
		if err != nil {
			return false, errors.Wrapf(err, "looking up %s %s", u.Entity, u.ID)
		}
		if e == nil {
			// Never tracked (e.g. created before tracking began).
			if err = insert(u.Entity, u.ID); err != nil {
				return false, errors.Wrapf(err, "tracking update of %s %s", u.Entity, u.ID)
			}
			continue
		}
		if e.State == recsync.Deleted {
			continue
		}
		fields, ok := a.willSave[e.Identifier]
		if !ok {
			fields = a.syncedFields(u.Entity, u.Fields)
		}
		if len(fields) == 0 {
			continue
		}
		e.AddDirty(fields...)
		if e.State == recsync.Synced || e.State == recsync.Inserted {
			e.State = recsync.Changed
			e.Seq = 0
		}
		a.bump(e)
		changed = true
		if err = l.PutEntity(ctx, e); err != nil {
			return false, errors.Wrapf(err, "tracking update of %s", e.Identifier)
		}
	}
	for _, ref := range changes.Deleted {
		if err := del(ref.Entity, ref.ID); err != nil {
			return false, errors.Wrapf(err, "tracking deletion of %s %s", ref.Entity, ref.ID)
		}
	}

	return changed, nil
}

// syncedFields filters fields down to the synced attributes and tracked relationships of an entity.
func (a *Adapter) syncedFields(entity string, fields []string) []string {
	d, ok := a.model.Entity(entity)
	if !ok {
		return nil
	}
	var out []string
	for _, f := range fields {
		if f == d.PrimaryKey || d.IsIgnored(f) {
			continue
		}
		if _, ok := d.Attribute(f); ok {
			out = append(out, f)
			continue
		}
		if _, ok := a.model.TrackedRelationship(entity, f); ok {
			out = append(out, f)
		}
	}
	return out
}
