package adapter

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobg/recsync"
)

// ShareFor returns the sharing grant record of a local object,
// or nil if it has none.
func (a *Adapter) ShareFor(ctx context.Context, obj recsync.Object) (*recsync.Record, error) {
	var share *recsync.Record
	err := a.q.Do(ctx, func() error {
		e, err := a.lookupOrigin(ctx, obj.Entity(), obj.ID())
		if err != nil || e == nil || e.ShareID == "" {
			return err
		}
		se, err := a.lookup(ctx, e.ShareID)
		if err != nil || se == nil {
			return err
		}
		share, err = a.cachedRecord(se)
		return err
	})
	return share, errors.Wrap(err, "getting share")
}

// SaveShare records share as the sharing grant of a local object.
func (a *Adapter) SaveShare(ctx context.Context, share *recsync.Record, obj recsync.Object) error {
	if !share.IsShare() {
		return errors.Errorf("record %s is not a share", share.ID.Name)
	}
	err := a.q.Do(ctx, func() error {
		enc, err := recsync.EncodeRecord(share)
		if err != nil {
			return errors.Wrap(err, "encoding share")
		}
		return a.ledger.Update(ctx, func(l recsync.Ledger) error {
			e, err := l.EntityByOrigin(ctx, obj.Entity(), obj.ID())
			if err != nil {
				return errors.Wrapf(err, "looking up %s %s", obj.Entity(), obj.ID())
			}

			se, err := l.Entity(ctx, share.ID.Name)
			if errors.Is(err, recsync.ErrNotFound) {
				se = &recsync.TrackedEntity{
					Identifier: share.ID.Name,
					EntityType: recsync.ShareRecordType,
					OriginID:   share.ID.Name,
					State:      recsync.Synced,
				}
			} else if err != nil {
				return errors.Wrapf(err, "looking up %s", share.ID.Name)
			}
			se.CachedRecord = enc
			if share.Timestamp.After(se.LastModified) {
				se.LastModified = share.Timestamp
			}
			if err = l.PutEntity(ctx, se); err != nil {
				return errors.Wrapf(err, "storing %s", se.Identifier)
			}

			e.ShareID = se.Identifier
			return l.PutEntity(ctx, e)
		})
	})
	return errors.Wrap(err, "saving share")
}

// DeleteShare forgets the sharing grant of a local object.
func (a *Adapter) DeleteShare(ctx context.Context, obj recsync.Object) error {
	err := a.q.Do(ctx, func() error {
		return a.ledger.Update(ctx, func(l recsync.Ledger) error {
			e, err := l.EntityByOrigin(ctx, obj.Entity(), obj.ID())
			if errors.Is(err, recsync.ErrNotFound) {
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "looking up %s %s", obj.Entity(), obj.ID())
			}
			if e.ShareID == "" {
				return nil
			}
			if err = l.DeleteEntity(ctx, e.ShareID); err != nil {
				return errors.Wrapf(err, "deleting %s", e.ShareID)
			}
			e.ShareID = ""
			return l.PutEntity(ctx, e)
		})
	})
	return errors.Wrap(err, "deleting share")
}
