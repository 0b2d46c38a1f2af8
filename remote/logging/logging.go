// Package logging implements a remote database that delegates everything to a nested one,
// logging operations as they happen.
package logging

import (
	"context"
	"log"

	"github.com/bobg/recsync"
)

var _ recsync.Database = &Database{}

type Database struct {
	db recsync.Database
}

func New(db recsync.Database) *Database {
	return &Database{db: db}
}

func (d *Database) FetchDatabaseChanges(ctx context.Context, tok []byte) (*recsync.DatabaseChanges, error) {
	res, err := d.db.FetchDatabaseChanges(ctx, tok)
	if err != nil {
		log.Printf("ERROR in FetchDatabaseChanges(%x): %s", tok, err)
	} else {
		log.Printf("FetchDatabaseChanges(%x): %d changed, %d deleted", tok, len(res.Changed), len(res.Deleted))
	}
	return res, err
}

func (d *Database) FetchZoneChanges(ctx context.Context, zones []recsync.ZoneID, toks map[recsync.ZoneID][]byte, desiredKeys []string) (map[recsync.ZoneID]*recsync.ZoneChanges, error) {
	res, err := d.db.FetchZoneChanges(ctx, zones, toks, desiredKeys)
	if err != nil {
		log.Printf("ERROR in FetchZoneChanges(%v): %s", zones, err)
		return res, err
	}
	for _, zone := range zones {
		zc, ok := res[zone]
		switch {
		case !ok:
			log.Printf("  FetchZoneChanges %s: no result", zone)
		case zc.Err != nil:
			log.Printf("  ERROR in FetchZoneChanges %s: %s", zone, zc.Err)
		default:
			log.Printf("  FetchZoneChanges %s: %d records, %d deletions, more=%v", zone, len(zc.Records), len(zc.Deleted), zc.MoreComing)
		}
	}
	return res, nil
}

func (d *Database) FetchRecords(ctx context.Context, ids []recsync.RecordID) (map[recsync.RecordID]*recsync.Record, error) {
	res, err := d.db.FetchRecords(ctx, ids)
	if err != nil {
		log.Printf("ERROR in FetchRecords (%d ids): %s", len(ids), err)
	} else {
		log.Printf("FetchRecords: %d of %d found", len(res), len(ids))
	}
	return res, err
}

func (d *Database) ModifyRecords(ctx context.Context, save []*recsync.Record, del []recsync.RecordID) (*recsync.ModifyResult, error) {
	res, err := d.db.ModifyRecords(ctx, save, del)
	if err != nil {
		log.Printf("ERROR in ModifyRecords (%d saves, %d deletions): %s", len(save), len(del), err)
		return res, err
	}
	log.Printf("ModifyRecords: %d saved, %d deleted", len(res.Saved), len(res.Deleted))
	for id, err := range res.Errors {
		log.Printf("  ERROR in ModifyRecords %s: %s", id, err)
	}
	return res, nil
}

func (d *Database) FetchZone(ctx context.Context, zone recsync.ZoneID) error {
	err := d.db.FetchZone(ctx, zone)
	if err != nil {
		log.Printf("ERROR in FetchZone(%s): %s", zone, err)
	} else {
		log.Printf("FetchZone(%s)", zone)
	}
	return err
}

func (d *Database) CreateZone(ctx context.Context, zone recsync.ZoneID) error {
	err := d.db.CreateZone(ctx, zone)
	if err != nil {
		log.Printf("ERROR in CreateZone(%s): %s", zone, err)
	} else {
		log.Printf("CreateZone(%s)", zone)
	}
	return err
}
