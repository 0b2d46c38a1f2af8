// Package mem implements an in-memory remote database.
//
// It keeps change feeds for the database and for each zone,
// assigns a change tag to every saved record
// and rejects saves carrying a stale one,
// and can be told to reject large batches and to page its change feeds.
// Assets in saved records are read from a blob store
// and kept inline thereafter.
package mem

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/recsync"
)

var _ recsync.Database = &Server{}

// Server is a memory-based implementation of recsync.Database.
type Server struct {
	blobs recsync.BlobStore

	mu       sync.Mutex
	zones    map[recsync.ZoneID]*zone
	dbseq    int64
	dblog    []dbEvent
	tagseq   int64
	maxBatch int
	pageSize int
	onModify func()
}

type zone struct {
	records map[string]*recsync.Record
	seq     int64
	log     []zoneEvent // at most one event per record, in seq order
}

type zoneEvent struct {
	seq     int64
	name    string
	deleted bool
}

type dbEvent struct {
	seq     int64
	zone    recsync.ZoneID
	deleted bool
}

// New produces an empty Server.
// Assets in saved records are read from blobs,
// which may be nil if no client uploads assets.
func New(blobs recsync.BlobStore) *Server {
	return &Server{
		blobs: blobs,
		zones: make(map[recsync.ZoneID]*zone),
	}
}

// SetMaxBatch causes ModifyRecords to fail with recsync.ErrLimitExceeded
// on batches of more than n items.
// Zero means no limit.
func (s *Server) SetMaxBatch(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBatch = n
}

// SetPageSize limits each zone's change-feed fetch to n changes,
// setting MoreComing when there are more.
// Zero means no limit.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// OnModify sets a function to be called after each successful ModifyRecords.
func (s *Server) OnModify(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onModify = f
}

func encodeToken(seq int64) []byte {
	return []byte(strconv.FormatInt(seq, 10))
}

func decodeToken(tok []byte) (int64, error) {
	if len(tok) == 0 {
		return 0, nil
	}
	seq, err := strconv.ParseInt(string(tok), 10, 64)
	return seq, errors.Wrapf(err, "parsing token %q", tok)
}

// Caller must obtain a lock.
func (s *Server) zoneChanged(id recsync.ZoneID, deleted bool) {
	s.dbseq++
	for i, ev := range s.dblog {
		if ev.zone == id {
			s.dblog = append(s.dblog[:i], s.dblog[i+1:]...)
			break
		}
	}
	s.dblog = append(s.dblog, dbEvent{seq: s.dbseq, zone: id, deleted: deleted})
}

// Caller must obtain a lock.
func (z *zone) recordChanged(name string, deleted bool) {
	z.seq++
	for i, ev := range z.log {
		if ev.name == name {
			z.log = append(z.log[:i], z.log[i+1:]...)
			break
		}
	}
	z.log = append(z.log, zoneEvent{seq: z.seq, name: name, deleted: deleted})
}

// FetchDatabaseChanges implements recsync.Database.
func (s *Server) FetchDatabaseChanges(_ context.Context, tok []byte) (*recsync.DatabaseChanges, error) {
	since, err := decodeToken(tok)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &recsync.DatabaseChanges{Token: encodeToken(s.dbseq)}
	for _, ev := range s.dblog {
		if ev.seq <= since {
			continue
		}
		if ev.deleted {
			result.Deleted = append(result.Deleted, ev.zone)
		} else {
			result.Changed = append(result.Changed, ev.zone)
		}
	}
	return result, nil
}

// FetchZoneChanges implements recsync.Database.
func (s *Server) FetchZoneChanges(_ context.Context, zones []recsync.ZoneID, toks map[recsync.ZoneID][]byte, desiredKeys []string) (map[recsync.ZoneID]*recsync.ZoneChanges, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[recsync.ZoneID]*recsync.ZoneChanges)
	for _, id := range zones {
		z, ok := s.zones[id]
		if !ok {
			result[id] = &recsync.ZoneChanges{Err: recsync.ErrZoneNotFound}
			continue
		}
		since, err := decodeToken(toks[id])
		if err != nil {
			return nil, err
		}

		zc := &recsync.ZoneChanges{Token: encodeToken(z.seq)}
		var n int
		for _, ev := range z.log {
			if ev.seq <= since {
				continue
			}
			if s.pageSize > 0 && n >= s.pageSize {
				zc.MoreComing = true
				break
			}
			n++
			zc.Token = encodeToken(ev.seq)
			if ev.deleted {
				zc.Deleted = append(zc.Deleted, recsync.RecordID{Zone: id, Name: ev.name})
				continue
			}
			zc.Records = append(zc.Records, project(z.records[ev.name], desiredKeys))
		}
		result[id] = zc
	}
	return result, nil
}

// project copies rec, keeping only the desired fields
// (or all of them if desiredKeys is nil).
func project(rec *recsync.Record, desiredKeys []string) *recsync.Record {
	out := rec.Clone()
	if desiredKeys == nil {
		return out
	}
	out.Fields = make(map[string]interface{})
	for _, k := range desiredKeys {
		if v, ok := rec.Fields[k]; ok {
			out.Fields[k] = v
		}
	}
	return out
}

// FetchRecords implements recsync.Database.
func (s *Server) FetchRecords(_ context.Context, ids []recsync.RecordID) (map[recsync.RecordID]*recsync.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[recsync.RecordID]*recsync.Record)
	for _, id := range ids {
		z, ok := s.zones[id.Zone]
		if !ok {
			continue
		}
		if rec, ok := z.records[id.Name]; ok {
			result[id] = rec.Clone()
		}
	}
	return result, nil
}

// ModifyRecords implements recsync.Database.
// A saved record's fields are merged into the stored record:
// fields absent from the saved record are left alone.
func (s *Server) ModifyRecords(ctx context.Context, save []*recsync.Record, del []recsync.RecordID) (*recsync.ModifyResult, error) {
	s.mu.Lock()

	if s.maxBatch > 0 && len(save)+len(del) > s.maxBatch {
		s.mu.Unlock()
		return nil, errors.Wrapf(recsync.ErrLimitExceeded, "batch of %d exceeds %d", len(save)+len(del), s.maxBatch)
	}

	var (
		result  = &recsync.ModifyResult{Errors: make(recsync.MultiErr)}
		touched = make(map[recsync.ZoneID]bool)
	)
	for _, rec := range save {
		z, ok := s.zones[rec.ID.Zone]
		if !ok {
			result.Errors[rec.ID] = recsync.ErrZoneNotFound
			continue
		}
		stored, err := s.merge(ctx, z.records[rec.ID.Name], rec)
		if err != nil {
			result.Errors[rec.ID] = err
			continue
		}
		s.tagseq++
		stored.ChangeTag = strconv.FormatInt(s.tagseq, 10)
		z.records[rec.ID.Name] = stored
		z.recordChanged(rec.ID.Name, false)
		touched[rec.ID.Zone] = true
		result.Saved = append(result.Saved, stored.Clone())
	}
	for _, id := range del {
		z, ok := s.zones[id.Zone]
		if !ok {
			result.Errors[id] = recsync.ErrZoneNotFound
			continue
		}
		if _, ok := z.records[id.Name]; ok {
			delete(z.records, id.Name)
			z.recordChanged(id.Name, true)
			touched[id.Zone] = true
		}
		result.Deleted = append(result.Deleted, id)
	}

	var zoneIDs []recsync.ZoneID
	for id := range touched {
		zoneIDs = append(zoneIDs, id)
	}
	sort.Slice(zoneIDs, func(i, j int) bool { return zoneIDs[i].String() < zoneIDs[j].String() })
	for _, id := range zoneIDs {
		s.zoneChanged(id, false)
	}

	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	onModify := s.onModify
	s.mu.Unlock()

	if onModify != nil {
		onModify()
	}
	return result, nil
}

// Caller must obtain a lock.
func (s *Server) merge(ctx context.Context, existing, rec *recsync.Record) (*recsync.Record, error) {
	switch {
	case existing == nil && rec.ChangeTag != "":
		return nil, errors.Wrapf(recsync.ErrServerRecordChanged, "record %s no longer exists", rec.ID)
	case existing != nil && rec.ChangeTag != existing.ChangeTag:
		return nil, errors.Wrapf(recsync.ErrServerRecordChanged, "record %s has tag %s, not %s", rec.ID, existing.ChangeTag, rec.ChangeTag)
	}

	var (
		in  = rec.Clone()
		out *recsync.Record
	)
	if existing == nil {
		out = recsync.NewRecord(in.Type, in.ID)
	} else {
		out = existing.Clone()
	}
	out.Type = in.Type
	out.Timestamp = in.Timestamp
	out.Device = in.Device
	out.ModelVersion = in.ModelVersion
	out.Parent = in.Parent
	out.Share = in.Share

	for k, v := range in.Fields {
		if asset, ok := v.(recsync.Asset); ok {
			if s.blobs == nil {
				return nil, errors.Errorf("no blob store for asset %s", asset.Location)
			}
			b, err := s.blobs.Get(ctx, asset.Location)
			if err != nil {
				return nil, errors.Wrapf(err, "getting asset %s", asset.Location)
			}
			v = b
		}
		out.Fields[k] = v
	}
	return out, nil
}

// FetchZone implements recsync.Database.
func (s *Server) FetchZone(_ context.Context, id recsync.ZoneID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[id]; !ok {
		return errors.Wrapf(recsync.ErrZoneNotFound, "zone %s", id)
	}
	return nil
}

// CreateZone implements recsync.Database.
// It is not an error if the zone already exists.
func (s *Server) CreateZone(_ context.Context, id recsync.ZoneID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[id]; ok {
		return nil
	}
	s.zones[id] = &zone{records: make(map[string]*recsync.Record)}
	s.zoneChanged(id, false)
	return nil
}

// DeleteZone removes a zone and its records.
func (s *Server) DeleteZone(_ context.Context, id recsync.ZoneID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[id]; !ok {
		return errors.Wrapf(recsync.ErrZoneNotFound, "zone %s", id)
	}
	delete(s.zones, id)
	s.zoneChanged(id, true)
	return nil
}

// Record returns a copy of a stored record, or nil.
func (s *Server) Record(id recsync.RecordID) *recsync.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if z, ok := s.zones[id.Zone]; ok {
		if rec, ok := z.records[id.Name]; ok {
			return rec.Clone()
		}
	}
	return nil
}

// Names returns the sorted names of the records in a zone.
func (s *Server) Names(id recsync.ZoneID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return nil
	}
	var names []string
	for name := range z.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
