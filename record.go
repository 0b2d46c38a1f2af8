package recsync

import (
	"fmt"
	"sort"
	"time"
)

type (
	// ZoneID identifies a remote partition with its own change feed.
	ZoneID struct {
		Name  string
		Owner string
	}

	// RecordID identifies a record within a zone.
	RecordID struct {
		Zone ZoneID
		Name string
	}

	// Reference is a record field value pointing at another record in the same zone.
	Reference struct {
		Name string
	}

	// Asset is a record field value holding a location in a BlobStore.
	Asset struct {
		Location string
	}
)

func (z ZoneID) String() string {
	if z.Owner == "" {
		return z.Name
	}
	return z.Name + ":" + z.Owner
}

func (id RecordID) String() string {
	return fmt.Sprintf("%s/%s", id.Zone, id.Name)
}

// ShareRecordType is the record type of a sharing grant.
const ShareRecordType = "recsync.share"

// Record is the remote representation of one tracked entity.
//
// A key present in Fields with a nil value is an explicit null,
// which clears the field remotely.
// An absent key leaves the remote field untouched.
//
// Field values must be one of
// string, int64, float64, bool, time.Time, []byte,
// Reference, []Reference, Asset,
// or nil.
type Record struct {
	Type   string
	ID     RecordID
	Parent *RecordID
	Share  *RecordID

	// ChangeTag is assigned by the server on every save.
	// A save carrying a stale tag fails with ErrServerRecordChanged.
	ChangeTag string

	// Timestamp is the client-written modification time.
	// It round-trips through the server unchanged.
	Timestamp time.Time

	Device       string
	ModelVersion int

	Fields map[string]interface{}
}

// NewRecord produces an empty record of the given type and id.
func NewRecord(typ string, id RecordID) *Record {
	return &Record{
		Type:   typ,
		ID:     id,
		Fields: make(map[string]interface{}),
	}
}

// IsShare tells whether r is a sharing grant.
func (r *Record) IsShare() bool {
	return r.Type == ShareRecordType
}

// Set sets a field value.
func (r *Record) Set(key string, val interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.Fields[key] = val
}

// Keys returns the record's field names in sorted order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone produces a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Parent != nil {
		p := *r.Parent
		out.Parent = &p
	}
	if r.Share != nil {
		s := *r.Share
		out.Share = &s
	}
	out.Fields = make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		switch v := v.(type) {
		case []byte:
			out.Fields[k] = append([]byte(nil), v...)
		case []Reference:
			out.Fields[k] = append([]Reference(nil), v...)
		default:
			out.Fields[k] = v
		}
	}
	return &out
}

// ReferenceNames returns the target names of a Reference or []Reference field value.
// The second result is false if v is neither.
func ReferenceNames(v interface{}) ([]string, bool) {
	switch v := v.(type) {
	case Reference:
		return []string{v.Name}, true
	case []Reference:
		out := make([]string, 0, len(v))
		for _, ref := range v {
			out = append(out, ref.Name)
		}
		return out, true
	}
	return nil, false
}
