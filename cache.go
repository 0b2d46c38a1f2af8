package recsync

import (
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// RecordCache is a least-recently-used cache of decoded records,
// keyed by the hash of their encoding.
// Since the key is derived from the content,
// entries never go stale.
type RecordCache struct {
	c *lru.Cache // [sha256.Size]byte -> *Record
}

// NewRecordCache produces a RecordCache holding up to size records.
func NewRecordCache(size int) (*RecordCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "creating lru cache")
	}
	return &RecordCache{c: c}, nil
}

// Decode decodes b, consulting the cache first.
// The caller owns the result and may modify it.
// A nil cache decodes without caching.
func (c *RecordCache) Decode(b []byte) (*Record, error) {
	if c == nil {
		return DecodeRecord(b)
	}
	key := sha256.Sum256(b)
	if got, ok := c.c.Get(key); ok {
		return got.(*Record).Clone(), nil
	}
	r, err := DecodeRecord(b)
	if err != nil {
		return nil, err
	}
	c.c.Add(key, r.Clone())
	return r, nil
}

// Len is the number of cached records.
func (c *RecordCache) Len() int {
	return c.c.Len()
}
