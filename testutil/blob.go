package testutil

import (
	"bytes"
	"context"
	stderrs "errors"
	"testing"

	"github.com/bobg/recsync"
)

// BlobStore permits testing a recsync.BlobStore implementation
// by storing some payloads, reading them back, and purging them.
func BlobStore(ctx context.Context, t *testing.T, s recsync.BlobStore) {
	payloads := [][]byte{
		[]byte("The quick brown fox"),
		bytes.Repeat([]byte{0, 1, 2, 3}, 4096),
		{},
	}

	var locs []string
	for _, p := range payloads {
		loc, err := s.Put(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		locs = append(locs, loc)
	}
	if locs[0] == locs[1] {
		t.Fatalf("got the same location %s for different payloads", locs[0])
	}

	for i, loc := range locs {
		got, err := s.Get(ctx, loc)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Errorf("payload %d: got %d bytes, want %d", i, len(got), len(payloads[i]))
		}
	}

	if err := s.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	for _, loc := range locs {
		if _, err := s.Get(ctx, loc); !stderrs.Is(err, recsync.ErrNotFound) {
			t.Errorf("got error %v after purge, want ErrNotFound", err)
		}
	}

	// The store remains usable after a purge.
	loc, err := s.Put(ctx, payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payloads[0]) {
		t.Errorf("got %q after purge, want %q", got, payloads[0])
	}
	if err = s.Purge(ctx); err != nil {
		t.Fatal(err)
	}
}
