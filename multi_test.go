package recsync_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	. "github.com/bobg/recsync"
)

func TestMultiErr(t *testing.T) {
	var (
		zone = ZoneID{Name: "main"}
		a    = RecordID{Zone: zone, Name: "a"}
		b    = RecordID{Zone: zone, Name: "b"}
		c    = RecordID{Zone: zone, Name: "c"}
	)
	e := MultiErr{
		c: fmt.Errorf("saving c: %w", ErrServerRecordChanged),
		a: ErrServerRecordChanged,
		b: ErrZoneNotFound,
	}

	if !errors.Is(e, ErrZoneNotFound) {
		t.Error("MultiErr does not match ErrZoneNotFound")
	}
	if errors.Is(e, ErrLimitExceeded) {
		t.Error("MultiErr matches ErrLimitExceeded")
	}
	if diff := cmp.Diff([]RecordID{a, c}, e.Matching(ErrServerRecordChanged)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	var wrapped error = fmt.Errorf("uploading: %w", e)
	if !errors.Is(wrapped, ErrServerRecordChanged) {
		t.Error("wrapped MultiErr does not match ErrServerRecordChanged")
	}

	const want = "error(s): main/a: server record changed; main/b: zone not found; main/c: saving c: server record changed"
	if got := e.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSortRecordIDs(t *testing.T) {
	ids := []RecordID{
		{Zone: ZoneID{Name: "b"}, Name: "x"},
		{Zone: ZoneID{Name: "a", Owner: "o"}, Name: "y"},
		{Zone: ZoneID{Name: "a"}, Name: "z"},
		{Zone: ZoneID{Name: "a"}, Name: "w"},
	}
	SortRecordIDs(ids)
	want := []RecordID{
		{Zone: ZoneID{Name: "a"}, Name: "w"},
		{Zone: ZoneID{Name: "a"}, Name: "z"},
		{Zone: ZoneID{Name: "a", Owner: "o"}, Name: "y"},
		{Zone: ZoneID{Name: "b"}, Name: "x"},
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
