package recsync_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	. "github.com/bobg/recsync"
)

func TestAddDirty(t *testing.T) {
	var e TrackedEntity
	if !e.AddDirty("b", "a", "b") {
		t.Error("AddDirty reported nothing added")
	}
	if diff := cmp.Diff([]string{"a", "b"}, e.Dirty); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if e.AddDirty("a", "b", "a") {
		t.Error("AddDirty reported additions of existing fields")
	}
	if !e.AddDirty("c", "0", "c") {
		t.Error("AddDirty reported nothing added")
	}
	if diff := cmp.Diff([]string{"0", "a", "b", "c"}, e.Dirty); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	for _, f := range []string{"0", "a", "b", "c"} {
		if !e.IsDirty(f) {
			t.Errorf("%s is not dirty", f)
		}
	}
	if e.IsDirty("d") {
		t.Error("d is dirty")
	}
}
