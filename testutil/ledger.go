package testutil

import (
	"context"
	stderrs "errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/recsync"
)

// Ledger permits testing a recsync.Ledger implementation.
// The ledger must be empty.
func Ledger(ctx context.Context, t *testing.T, l recsync.Ledger) {
	t1 := time.Date(1977, 8, 5, 12, 0, 0, 123456789, time.UTC)

	var (
		a = &recsync.TrackedEntity{
			Identifier:   "Category.1",
			EntityType:   "Category",
			OriginID:     "1",
			State:        recsync.New,
			LastModified: t1,
		}
		b = &recsync.TrackedEntity{
			Identifier:   "Item.2",
			EntityType:   "Item",
			OriginID:     "2",
			State:        recsync.Synced,
			LastModified: t1.Add(time.Second),
			CachedRecord: []byte{1, 2, 3},
			ShareID:      "recsync.share.x",
		}
		c = &recsync.TrackedEntity{
			Identifier:   "Item.3",
			EntityType:   "Item",
			OriginID:     "3",
			State:        recsync.New,
			Dirty:        []string{"name", "price"},
			LastModified: t1.Add(time.Minute),
		}
	)

	for _, e := range []*recsync.TrackedEntity{a, b, c} {
		if err := l.PutEntity(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.Seq == 0 {
			t.Fatalf("no seq assigned to %s", e.Identifier)
		}
	}
	if !(a.Seq < b.Seq && b.Seq < c.Seq) {
		t.Errorf("seqs %d, %d, %d not increasing", a.Seq, b.Seq, c.Seq)
	}

	got, err := l.Entity(ctx, "Item.3")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	got, err = l.EntityByOrigin(ctx, "Item", "2")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(b, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	_, err = l.Entity(ctx, "Item.99")
	if !stderrs.Is(err, recsync.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
	_, err = l.EntityByOrigin(ctx, "Category", "2")
	if !stderrs.Is(err, recsync.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}

	news, err := l.EntitiesInState(ctx, recsync.New)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Category.1", "Item.3"}, identifiers(news)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Requeueing a (with Seq reset) moves it to the back.
	a.Seq = 0
	a.State = recsync.Changed
	if err = l.PutEntity(ctx, a); err != nil {
		t.Fatal(err)
	}
	all, err := l.AllEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Item.2", "Item.3", "Category.1"}, identifiers(all)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if err = l.DeleteEntity(ctx, "Item.2"); err != nil {
		t.Fatal(err)
	}
	if err = l.DeleteEntity(ctx, "Item.2"); err != nil {
		t.Fatal(err)
	}
	all, err = l.AllEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Item.3", "Category.1"}, identifiers(all)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Pending relationships.
	pendings := []recsync.PendingRelationship{
		{Owner: "Item.3", Field: "category", Targets: []string{"Category.7"}},
		{Owner: "Item.3", Field: "tags", Targets: []string{"Tag.1", "Tag.2"}},
		{Owner: "Category.1", Field: "parent", Targets: []string{"Category.8"}},
	}
	for _, p := range pendings {
		if err = l.AddPending(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	if err = l.AddPending(ctx, recsync.PendingRelationship{Owner: "Item.3", Field: "category", Targets: []string{"Category.9"}}); err != nil {
		t.Fatal(err)
	}
	gotPending, err := l.PendingRelationships(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantPending := []recsync.PendingRelationship{
		{Owner: "Category.1", Field: "parent", Targets: []string{"Category.8"}},
		{Owner: "Item.3", Field: "category", Targets: []string{"Category.9"}},
		{Owner: "Item.3", Field: "tags", Targets: []string{"Tag.1", "Tag.2"}},
	}
	if diff := cmp.Diff(wantPending, gotPending); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if err = l.ClearPending(ctx); err != nil {
		t.Fatal(err)
	}
	gotPending, err = l.PendingRelationships(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotPending) != 0 {
		t.Errorf("got %d pending relationships after clearing, want 0", len(gotPending))
	}

	// Tokens.
	tok, err := l.Token(ctx, "zone")
	if err != nil {
		t.Fatal(err)
	}
	if tok != nil {
		t.Errorf("got token %x before setting, want nil", tok)
	}
	if err = l.SetToken(ctx, "zone", []byte("tok1")); err != nil {
		t.Fatal(err)
	}
	if err = l.SetToken(ctx, "zone", []byte("tok2")); err != nil {
		t.Fatal(err)
	}
	tok, err = l.Token(ctx, "zone")
	if err != nil {
		t.Fatal(err)
	}
	if string(tok) != "tok2" {
		t.Errorf("got token %q, want tok2", tok)
	}
	if err = l.SetToken(ctx, "zone", nil); err != nil {
		t.Fatal(err)
	}
	tok, err = l.Token(ctx, "zone")
	if err != nil {
		t.Fatal(err)
	}
	if tok != nil {
		t.Errorf("got token %q after deleting, want nil", tok)
	}

	// A failed update leaves the ledger unchanged.
	errBoom := stderrs.New("boom")
	err = l.Update(ctx, func(tx recsync.Ledger) error {
		if err := tx.DeleteEntity(ctx, "Item.3"); err != nil {
			return err
		}
		if err := tx.SetToken(ctx, "zone", []byte("tok3")); err != nil {
			return err
		}
		return errBoom
	})
	if !stderrs.Is(err, errBoom) {
		t.Errorf("got error %v, want %v", err, errBoom)
	}
	if _, err = l.Entity(ctx, "Item.3"); err != nil {
		t.Errorf("entity missing after failed update: %s", err)
	}
	if tok, _ = l.Token(ctx, "zone"); tok != nil {
		t.Errorf("got token %q after failed update, want nil", tok)
	}

	// A successful one applies everything.
	err = l.Update(ctx, func(tx recsync.Ledger) error {
		if err := tx.DeleteEntity(ctx, "Item.3"); err != nil {
			return err
		}
		return tx.SetToken(ctx, "zone", []byte("tok3"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = l.Entity(ctx, "Item.3"); !stderrs.Is(err, recsync.ErrNotFound) {
		t.Errorf("got error %v after update, want ErrNotFound", err)
	}
	if tok, _ = l.Token(ctx, "zone"); string(tok) != "tok3" {
		t.Errorf("got token %q after update, want tok3", tok)
	}
}

func identifiers(entities []*recsync.TrackedEntity) []string {
	var out []string
	for _, e := range entities {
		out = append(out, e.Identifier)
	}
	return out
}
