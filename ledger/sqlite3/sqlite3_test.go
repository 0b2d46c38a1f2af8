package sqlite3

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/ledger"
	"github.com/bobg/recsync/testutil"
)

func TestLedger(t *testing.T) {
	ctx := context.Background()
	err := withTestLedger(ctx, "zone1", func(l *ledger.SQL) error {
		testutil.Ledger(ctx, t, l)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestZonesArePartitioned(t *testing.T) {
	ctx := context.Background()

	f, err := os.CreateTemp("", "recsyncsqlite3test")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile := f.Name()
	f.Close()
	defer os.Remove(tmpfile)

	db, err := sql.Open("sqlite3", tmpfile)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	l1, err := New(ctx, db, "zone1")
	if err != nil {
		t.Fatal(err)
	}
	l2, err := New(ctx, db, "zone2")
	if err != nil {
		t.Fatal(err)
	}

	e := &recsync.TrackedEntity{Identifier: "Item.1", EntityType: "Item", OriginID: "1"}
	if err = l1.PutEntity(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err = l1.SetToken(ctx, "zone", []byte("tok")); err != nil {
		t.Fatal(err)
	}

	if _, err = l2.Entity(ctx, "Item.1"); err != recsync.ErrNotFound {
		t.Errorf("got error %v from other zone, want ErrNotFound", err)
	}
	tok, err := l2.Token(ctx, "zone")
	if err != nil {
		t.Fatal(err)
	}
	if tok != nil {
		t.Errorf("got token %q from other zone, want nil", tok)
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	f, err := os.CreateTemp("", "recsyncsqlite3test")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile := f.Name()
	f.Close()
	defer os.Remove(tmpfile)

	l, err := ledger.Create(ctx, "sqlite3", map[string]interface{}{"conn": tmpfile, "zone": "z"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	testutil.Ledger(ctx, t, l)
}

func withTestLedger(ctx context.Context, zone string, fn func(*ledger.SQL) error) error {
	f, err := os.CreateTemp("", "recsyncsqlite3test")
	if err != nil {
		return err
	}

	tmpfile := f.Name()
	f.Close()
	defer os.Remove(tmpfile)

	db, err := sql.Open("sqlite3", tmpfile)
	if err != nil {
		return err
	}
	defer db.Close()

	l, err := New(ctx, db, zone)
	if err != nil {
		return err
	}

	return fn(l)
}
