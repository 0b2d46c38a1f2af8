// Package pg implements a ledger stored in a Postgresql database.
package pg

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/ledger"
)

// Schema is the SQL that New executes.
// It creates the `entities`, `pending`, and `tokens` tables if they do not exist.
// (If they do exist, they must have the columns, constraints, and indexing described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
  zone TEXT NOT NULL,
  identifier TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  origin_id TEXT NOT NULL,
  state INTEGER NOT NULL,
  dirty TEXT NOT NULL,
  last_modified TEXT NOT NULL,
  record BYTEA,
  share_id TEXT NOT NULL,
  seq BIGINT NOT NULL,
  PRIMARY KEY (zone, identifier)
);

CREATE INDEX IF NOT EXISTS entities_origin_idx ON entities (zone, entity_type, origin_id);
CREATE INDEX IF NOT EXISTS entities_state_idx ON entities (zone, state, seq);

CREATE TABLE IF NOT EXISTS pending (
  zone TEXT NOT NULL,
  owner TEXT NOT NULL,
  field TEXT NOT NULL,
  targets TEXT NOT NULL,
  PRIMARY KEY (zone, owner, field)
);

CREATE TABLE IF NOT EXISTS tokens (
  zone TEXT NOT NULL,
  name TEXT NOT NULL,
  token BYTEA NOT NULL,
  PRIMARY KEY (zone, name)
);
`

// New produces a ledger for the given zone using db for storage.
// It expects to create the tables in Schema,
// or for those tables already to exist with the correct schema.
func New(ctx context.Context, db *sql.DB, zone string) (*ledger.SQL, error) {
	return ledger.NewSQL(ctx, db, Schema, zone)
}

func init() {
	ledger.Register("pg", func(ctx context.Context, conf map[string]interface{}) (recsync.Ledger, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db, ledger.Zone(conf))
	})
}
