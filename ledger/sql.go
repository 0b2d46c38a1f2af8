package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrs "errors"
	"strings"
	"time"

	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"

	"github.com/bobg/recsync"
)

var _ recsync.Ledger = &SQL{}

// SQL is a Ledger stored in a SQL database.
// The database must have the tables described by the Schema constant of the sqlite3 or pg subpackage.
// Rows are partitioned by zone,
// so one database can hold the ledgers of many zones.
type SQL struct {
	db   *sql.DB // nil inside a transaction
	q    querier
	zone string
}

type querier interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// NewSQL produces a ledger for the given zone in db,
// first executing schema.
func NewSQL(ctx context.Context, db *sql.DB, schema, zone string) (*SQL, error) {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return nil, errors.Wrap(err, "creating schema")
	}
	return &SQL{db: db, q: db, zone: zone}, nil
}

const entityCols = `identifier, entity_type, origin_id, state, dirty, last_modified, record, share_id, seq`

type scanner interface {
	Scan(...interface{}) error
}

func scanEntity(row scanner) (*recsync.TrackedEntity, error) {
	var (
		e     recsync.TrackedEntity
		state int
		dirty string
		lm    string
	)
	err := row.Scan(&e.Identifier, &e.EntityType, &e.OriginID, &state, &dirty, &lm, &e.CachedRecord, &e.ShareID, &e.Seq)
	if err != nil {
		return nil, err
	}
	return finishEntity(&e, state, dirty, lm)
}

func finishEntity(e *recsync.TrackedEntity, state int, dirty, lm string) (*recsync.TrackedEntity, error) {
	e.State = recsync.State(state)
	if dirty != "" {
		e.Dirty = strings.Split(dirty, ",")
	}
	if len(e.CachedRecord) == 0 {
		e.CachedRecord = nil
	}
	var err error
	e.LastModified, err = time.Parse(time.RFC3339Nano, lm)
	return e, errors.Wrapf(err, "parsing last_modified of %s", e.Identifier)
}

// Entity implements recsync.Ledger.
func (s *SQL) Entity(ctx context.Context, identifier string) (*recsync.TrackedEntity, error) {
	const q = `SELECT ` + entityCols + ` FROM entities WHERE zone = $1 AND identifier = $2`
	e, err := scanEntity(s.q.QueryRowContext(ctx, q, s.zone, identifier))
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, recsync.ErrNotFound
	}
	return e, errors.Wrapf(err, "getting entity %s", identifier)
}

// EntityByOrigin implements recsync.Ledger.
func (s *SQL) EntityByOrigin(ctx context.Context, entityType, originID string) (*recsync.TrackedEntity, error) {
	const q = `SELECT ` + entityCols + ` FROM entities WHERE zone = $1 AND entity_type = $2 AND origin_id = $3`
	e, err := scanEntity(s.q.QueryRowContext(ctx, q, s.zone, entityType, originID))
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, recsync.ErrNotFound
	}
	return e, errors.Wrapf(err, "getting entity for %s %s", entityType, originID)
}

// EntitiesInState implements recsync.Ledger.
func (s *SQL) EntitiesInState(ctx context.Context, state recsync.State) ([]*recsync.TrackedEntity, error) {
	const q = `SELECT ` + entityCols + ` FROM entities WHERE zone = $1 AND state = $2 ORDER BY seq`
	return s.entities(ctx, q, s.zone, int(state))
}

// AllEntities implements recsync.Ledger.
func (s *SQL) AllEntities(ctx context.Context) ([]*recsync.TrackedEntity, error) {
	const q = `SELECT ` + entityCols + ` FROM entities WHERE zone = $1 ORDER BY seq`
	return s.entities(ctx, q, s.zone)
}

func (s *SQL) entities(ctx context.Context, q string, args ...interface{}) ([]*recsync.TrackedEntity, error) {
	var result []*recsync.TrackedEntity
	args = append(args, func(identifier, entityType, originID string, state int, dirty, lm string, record []byte, shareID string, seq int64) error {
		e := &recsync.TrackedEntity{
			Identifier:   identifier,
			EntityType:   entityType,
			OriginID:     originID,
			CachedRecord: record,
			ShareID:      shareID,
			Seq:          seq,
		}
		e, err := finishEntity(e, state, dirty, lm)
		if err != nil {
			return err
		}
		result = append(result, e)
		return nil
	})
	err := sqlutil.ForQueryRows(ctx, s.q, q, args...)
	return result, errors.Wrap(err, "querying entities")
}

// PutEntity implements recsync.Ledger.
func (s *SQL) PutEntity(ctx context.Context, e *recsync.TrackedEntity) error {
	if e.Seq == 0 {
		const q = `SELECT COALESCE(MAX(seq), 0) + 1 FROM entities WHERE zone = $1`
		if err := s.q.QueryRowContext(ctx, q, s.zone).Scan(&e.Seq); err != nil {
			return errors.Wrap(err, "computing next seq")
		}
	}

	const q = `INSERT INTO entities (zone, ` + entityCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (zone, identifier) DO UPDATE SET
			entity_type = excluded.entity_type,
			origin_id = excluded.origin_id,
			state = excluded.state,
			dirty = excluded.dirty,
			last_modified = excluded.last_modified,
			record = excluded.record,
			share_id = excluded.share_id,
			seq = excluded.seq`

	_, err := s.q.ExecContext(ctx, q,
		s.zone,
		e.Identifier,
		e.EntityType,
		e.OriginID,
		int(e.State),
		strings.Join(e.Dirty, ","),
		e.LastModified.UTC().Format(time.RFC3339Nano),
		e.CachedRecord,
		e.ShareID,
		e.Seq,
	)
	return errors.Wrapf(err, "storing entity %s", e.Identifier)
}

// DeleteEntity implements recsync.Ledger.
func (s *SQL) DeleteEntity(ctx context.Context, identifier string) error {
	const q = `DELETE FROM entities WHERE zone = $1 AND identifier = $2`
	_, err := s.q.ExecContext(ctx, q, s.zone, identifier)
	return errors.Wrapf(err, "deleting entity %s", identifier)
}

// AddPending implements recsync.Ledger.
func (s *SQL) AddPending(ctx context.Context, p recsync.PendingRelationship) error {
	targets, err := json.Marshal(p.Targets)
	if err != nil {
		return errors.Wrap(err, "encoding targets")
	}
	const q = `INSERT INTO pending (zone, owner, field, targets) VALUES ($1, $2, $3, $4)
		ON CONFLICT (zone, owner, field) DO UPDATE SET targets = excluded.targets`
	_, err = s.q.ExecContext(ctx, q, s.zone, p.Owner, p.Field, string(targets))
	return errors.Wrapf(err, "storing pending relationship %s.%s", p.Owner, p.Field)
}

// PendingRelationships implements recsync.Ledger.
func (s *SQL) PendingRelationships(ctx context.Context) ([]recsync.PendingRelationship, error) {
	const q = `SELECT owner, field, targets FROM pending WHERE zone = $1 ORDER BY owner, field`
	var result []recsync.PendingRelationship
	err := sqlutil.ForQueryRows(ctx, s.q, q, s.zone, func(owner, field, targets string) error {
		p := recsync.PendingRelationship{Owner: owner, Field: field}
		if err := json.Unmarshal([]byte(targets), &p.Targets); err != nil {
			return errors.Wrapf(err, "decoding targets of %s.%s", owner, field)
		}
		result = append(result, p)
		return nil
	})
	return result, errors.Wrap(err, "querying pending relationships")
}

// ClearPending implements recsync.Ledger.
func (s *SQL) ClearPending(ctx context.Context) error {
	const q = `DELETE FROM pending WHERE zone = $1`
	_, err := s.q.ExecContext(ctx, q, s.zone)
	return errors.Wrap(err, "clearing pending relationships")
}

// Token implements recsync.TokenStore.
func (s *SQL) Token(ctx context.Context, name string) ([]byte, error) {
	const q = `SELECT token FROM tokens WHERE zone = $1 AND name = $2`
	var tok []byte
	err := s.q.QueryRowContext(ctx, q, s.zone, name).Scan(&tok)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tok, errors.Wrapf(err, "getting token %s", name)
}

// SetToken implements recsync.TokenStore.
func (s *SQL) SetToken(ctx context.Context, name string, tok []byte) error {
	if tok == nil {
		const q = `DELETE FROM tokens WHERE zone = $1 AND name = $2`
		_, err := s.q.ExecContext(ctx, q, s.zone, name)
		return errors.Wrapf(err, "deleting token %s", name)
	}
	const q = `INSERT INTO tokens (zone, name, token) VALUES ($1, $2, $3)
		ON CONFLICT (zone, name) DO UPDATE SET token = excluded.token`
	_, err := s.q.ExecContext(ctx, q, s.zone, name, tok)
	return errors.Wrapf(err, "storing token %s", name)
}

// Update implements recsync.Ledger.
func (s *SQL) Update(ctx context.Context, f func(recsync.Ledger) error) error {
	if s.db == nil {
		return f(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	err = f(&SQL{q: tx, zone: s.zone})
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Wrapf(err, "(rollback also failed: %s)", rerr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
