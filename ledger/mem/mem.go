// Package mem implements an in-memory ledger.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/bobg/recsync"
	"github.com/bobg/recsync/ledger"
)

var _ recsync.Ledger = &Ledger{}

// Ledger is a memory-based implementation of recsync.Ledger.
type Ledger struct {
	mu       sync.Mutex
	entities map[string]*recsync.TrackedEntity
	pending  map[pendingKey]recsync.PendingRelationship
	tokens   map[string][]byte
	seq      int64
}

type pendingKey struct {
	owner, field string
}

// New produces a new, empty Ledger.
func New() *Ledger {
	return &Ledger{
		entities: make(map[string]*recsync.TrackedEntity),
		pending:  make(map[pendingKey]recsync.PendingRelationship),
		tokens:   make(map[string][]byte),
	}
}

// Entity implements recsync.Ledger.
func (l *Ledger) Entity(_ context.Context, identifier string) (*recsync.TrackedEntity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entities[identifier]; ok {
		return e.Clone(), nil
	}
	return nil, recsync.ErrNotFound
}

// EntityByOrigin implements recsync.Ledger.
func (l *Ledger) EntityByOrigin(_ context.Context, entityType, originID string) (*recsync.TrackedEntity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entities {
		if e.EntityType == entityType && e.OriginID == originID {
			return e.Clone(), nil
		}
	}
	return nil, recsync.ErrNotFound
}

// EntitiesInState implements recsync.Ledger.
func (l *Ledger) EntitiesInState(_ context.Context, state recsync.State) ([]*recsync.TrackedEntity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sorted(func(e *recsync.TrackedEntity) bool { return e.State == state }), nil
}

// AllEntities implements recsync.Ledger.
func (l *Ledger) AllEntities(_ context.Context) ([]*recsync.TrackedEntity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sorted(func(*recsync.TrackedEntity) bool { return true }), nil
}

// Caller must obtain a lock.
func (l *Ledger) sorted(pred func(*recsync.TrackedEntity) bool) []*recsync.TrackedEntity {
	var result []*recsync.TrackedEntity
	for _, e := range l.entities {
		if pred(e) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Seq != result[j].Seq {
			return result[i].Seq < result[j].Seq
		}
		return result[i].Identifier < result[j].Identifier
	})
	return result
}

// PutEntity implements recsync.Ledger.
func (l *Ledger) PutEntity(_ context.Context, e *recsync.TrackedEntity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Seq == 0 {
		l.seq++
		e.Seq = l.seq
	} else if e.Seq > l.seq {
		l.seq = e.Seq
	}
	l.entities[e.Identifier] = e.Clone()
	return nil
}

// DeleteEntity implements recsync.Ledger.
func (l *Ledger) DeleteEntity(_ context.Context, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entities, identifier)
	return nil
}

// AddPending implements recsync.Ledger.
func (l *Ledger) AddPending(_ context.Context, p recsync.PendingRelationship) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p.Targets = append([]string(nil), p.Targets...)
	l.pending[pendingKey{owner: p.Owner, field: p.Field}] = p
	return nil
}

// PendingRelationships implements recsync.Ledger.
func (l *Ledger) PendingRelationships(_ context.Context) ([]recsync.PendingRelationship, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]recsync.PendingRelationship, 0, len(l.pending))
	for _, p := range l.pending {
		p.Targets = append([]string(nil), p.Targets...)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Owner != result[j].Owner {
			return result[i].Owner < result[j].Owner
		}
		return result[i].Field < result[j].Field
	})
	return result, nil
}

// ClearPending implements recsync.Ledger.
func (l *Ledger) ClearPending(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = make(map[pendingKey]recsync.PendingRelationship)
	return nil
}

// Token implements recsync.TokenStore.
func (l *Ledger) Token(_ context.Context, name string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tok, ok := l.tokens[name]; ok {
		return append([]byte(nil), tok...), nil
	}
	return nil, nil
}

// SetToken implements recsync.TokenStore.
func (l *Ledger) SetToken(_ context.Context, name string, tok []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tok == nil {
		delete(l.tokens, name)
	} else {
		l.tokens[name] = append([]byte(nil), tok...)
	}
	return nil
}

// Update implements recsync.Ledger.
// It runs f on a copy of l,
// replacing l's contents with the copy's if f succeeds.
func (l *Ledger) Update(_ context.Context, f func(recsync.Ledger) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := l.copy()
	if err := f(cp); err != nil {
		return err
	}
	l.entities = cp.entities
	l.pending = cp.pending
	l.tokens = cp.tokens
	l.seq = cp.seq
	return nil
}

// Caller must obtain a lock.
func (l *Ledger) copy() *Ledger {
	cp := New()
	for id, e := range l.entities {
		cp.entities[id] = e.Clone()
	}
	for k, p := range l.pending {
		cp.pending[k] = p
	}
	for k, tok := range l.tokens {
		cp.tokens[k] = tok
	}
	cp.seq = l.seq
	return cp
}

// Close implements recsync.Ledger.
func (l *Ledger) Close() error {
	return nil
}

func init() {
	ledger.Register("mem", func(context.Context, map[string]interface{}) (recsync.Ledger, error) {
		return New(), nil
	})
}
