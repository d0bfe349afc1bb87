// Package memory provides an arena-backed, in-process implementation of store.Store.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/store"
)

// Store keeps every entity in an ID-addressed arena with a per-type
// record-name index. Transactions stage clones and commit them on success.
type Store struct {
	reg *schema.Registry

	writer sync.Mutex // serialises Update
	mu     sync.RWMutex
	arena  map[int64]*store.Entity
	names  map[string]map[string]int64 // [type][recordName]id
	lastID int64

	checkpoints map[string]time.Time
}

// New returns an empty store. reg supplies the delete rules.
func New(reg *schema.Registry) *Store {
	return &Store{
		reg:   reg,
		arena: make(map[int64]*store.Entity),
		names: make(map[string]map[string]int64),

		checkpoints: make(map[string]time.Time),
	}
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.Checkpoints = (*Store)(nil)
)

// Update runs fn in a read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writer.Lock()
	defer s.writer.Unlock()

	s.mu.RLock()
	tx := &txn{s: s, staged: make(map[int64]*store.Entity), deleted: make(map[int64]struct{}), lastID: s.lastID}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&txn{s: s, readOnly: true})
}

// Checkpoint returns the last pull checkpoint of recordType.
func (s *Store) Checkpoint(ctx context.Context, recordType string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[recordType], nil
}

// SetCheckpoint records the last pull checkpoint of recordType.
func (s *Store) SetCheckpoint(ctx context.Context, recordType string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[recordType] = at
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arena)
}

func (s *Store) commit(tx *txn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range tx.deleted {
		if old, ok := s.arena[id]; ok {
			s.unindex(old)
			delete(s.arena, id)
		}
	}
	for id, e := range tx.staged {
		if old, ok := s.arena[id]; ok {
			s.unindex(old)
		}
		s.arena[id] = e
		if e.RecordName != "" {
			byName := s.names[e.Type]
			if byName == nil {
				byName = make(map[string]int64)
				s.names[e.Type] = byName
			}
			byName[e.RecordName] = id
		}
	}
	s.lastID = tx.lastID
}

func (s *Store) unindex(e *store.Entity) {
	if e.RecordName == "" {
		return
	}
	if byName := s.names[e.Type]; byName[e.RecordName] == e.ID {
		delete(byName, e.RecordName)
	}
}

func (s *Store) base(id int64) (*store.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.arena[id]
	return e, ok
}

type txn struct {
	s        *Store
	readOnly bool
	staged   map[int64]*store.Entity
	deleted  map[int64]struct{}
	lastID   int64
}

// get returns the transaction's view of id.
func (t *txn) get(id int64) (*store.Entity, bool) {
	if _, gone := t.deleted[id]; gone {
		return nil, false
	}
	if e, ok := t.staged[id]; ok {
		return e, true
	}
	return t.s.base(id)
}

func (t *txn) Insert(typ string) (*store.Entity, error) {
	if t.readOnly {
		return nil, store.ErrReadOnly
	}
	if _, ok := t.s.reg.Lookup(typ); !ok {
		return nil, fmt.Errorf("memory: insert %q: %w", typ, apperr.ErrUnknownType)
	}
	t.lastID++
	e := store.NewEntity(typ)
	e.ID = t.lastID
	t.staged[e.ID] = e.Clone()
	return e, nil
}

func (t *txn) FetchByRecordNames(typ string, names []string) (map[string]*store.Entity, error) {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			want[n] = struct{}{}
		}
	}
	out := make(map[string]*store.Entity, len(want))

	t.s.mu.RLock()
	var candidates []int64
	for n := range want {
		if id, ok := t.s.names[typ][n]; ok {
			candidates = append(candidates, id)
		}
	}
	t.s.mu.RUnlock()

	for _, e := range t.staged {
		if e.Type == typ {
			candidates = append(candidates, e.ID)
		}
	}
	for _, id := range candidates {
		e, ok := t.get(id)
		if !ok || e.Type != typ {
			continue
		}
		if _, hit := want[e.RecordName]; hit {
			out[e.RecordName] = e.Clone()
		}
	}
	return out, nil
}

func (t *txn) Load(ids ...int64) (map[int64]*store.Entity, error) {
	out := make(map[int64]*store.Entity, len(ids))
	for _, id := range ids {
		if e, ok := t.get(id); ok {
			out[id] = e.Clone()
		}
	}
	return out, nil
}

func (t *txn) List(typ string) ([]*store.Entity, error) {
	return t.filter(typ, func(*store.Entity) bool { return true }), nil
}

func (t *txn) ListPending(typ string) ([]*store.Entity, error) {
	return t.filter(typ, func(e *store.Entity) bool { return e.Pending }), nil
}

func (t *txn) filter(typ string, keep func(*store.Entity) bool) []*store.Entity {
	ids := make(map[int64]struct{})
	t.s.mu.RLock()
	for id, e := range t.s.arena {
		if e.Type == typ {
			ids[id] = struct{}{}
		}
	}
	t.s.mu.RUnlock()
	for id, e := range t.staged {
		if e.Type == typ {
			ids[id] = struct{}{}
		}
	}

	var out []*store.Entity
	for id := range ids {
		if e, ok := t.get(id); ok && keep(e) {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *store.Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (t *txn) Save(e *store.Entity) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, ok := t.get(e.ID); !ok {
		return fmt.Errorf("memory: save %s %d: %w", e.Type, e.ID, apperr.ErrNotFound)
	}
	if e.RecordName != "" {
		if other, err := t.FetchByRecordNames(e.Type, []string{e.RecordName}); err == nil {
			if o, ok := other[e.RecordName]; ok && o.ID != e.ID {
				return fmt.Errorf("memory: save %s %d: record name %q held by %d: %w", e.Type, e.ID, e.RecordName, o.ID, apperr.ErrAlreadyExists)
			}
		}
	}
	for _, id := range e.RelatedIDs() {
		if _, ok := t.get(id); !ok {
			return fmt.Errorf("memory: save %s %d: link to %d: %w", e.Type, e.ID, id, apperr.ErrNotFound)
		}
	}
	t.staged[e.ID] = e.Clone()
	return nil
}

func (t *txn) Delete(id int64) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	doomed, err := store.DeleteSet(t.s.reg, t.Load, id)
	if err != nil {
		return err
	}
	gone := make(map[int64]struct{}, len(doomed))
	for _, d := range doomed {
		gone[d] = struct{}{}
		delete(t.staged, d)
		t.deleted[d] = struct{}{}
	}

	// Drop links into the deleted set from every surviving entity.
	t.s.mu.RLock()
	var all []int64
	for eid := range t.s.arena {
		all = append(all, eid)
	}
	t.s.mu.RUnlock()
	for eid := range t.staged {
		all = append(all, eid)
	}
	for _, eid := range all {
		e, ok := t.get(eid)
		if !ok {
			continue
		}
		changed := false
		for _, target := range e.RelatedIDs() {
			if _, hit := gone[target]; hit {
				if !changed {
					e = e.Clone()
					changed = true
				}
				e.RemoveRelated(target)
			}
		}
		if changed {
			t.staged[eid] = e
		}
	}
	return nil
}
