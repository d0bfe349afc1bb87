// Package store defines the local entity store used by the synchronizer.
//
// A Store runs units of work inside transactions. Everything a unit of work
// does through its Tx commits atomically, or not at all when fn returns an
// error. Read-write transactions are serialised so a batch fetch followed by
// inserts cannot race another sync of the same type.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrReadOnly is returned by mutating Tx methods inside View.
var ErrReadOnly = errors.New("store: read-only transaction")

// MaxBatch caps the number of keys a backend binds into a single batch query.
const MaxBatch = 500

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// Insert creates a new, empty entity of typ and assigns its ID.
	Insert(typ string) (*Entity, error)
	// FetchByRecordNames returns the entities of typ whose record name is in
	// names, keyed by record name. Names without a match are absent.
	FetchByRecordNames(typ string, names []string) (map[string]*Entity, error)
	// Load returns the entities with the given IDs, keyed by ID.
	Load(ids ...int64) (map[int64]*Entity, error)
	// List returns every entity of typ ordered by ID.
	List(typ string) ([]*Entity, error)
	// ListPending returns the entities of typ with unpushed changes, ordered by ID.
	ListPending(typ string) ([]*Entity, error)
	// Save writes e, including its attributes and relationships.
	Save(e *Entity) error
	// Delete removes the entity id and applies the delete rules of its
	// relationships. Links pointing at it from other entities are dropped.
	Delete(id int64) error
}

// Store is a transactional entity store.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Checkpoints remembers, per record type, the newest modification time
// already pulled from the remote.
type Checkpoints interface {
	// Checkpoint returns the zero time when recordType was never pulled.
	Checkpoint(ctx context.Context, recordType string) (time.Time, error)
	SetCheckpoint(ctx context.Context, recordType string, at time.Time) error
}
