package graphsync

import (
	"maps"
	"slices"

	"github.com/starford/recordsync/internal/store"
)

// index holds the entities a batch has touched, by type and record name and by ID.
type index struct {
	byName map[string]map[string]*store.Entity
	byID   map[int64]*store.Entity
}

func newIndex() *index {
	return &index{
		byName: make(map[string]map[string]*store.Entity),
		byID:   make(map[int64]*store.Entity),
	}
}

func (x *index) add(e *store.Entity) {
	if prev, ok := x.byID[e.ID]; ok {
		// Keep the first copy; later code mutates it in place.
		e = prev
	}
	x.byID[e.ID] = e
	if e.RecordName == "" {
		return
	}
	names := x.byName[e.Type]
	if names == nil {
		names = make(map[string]*store.Entity)
		x.byName[e.Type] = names
	}
	names[e.RecordName] = e
}

func (x *index) get(typ, name string) (*store.Entity, bool) {
	e, ok := x.byName[typ][name]
	return e, ok
}

func (x *index) resolve(typ, name string) (int64, bool) {
	if e, ok := x.get(typ, name); ok {
		return e.ID, true
	}
	return 0, false
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
