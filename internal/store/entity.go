package store

import (
	"bytes"
	"maps"
	"slices"
)

// Entity is one local record instance. Relationships hold destination IDs,
// never pointers; the store owning the entities resolves them.
type Entity struct {
	ID         int64
	Type       string
	RecordName string
	RecordData []byte
	// Pending marks local changes that have not been pushed yet.
	Pending bool

	values map[string]any
	toOne  map[string]int64
	toMany map[string][]int64
}

// NewEntity returns an unsaved entity of typ. Stores assign the ID on Insert.
func NewEntity(typ string) *Entity {
	return &Entity{Type: typ}
}

// Value returns the attribute name.
func (e *Entity) Value(name string) (any, bool) {
	v, ok := e.values[name]
	return v, ok
}

// SetValue assigns an attribute. A nil value clears it.
func (e *Entity) SetValue(name string, v any) {
	if v == nil {
		e.ClearValue(name)
		return
	}
	if e.values == nil {
		e.values = make(map[string]any)
	}
	e.values[name] = v
}

// ClearValue removes an attribute value.
func (e *Entity) ClearValue(name string) {
	delete(e.values, name)
}

// ValueNames returns the names of set attributes in sorted order.
func (e *Entity) ValueNames() []string {
	return slices.Sorted(maps.Keys(e.values))
}

// Related returns the destination ID of a to-one relationship.
func (e *Entity) Related(name string) (int64, bool) {
	id, ok := e.toOne[name]
	return id, ok
}

// SetRelated links a to-one relationship to id.
func (e *Entity) SetRelated(name string, id int64) {
	if e.toOne == nil {
		e.toOne = make(map[string]int64)
	}
	e.toOne[name] = id
}

// ClearRelated unlinks a to-one relationship.
func (e *Entity) ClearRelated(name string) {
	delete(e.toOne, name)
}

// RelatedSet returns the sorted destination IDs of a to-many relationship.
func (e *Entity) RelatedSet(name string) []int64 {
	return slices.Clone(e.toMany[name])
}

// SetRelatedSet replaces a to-many relationship. Duplicates are dropped.
func (e *Entity) SetRelatedSet(name string, ids []int64) {
	if len(ids) == 0 {
		delete(e.toMany, name)
		return
	}
	set := slices.Clone(ids)
	slices.Sort(set)
	set = slices.Compact(set)
	if e.toMany == nil {
		e.toMany = make(map[string][]int64)
	}
	e.toMany[name] = set
}

// AddRelated inserts id into a to-many relationship.
func (e *Entity) AddRelated(name string, id int64) {
	e.SetRelatedSet(name, append(e.RelatedSet(name), id))
}

// RemoveRelated drops id from every relationship of e.
func (e *Entity) RemoveRelated(id int64) bool {
	changed := false
	for name, dst := range e.toOne {
		if dst == id {
			delete(e.toOne, name)
			changed = true
		}
	}
	for name, ids := range e.toMany {
		if i, found := slices.BinarySearch(ids, id); found {
			e.SetRelatedSet(name, slices.Delete(slices.Clone(ids), i, i+1))
			changed = true
		}
	}
	return changed
}

// RelatedIDs returns every destination ID across all relationships, deduplicated.
func (e *Entity) RelatedIDs() []int64 {
	var out []int64
	for _, id := range e.toOne {
		out = append(out, id)
	}
	for _, ids := range e.toMany {
		out = append(out, ids...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Links returns the to-one and to-many relationship maps as copies.
func (e *Entity) Links() (toOne map[string]int64, toMany map[string][]int64) {
	toOne = maps.Clone(e.toOne)
	toMany = make(map[string][]int64, len(e.toMany))
	for k, v := range e.toMany {
		toMany[k] = slices.Clone(v)
	}
	return toOne, toMany
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	c := *e
	c.RecordData = bytes.Clone(e.RecordData)
	c.values = maps.Clone(e.values)
	for k, v := range c.values {
		if b, ok := v.([]byte); ok {
			c.values[k] = bytes.Clone(b)
		}
	}
	c.toOne = maps.Clone(e.toOne)
	if e.toMany != nil {
		c.toMany = make(map[string][]int64, len(e.toMany))
		for k, v := range e.toMany {
			c.toMany[k] = slices.Clone(v)
		}
	}
	return &c
}
