// Package record models remote records: schema-flexible bags of named fields
// keyed by a record type and a record name.
//
// System fields (name, change tag, timestamps) are struct members; user fields
// live behind Get/Set so the two spaces can never be confused.
package record

import (
	"maps"
	"slices"
	"time"
)

// Record is one remote record.
type Record struct {
	Type       string
	Name       string
	ChangeTag  string
	CreatedAt  time.Time
	ModifiedAt time.Time
	ModifiedBy string

	fields map[string]Value
}

// New returns an empty record shell.
func New(recordType, name string) *Record {
	return &Record{Type: recordType, Name: name, fields: make(map[string]Value)}
}

// Get returns the user field key.
func (r *Record) Get(key string) (Value, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// Has reports whether the record carries key.
func (r *Record) Has(key string) bool {
	_, ok := r.fields[key]
	return ok
}

// Set stores a user field. Setting a null value is the same as Delete.
func (r *Record) Set(key string, v Value) {
	if v.IsNull() {
		r.Delete(key)
		return
	}
	if r.fields == nil {
		r.fields = make(map[string]Value)
	}
	r.fields[key] = v
}

// Delete removes a user field.
func (r *Record) Delete(key string) {
	delete(r.fields, key)
}

// Keys returns the user field names in sorted order.
func (r *Record) Keys() []string {
	return slices.Sorted(maps.Keys(r.fields))
}

// Len returns the number of user fields.
func (r *Record) Len() int { return len(r.fields) }

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.fields = make(map[string]Value, len(r.fields))
	for k, v := range r.fields {
		switch v.kind {
		case KindReferenceList:
			v.refs = slices.Clone(v.refs)
		case KindBytes:
			v.raw = slices.Clone(v.raw)
		}
		c.fields[k] = v
	}
	return &c
}

// Equal reports whether both records carry the same system and user fields.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Type != o.Type || r.Name != o.Name || r.ChangeTag != o.ChangeTag ||
		!r.CreatedAt.Equal(o.CreatedAt) || !r.ModifiedAt.Equal(o.ModifiedAt) || r.ModifiedBy != o.ModifiedBy {
		return false
	}
	return maps.EqualFunc(r.fields, o.fields, Value.Equal)
}

// EqualFields reports whether both records carry the same user fields,
// ignoring identity and system fields.
func (r *Record) EqualFields(o *Record) bool {
	return maps.EqualFunc(r.fields, o.fields, Value.Equal)
}
