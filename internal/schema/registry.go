package schema

import (
	"errors"
	"fmt"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validate validates the attribute declaration.
func (a Attribute) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required),
		validation.Field(&a.Kind, validation.Required, validation.In(
			KindString, KindInt16, KindInt32, KindInt64, KindBoolean, KindDouble, KindDate, KindBinary,
		)),
	)
}

// Validate validates the relationship declaration.
func (r Relationship) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Destination, validation.Required),
		validation.Field(&r.DeleteRule, validation.In(DeleteNullify, DeleteCascade, DeleteDeny, DeleteNoAction)),
	)
}

// Validate validates the entity type declaration in isolation. Destination
// types are checked by Registry.Validate once every type is registered.
func (et EntityType) Validate() error {
	if err := validation.ValidateStruct(&et,
		validation.Field(&et.Name, validation.Required),
		validation.Field(&et.Attributes),
		validation.Field(&et.Relationships),
	); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(et.Attributes)+len(et.Relationships))
	for _, a := range et.Attributes {
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("schema: %s: duplicate field %q", et.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	for _, r := range et.Relationships {
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("schema: %s: duplicate field %q", et.Name, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// Registry holds the descriptions of every registered entity type.
// It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	types        map[string]*Description
	byRecordType map[string]*Description
	order        []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:        make(map[string]*Description),
		byRecordType: make(map[string]*Description),
	}
}

// Register validates et and adds it to the registry. Attribute defaults are
// normalised to the Go type of their kind.
func (r *Registry) Register(et EntityType) error {
	if err := et.Validate(); err != nil {
		return fmt.Errorf("schema: register %q: %w", et.Name, err)
	}
	attrs := make([]Attribute, len(et.Attributes))
	for i, a := range et.Attributes {
		if a.Default != nil {
			v, err := Coerce(a.Kind, a.Default)
			if err != nil {
				return fmt.Errorf("schema: register %q: default of %q: %w", et.Name, a.Name, err)
			}
			a.Default = v
		}
		attrs[i] = a
	}
	et.Attributes = attrs

	d := describe(et)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[d.Name]; exists {
		return fmt.Errorf("schema: type %q already registered", d.Name)
	}
	if other, exists := r.byRecordType[d.RecordType]; exists {
		return fmt.Errorf("schema: record type %q already used by %q", d.RecordType, other.Name)
	}
	r.types[d.Name] = d
	r.byRecordType[d.RecordType] = d
	r.order = append(r.order, d.Name)
	return nil
}

// MustRegister is Register that panics on error. Intended for static declarations.
func (r *Registry) MustRegister(types ...EntityType) *Registry {
	for _, et := range types {
		if err := r.Register(et); err != nil {
			panic(err)
		}
	}
	return r
}

// Validate checks cross-type references: every relationship destination must be
// a registered type.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, name := range r.order {
		r.types[name].EachRelationship(func(rel Relationship) {
			if _, ok := r.types[rel.Destination]; !ok {
				errs = append(errs, fmt.Errorf("schema: %s.%s: unknown destination type %q", name, rel.Name, rel.Destination))
			}
		})
	}
	return errors.Join(errs...)
}

// Lookup returns the description of a type without panicking.
func (r *Registry) Lookup(typ string) (*Description, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[typ]
	return d, ok
}

// ByRecordType returns the description whose remote record type is recordType.
func (r *Registry) ByRecordType(recordType string) (*Description, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byRecordType[recordType]
	return d, ok
}

// Describe returns the description of typ. An unknown type is a programming
// error and panics.
func (r *Registry) Describe(typ string) *Description {
	d, ok := r.Lookup(typ)
	if !ok {
		panic(fmt.Sprintf("schema: unknown entity type %q", typ))
	}
	return d
}

// DescribeAttributes returns the ordered attribute descriptors of typ.
func (r *Registry) DescribeAttributes(typ string) []Attribute {
	d := r.Describe(typ)
	out := make([]Attribute, 0, d.Attributes.Len())
	d.EachAttribute(func(a Attribute) { out = append(out, a) })
	return out
}

// DescribeRelationships returns the ordered relationship descriptors of typ.
func (r *Registry) DescribeRelationships(typ string) []Relationship {
	d := r.Describe(typ)
	out := make([]Relationship, 0, d.Relationships.Len())
	d.EachRelationship(func(rel Relationship) { out = append(out, rel) })
	return out
}

// Types returns registered type names in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// FromDeclarations builds a validated registry out of static declarations.
func FromDeclarations(types []EntityType) (*Registry, error) {
	reg := NewRegistry()
	for _, et := range types {
		if err := reg.Register(et); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}
