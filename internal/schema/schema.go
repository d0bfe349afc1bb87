// Package schema describes the attributes and relationships of local entity types.
//
// Every type is registered once, up front, with a static declaration. The
// registry precomputes ordered descriptor maps per type so the codec can walk
// them many times per batch without re-deriving anything.
package schema

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Attribute describes one scalar field of an entity type.
type Attribute struct {
	Name      string    `yaml:"name" json:"name"`
	Kind      FieldKind `yaml:"kind" json:"kind"`
	Transient bool      `yaml:"transient,omitempty" json:"transient,omitempty"`
	Default   any       `yaml:"default,omitempty" json:"default,omitempty"`
}

// Relationship describes a link from an entity type to another entity type.
type Relationship struct {
	Name        string     `yaml:"name" json:"name"`
	Destination string     `yaml:"destination" json:"destination"`
	ToMany      bool       `yaml:"to_many,omitempty" json:"to_many,omitempty"`
	DeleteRule  DeleteRule `yaml:"delete_rule,omitempty" json:"delete_rule,omitempty"`
	// Transient relationships (typically the inverse side of a pair) stay local.
	Transient bool `yaml:"transient,omitempty" json:"transient,omitempty"`
}

// EntityType is the static declaration of a local entity type.
type EntityType struct {
	Name          string         `yaml:"name" json:"name"`
	RecordType    string         `yaml:"record_type,omitempty" json:"record_type"`
	Attributes    []Attribute    `yaml:"attributes" json:"attributes"`
	Relationships []Relationship `yaml:"relationships,omitempty" json:"relationships,omitempty"`
}

// Description is the cached, ordered view of a registered entity type.
type Description struct {
	Name          string
	RecordType    string
	Attributes    *orderedmap.OrderedMap[string, Attribute]
	Relationships *orderedmap.OrderedMap[string, Relationship]
}

// Attribute returns the attribute named name, if declared.
func (d *Description) Attribute(name string) (Attribute, bool) {
	return d.Attributes.Get(name)
}

// Relationship returns the relationship named name, if declared.
func (d *Description) Relationship(name string) (Relationship, bool) {
	return d.Relationships.Get(name)
}

// EachAttribute calls fn for every attribute in declaration order.
func (d *Description) EachAttribute(fn func(Attribute)) {
	for pair := d.Attributes.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Value)
	}
}

// EachRelationship calls fn for every relationship in declaration order.
func (d *Description) EachRelationship(fn func(Relationship)) {
	for pair := d.Relationships.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Value)
	}
}

// Declaration converts the description back into its static declaration.
func (d *Description) Declaration() EntityType {
	et := EntityType{Name: d.Name, RecordType: d.RecordType}
	d.EachAttribute(func(a Attribute) { et.Attributes = append(et.Attributes, a) })
	d.EachRelationship(func(r Relationship) { et.Relationships = append(et.Relationships, r) })
	return et
}

func describe(et EntityType) *Description {
	d := &Description{
		Name:          et.Name,
		RecordType:    et.RecordType,
		Attributes:    orderedmap.New[string, Attribute](orderedmap.WithCapacity[string, Attribute](len(et.Attributes))),
		Relationships: orderedmap.New[string, Relationship](orderedmap.WithCapacity[string, Relationship](len(et.Relationships))),
	}
	if d.RecordType == "" {
		d.RecordType = et.Name
	}
	for _, a := range et.Attributes {
		d.Attributes.Set(a.Name, a)
	}
	for _, r := range et.Relationships {
		if r.DeleteRule == "" {
			r.DeleteRule = DeleteNullify
		}
		d.Relationships.Set(r.Name, r)
	}
	return d
}
