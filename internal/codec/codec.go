// Package codec converts one local entity to one remote record and back,
// driven entirely by the schema registry.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/starford/recordsync/internal/record"
	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/store"
)

// SystemFields names the attributes that carry the record name and the
// archived record. They are structural and never copied as user data.
type SystemFields struct {
	RecordName string
	RecordData string
}

// DefaultSystemFields returns recordName / recordData.
func DefaultSystemFields() SystemFields {
	return SystemFields{RecordName: "recordName", RecordData: "recordData"}
}

// Has reports whether name is a system field.
func (s SystemFields) Has(name string) bool {
	return name == s.RecordName || name == s.RecordData
}

// Lookup returns a related entity by local ID.
type Lookup func(id int64) (*store.Entity, bool)

// Resolver maps a record name of destType to a local entity ID.
type Resolver func(destType, recordName string) (int64, bool)

// Codec serializes and applies records for the types of one registry.
type Codec struct {
	reg      *schema.Registry
	archiver record.Archiver
	system   SystemFields
	strict   bool
	logger   *slog.Logger
	newName  func() string
}

// Option configures a Codec.
type Option func(*Codec)

// WithArchiver replaces the default BSON archiver.
func WithArchiver(a record.Archiver) Option {
	return func(c *Codec) { c.archiver = a }
}

// WithSystemFields overrides the system attribute names.
func WithSystemFields(s SystemFields) Option {
	return func(c *Codec) { c.system = s }
}

// WithStrict makes unsupported attribute kinds panic.
func WithStrict(strict bool) Option {
	return func(c *Codec) { c.strict = strict }
}

// WithLogger sets the logger used for skipped fields and references.
func WithLogger(l *slog.Logger) Option {
	return func(c *Codec) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNameGenerator sets the source of fresh record names.
func WithNameGenerator(fn func() string) Option {
	return func(c *Codec) { c.newName = fn }
}

// New returns a codec over reg.
func New(reg *schema.Registry, opts ...Option) *Codec {
	c := &Codec{
		reg:      reg,
		archiver: record.BSONArchiver{},
		system:   DefaultSystemFields(),
		logger:   slog.Default(),
		newName:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SystemFields returns the configured system attribute names.
func (c *Codec) SystemFields() SystemFields { return c.system }

// Serialize builds the outbound record for e. When e has no record name yet
// the record gets a fresh one and e.RecordName is set to it; the caller
// persists that assignment. related resolves relationship destinations.
func (c *Codec) Serialize(e *store.Entity, related Lookup) *record.Record {
	desc := c.reg.Describe(e.Type)
	rec := c.shell(e, desc)
	e.RecordName = rec.Name

	desc.EachAttribute(func(a schema.Attribute) {
		if a.Transient || c.system.Has(a.Name) {
			return
		}
		if !Supported(a.Kind) {
			c.unsupported(desc.Name, a)
			return
		}
		v, ok := e.Value(a.Name)
		if !ok {
			if a.Kind == schema.KindBoolean {
				def, _ := a.Default.(bool)
				rec.Set(a.Name, record.Bool(def))
			} else {
				rec.Delete(a.Name)
			}
			return
		}
		wire, err := ToWire(a.Kind, v)
		if err != nil {
			c.logger.Warn("codec: skip attribute",
				slog.String("type", desc.Name), slog.String("field", a.Name), slog.String("error", err.Error()))
			return
		}
		rec.Set(a.Name, wire)
	})

	desc.EachRelationship(func(rel schema.Relationship) {
		if rel.Transient {
			return
		}
		if !rel.ToMany {
			rec.Delete(rel.Name)
			id, ok := e.Related(rel.Name)
			if !ok {
				return
			}
			dst, ok := related(id)
			if !ok || dst.RecordName == "" {
				c.logger.Debug("codec: skip unnamed destination",
					slog.String("type", desc.Name), slog.String("field", rel.Name), slog.Int64("destination", id))
				return
			}
			rec.Set(rel.Name, record.Reference(dst.RecordName))
			return
		}
		names := make([]string, 0)
		for _, id := range e.RelatedSet(rel.Name) {
			if dst, ok := related(id); ok && dst.RecordName != "" {
				names = append(names, dst.RecordName)
			}
		}
		slices.Sort(names)
		rec.Set(rel.Name, record.References(names...))
	})
	return rec
}

// Identify binds e to its record name without building the record: the name
// of the archived record, else the current name, else a fresh one.
func (c *Codec) Identify(e *store.Entity) string {
	e.RecordName = c.shell(e, c.reg.Describe(e.Type)).Name
	return e.RecordName
}

// ArchivedTag returns the change tag of the record archived on e, or "" when
// there is none.
func (c *Codec) ArchivedTag(e *store.Entity) string {
	if len(e.RecordData) == 0 {
		return ""
	}
	rec, err := c.archiver.Unarchive(e.RecordData)
	if err != nil {
		return ""
	}
	return rec.ChangeTag
}

// shell recovers the record archived on e, or builds a new one.
func (c *Codec) shell(e *store.Entity, desc *schema.Description) *record.Record {
	if len(e.RecordData) > 0 {
		rec, err := c.archiver.Unarchive(e.RecordData)
		switch {
		case err != nil:
			c.logger.Warn("codec: discard archived record",
				slog.String("type", desc.Name), slog.Int64("id", e.ID), slog.String("error", err.Error()))
		case rec.Type != desc.RecordType || (e.RecordName != "" && rec.Name != e.RecordName):
			c.logger.Warn("codec: discard archived record with foreign identity",
				slog.String("type", desc.Name), slog.Int64("id", e.ID), slog.String("record", rec.Name))
		default:
			return rec
		}
	}
	if e.RecordName != "" {
		return record.New(desc.RecordType, e.RecordName)
	}
	return record.New(desc.RecordType, c.newName())
}

// Apply merges rec into e. The record name is bound and the full record is
// archived into e.RecordData. Unless detailsOnly, attributes present in rec
// overwrite local values, absent ones are left alone, and relationships
// present in rec are relinked through resolve.
func (c *Codec) Apply(e *store.Entity, rec *record.Record, resolve Resolver, detailsOnly bool) error {
	desc := c.reg.Describe(e.Type)
	if e.RecordName != "" && e.RecordName != rec.Name {
		c.logger.Warn("codec: record name changed",
			slog.String("type", desc.Name), slog.String("from", e.RecordName), slog.String("to", rec.Name))
	}
	data, err := c.archiver.Archive(rec)
	if err != nil {
		return fmt.Errorf("codec: archive %s: %w", rec.Name, err)
	}
	e.RecordName = rec.Name
	e.RecordData = data
	if detailsOnly {
		return nil
	}

	desc.EachAttribute(func(a schema.Attribute) {
		if a.Transient || c.system.Has(a.Name) {
			return
		}
		v, present := rec.Get(a.Name)
		if !present {
			return
		}
		local, err := FromWire(a.Kind, v)
		if errors.Is(err, ErrUnsupportedKind) {
			c.unsupported(desc.Name, a)
			return
		}
		if err != nil {
			c.logger.Warn("codec: skip attribute",
				slog.String("type", desc.Name), slog.String("record", rec.Name),
				slog.String("field", a.Name), slog.String("error", err.Error()))
			return
		}
		e.SetValue(a.Name, local)
	})

	desc.EachRelationship(func(rel schema.Relationship) {
		if rel.Transient {
			return
		}
		v, present := rec.Get(rel.Name)
		if !present {
			return
		}
		if !rel.ToMany {
			ref, ok := v.AsReference()
			if !ok {
				c.logger.Warn("codec: expected a reference",
					slog.String("type", desc.Name), slog.String("record", rec.Name),
					slog.String("field", rel.Name), slog.String("wire", v.Kind().String()))
				return
			}
			if id, found := resolve(rel.Destination, ref); found {
				e.SetRelated(rel.Name, id)
			} else {
				c.unresolved(desc.Name, rec.Name, rel, ref)
			}
			return
		}
		refs, ok := v.AsReferences()
		if !ok {
			c.logger.Warn("codec: expected a reference list",
				slog.String("type", desc.Name), slog.String("record", rec.Name),
				slog.String("field", rel.Name), slog.String("wire", v.Kind().String()))
			return
		}
		ids := make([]int64, 0, len(refs))
		for _, ref := range refs {
			if id, found := resolve(rel.Destination, ref); found {
				ids = append(ids, id)
			} else {
				c.unresolved(desc.Name, rec.Name, rel, ref)
			}
		}
		e.SetRelatedSet(rel.Name, ids)
	})
	return nil
}

func (c *Codec) unsupported(typ string, a schema.Attribute) {
	if devAssert || c.strict {
		panic(fmt.Sprintf("codec: %s.%s: %v: %s", typ, a.Name, ErrUnsupportedKind, a.Kind))
	}
	c.logger.Warn("codec: unsupported attribute kind",
		slog.String("type", typ), slog.String("field", a.Name), slog.String("kind", a.Kind.String()))
}

func (c *Codec) unresolved(typ, name string, rel schema.Relationship, ref string) {
	c.logger.Warn("codec: unresolved reference",
		slog.String("type", typ), slog.String("record", name),
		slog.String("field", rel.Name), slog.String("destination", rel.Destination), slog.String("reference", ref))
}
