// Package entityservice reads and edits local entities for the HTTP API and
// the MCP server. Every edit marks the entity pending so the next push sends it.
package entityservice

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/codec"
	"github.com/starford/recordsync/internal/models"
	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/store"
)

// EventSink is told about committed entity changes.
type EventSink interface {
	PublishEntityEvent(kind, typ string, id int64)
}

// Input is a create or patch request. Absent keys are left alone; a null
// value or link clears it.
type Input struct {
	Values map[string]any     `json:"values,omitempty"`
	ToOne  map[string]*int64  `json:"to_one,omitempty"`
	ToMany map[string][]int64 `json:"to_many,omitempty"`
}

// Service coordinates schema lookups and store transactions.
type Service struct {
	reg    *schema.Registry
	st     store.Store
	system codec.SystemFields
	events EventSink
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEvents sets the sink for entity change events.
func WithEvents(e EventSink) Option {
	return func(s *Service) { s.events = e }
}

// WithSystemFields sets the attribute names clients may not write.
func WithSystemFields(f codec.SystemFields) Option {
	return func(s *Service) { s.system = f }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a new entity service.
func New(reg *schema.Registry, st store.Store, opts ...Option) *Service {
	s := &Service{reg: reg, st: st, system: codec.DefaultSystemFields(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Types describes every registered entity type.
func (s *Service) Types() []models.TypeView {
	out := make([]models.TypeView, 0, len(s.reg.Types()))
	for _, name := range s.reg.Types() {
		out = append(out, s.typeView(s.reg.Describe(name)))
	}
	return out
}

// Type describes one entity type.
func (s *Service) Type(name string) (models.TypeView, error) {
	desc, err := s.describe(name)
	if err != nil {
		return models.TypeView{}, err
	}
	return s.typeView(desc), nil
}

func (s *Service) typeView(desc *schema.Description) models.TypeView {
	tv := models.TypeView{
		Name:          desc.Name,
		RecordType:    desc.RecordType,
		Attributes:    []models.AttributeView{},
		Relationships: []models.RelationshipView{},
	}
	desc.EachAttribute(func(a schema.Attribute) {
		tv.Attributes = append(tv.Attributes, models.AttributeView{
			Name: a.Name, Kind: a.Kind.String(), Default: a.Default, System: s.system.Has(a.Name),
		})
	})
	desc.EachRelationship(func(r schema.Relationship) {
		tv.Relationships = append(tv.Relationships, models.RelationshipView{
			Name: r.Name, Destination: r.Destination, ToMany: r.ToMany,
			Transient: r.Transient, DeleteRule: string(r.DeleteRule),
		})
	})
	return tv
}

func (s *Service) describe(typ string) (*schema.Description, error) {
	desc, ok := s.reg.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("entityservice: %q: %w", typ, apperr.ErrUnknownType)
	}
	return desc, nil
}

// List returns the entities of typ ordered by ID, or only the pending ones.
func (s *Service) List(ctx context.Context, typ string, pendingOnly bool) ([]models.EntityView, error) {
	if _, err := s.describe(typ); err != nil {
		return nil, err
	}
	var out []models.EntityView
	err := s.st.View(ctx, func(tx store.Tx) error {
		list := tx.List
		if pendingOnly {
			list = tx.ListPending
		}
		entities, err := list(typ)
		if err != nil {
			return err
		}
		out = make([]models.EntityView, 0, len(entities))
		for _, e := range entities {
			out = append(out, s.view(e))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one entity of typ.
func (s *Service) Get(ctx context.Context, typ string, id int64) (models.EntityView, error) {
	if _, err := s.describe(typ); err != nil {
		return models.EntityView{}, err
	}
	var out models.EntityView
	err := s.st.View(ctx, func(tx store.Tx) error {
		e, err := load(tx, typ, id)
		if err != nil {
			return err
		}
		out = s.view(e)
		return nil
	})
	return out, err
}

// Create inserts a pending entity of typ with the declared defaults, then in.
func (s *Service) Create(ctx context.Context, typ string, in Input) (models.EntityView, error) {
	desc, err := s.describe(typ)
	if err != nil {
		return models.EntityView{}, err
	}
	var out models.EntityView
	err = s.st.Update(ctx, func(tx store.Tx) error {
		e, err := tx.Insert(typ)
		if err != nil {
			return err
		}
		desc.EachAttribute(func(a schema.Attribute) {
			if a.Default != nil && !s.system.Has(a.Name) {
				e.SetValue(a.Name, a.Default)
			}
		})
		if err := s.apply(tx, desc, e, in); err != nil {
			return err
		}
		e.Pending = true
		if err := tx.Save(e); err != nil {
			return err
		}
		out = s.view(e)
		return nil
	})
	if err != nil {
		return models.EntityView{}, err
	}
	s.publish("created", typ, out.ID)
	return out, nil
}

// Update patches one entity of typ and marks it pending.
func (s *Service) Update(ctx context.Context, typ string, id int64, in Input) (models.EntityView, error) {
	desc, err := s.describe(typ)
	if err != nil {
		return models.EntityView{}, err
	}
	var out models.EntityView
	err = s.st.Update(ctx, func(tx store.Tx) error {
		e, err := load(tx, typ, id)
		if err != nil {
			return err
		}
		if err := s.apply(tx, desc, e, in); err != nil {
			return err
		}
		e.Pending = true
		if err := tx.Save(e); err != nil {
			return err
		}
		out = s.view(e)
		return nil
	})
	if err != nil {
		return models.EntityView{}, err
	}
	s.publish("updated", typ, id)
	return out, nil
}

// Delete removes one entity of typ and applies its delete rules.
func (s *Service) Delete(ctx context.Context, typ string, id int64) error {
	if _, err := s.describe(typ); err != nil {
		return err
	}
	err := s.st.Update(ctx, func(tx store.Tx) error {
		if _, err := load(tx, typ, id); err != nil {
			return err
		}
		return tx.Delete(id)
	})
	if err != nil {
		return err
	}
	s.publish("deleted", typ, id)
	return nil
}

func (s *Service) publish(kind, typ string, id int64) {
	s.logger.Debug("entityservice: "+kind, slog.String("type", typ), slog.Int64("id", id))
	if s.events != nil {
		s.events.PublishEntityEvent(kind, typ, id)
	}
}

func load(tx store.Tx, typ string, id int64) (*store.Entity, error) {
	got, err := tx.Load(id)
	if err != nil {
		return nil, err
	}
	e, ok := got[id]
	if !ok || e.Type != typ {
		return nil, fmt.Errorf("entityservice: %s %d: %w", typ, id, apperr.ErrNotFound)
	}
	return e, nil
}

func (s *Service) apply(tx store.Tx, desc *schema.Description, e *store.Entity, in Input) error {
	for _, name := range sortedKeys(in.Values) {
		attr, ok := desc.Attribute(name)
		if !ok || s.system.Has(name) {
			return fmt.Errorf("entityservice: %s has no writable attribute %q: %w", desc.Name, name, apperr.ErrInvalidValue)
		}
		raw := in.Values[name]
		if raw == nil {
			e.ClearValue(name)
			continue
		}
		v, err := schema.Coerce(attr.Kind, raw)
		if err != nil {
			return fmt.Errorf("entityservice: %s.%s: %w", desc.Name, name, err)
		}
		e.SetValue(name, v)
	}

	var wanted []int64
	for _, name := range sortedKeys(in.ToOne) {
		if _, err := relationship(desc, name, false); err != nil {
			return err
		}
		if id := in.ToOne[name]; id != nil {
			wanted = append(wanted, *id)
		}
	}
	for _, name := range sortedKeys(in.ToMany) {
		if _, err := relationship(desc, name, true); err != nil {
			return err
		}
		wanted = append(wanted, in.ToMany[name]...)
	}
	targets := map[int64]*store.Entity{}
	if len(wanted) > 0 {
		var err error
		if targets, err = tx.Load(wanted...); err != nil {
			return err
		}
	}
	checkTarget := func(rel schema.Relationship, id int64) error {
		t, ok := targets[id]
		if !ok || t.Type != rel.Destination {
			return fmt.Errorf("entityservice: %s.%s: no %s %d: %w",
				desc.Name, rel.Name, rel.Destination, id, apperr.ErrInvalidValue)
		}
		return nil
	}

	for _, name := range sortedKeys(in.ToOne) {
		rel, _ := desc.Relationship(name)
		id := in.ToOne[name]
		if id == nil {
			e.ClearRelated(name)
			continue
		}
		if err := checkTarget(rel, *id); err != nil {
			return err
		}
		e.SetRelated(name, *id)
	}
	for _, name := range sortedKeys(in.ToMany) {
		rel, _ := desc.Relationship(name)
		for _, id := range in.ToMany[name] {
			if err := checkTarget(rel, id); err != nil {
				return err
			}
		}
		e.SetRelatedSet(name, in.ToMany[name])
	}
	return nil
}

func relationship(desc *schema.Description, name string, toMany bool) (schema.Relationship, error) {
	rel, ok := desc.Relationship(name)
	if !ok || rel.ToMany != toMany {
		kind := "to-one"
		if toMany {
			kind = "to-many"
		}
		return rel, fmt.Errorf("entityservice: %s has no %s relationship %q: %w", desc.Name, kind, name, apperr.ErrInvalidValue)
	}
	return rel, nil
}

func (s *Service) view(e *store.Entity) models.EntityView {
	v := models.EntityView{
		ID:         e.ID,
		Type:       e.Type,
		RecordName: e.RecordName,
		Pending:    e.Pending,
		Values:     make(map[string]any),
	}
	for _, name := range e.ValueNames() {
		if s.system.Has(name) {
			continue
		}
		v.Values[name], _ = e.Value(name)
	}
	toOne, toMany := e.Links()
	if len(toOne) > 0 {
		v.ToOne = toOne
	}
	if len(toMany) > 0 {
		v.ToMany = toMany
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
