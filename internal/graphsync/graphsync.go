// Package graphsync runs the record codec over batches of entities and
// records. It owns the batch lookups (one per entity type, never one per
// record), the upsert decision, and relationship resolution across a batch.
package graphsync

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/codec"
	"github.com/starford/recordsync/internal/record"
	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/store"
)

// Synchronizer converts between local entities and remote records in batches.
// Every batch runs inside a single store transaction.
type Synchronizer struct {
	reg         *schema.Registry
	store       store.Store
	codec       *codec.Codec
	logger      *slog.Logger
	detailsOnly bool
	codecOpts   []codec.Option
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger for the synchronizer and its codec.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecordDetailsOnly makes DeserializeFromPull refresh only record names
// and archived records, leaving attributes and relationships untouched.
func WithRecordDetailsOnly(on bool) Option {
	return func(s *Synchronizer) { s.detailsOnly = on }
}

// WithStrict makes unsupported attribute kinds panic.
func WithStrict(on bool) Option {
	return func(s *Synchronizer) { s.codecOpts = append(s.codecOpts, codec.WithStrict(on)) }
}

// WithSystemFields sets the attribute names reserved for the record name and
// the archived record.
func WithSystemFields(f codec.SystemFields) Option {
	return func(s *Synchronizer) { s.codecOpts = append(s.codecOpts, codec.WithSystemFields(f)) }
}

// WithArchiver replaces the archiver used for the opaque record blob.
func WithArchiver(a record.Archiver) Option {
	return func(s *Synchronizer) { s.codecOpts = append(s.codecOpts, codec.WithArchiver(a)) }
}

// WithNameGenerator sets the source of fresh record names.
func WithNameGenerator(fn func() string) Option {
	return func(s *Synchronizer) { s.codecOpts = append(s.codecOpts, codec.WithNameGenerator(fn)) }
}

// New returns a synchronizer over the types of reg stored in st.
func New(reg *schema.Registry, st store.Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{reg: reg, store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.codec = codec.New(reg, append([]codec.Option{codec.WithLogger(s.logger)}, s.codecOpts...)...)
	return s
}

// Registry returns the schema registry the synchronizer works with.
func (s *Synchronizer) Registry() *schema.Registry { return s.reg }

// SerializeForPush builds outbound records for the entities with the given
// local IDs, in the same order. Entities without a record name, and the
// unnamed entities they link to, get one and the assignment is persisted.
func (s *Synchronizer) SerializeForPush(ctx context.Context, ids ...int64) ([]*record.Record, error) {
	var out []*record.Record
	err := s.store.Update(ctx, func(tx store.Tx) error {
		loaded, err := tx.Load(ids...)
		if err != nil {
			return fmt.Errorf("graphsync: load batch: %w", err)
		}
		batch := make([]*store.Entity, 0, len(ids))
		for _, id := range ids {
			e, ok := loaded[id]
			if !ok {
				return fmt.Errorf("graphsync: entity %d: %w", id, apperr.ErrNotFound)
			}
			batch = append(batch, e)
		}
		out, err = s.serialize(tx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SerializeTypeForPush builds outbound records for every pending entity of typ.
// It returns the records and the local IDs they were built from.
func (s *Synchronizer) SerializeTypeForPush(ctx context.Context, typ string) ([]*record.Record, []int64, error) {
	if _, ok := s.reg.Lookup(typ); !ok {
		return nil, nil, fmt.Errorf("graphsync: %q: %w", typ, apperr.ErrUnknownType)
	}
	var (
		out []*record.Record
		ids []int64
	)
	err := s.store.Update(ctx, func(tx store.Tx) error {
		batch, err := tx.ListPending(typ)
		if err != nil {
			return fmt.Errorf("graphsync: list pending %s: %w", typ, err)
		}
		for _, e := range batch {
			ids = append(ids, e.ID)
		}
		out, err = s.serialize(tx, batch)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, ids, nil
}

func (s *Synchronizer) serialize(tx store.Tx, batch []*store.Entity) ([]*record.Record, error) {
	byID := make(map[int64]*store.Entity, len(batch))
	for _, e := range batch {
		byID[e.ID] = e
	}

	// One load for every destination outside the batch.
	var missing []int64
	for _, e := range batch {
		for _, id := range e.RelatedIDs() {
			if _, ok := byID[id]; !ok {
				missing = append(missing, id)
			}
		}
	}
	slices.Sort(missing)
	missing = slices.Compact(missing)
	if len(missing) > 0 {
		related, err := tx.Load(missing...)
		if err != nil {
			return nil, fmt.Errorf("graphsync: load destinations: %w", err)
		}
		for id, e := range related {
			byID[id] = e
		}
	}

	// Name every batch member and destination first so each reference
	// resolves, whatever order the types are pushed in.
	var named []*store.Entity
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		if e := byID[id]; e.RecordName == "" {
			s.codec.Identify(e)
			named = append(named, e)
		}
	}

	lookup := func(id int64) (*store.Entity, bool) {
		e, ok := byID[id]
		return e, ok
	}
	out := make([]*record.Record, 0, len(batch))
	for _, e := range batch {
		out = append(out, s.codec.Serialize(e, lookup))
	}
	for _, e := range named {
		if err := tx.Save(e); err != nil {
			return nil, fmt.Errorf("graphsync: save record name of %d: %w", e.ID, err)
		}
	}
	s.logger.Debug("graphsync: serialized batch", slog.Int("records", len(out)))
	return out, nil
}

// DeserializeFromPull upserts records into the local store and returns the
// touched entities in record order. Records of unknown types or without a
// record name are logged and skipped.
func (s *Synchronizer) DeserializeFromPull(ctx context.Context, records []*record.Record) ([]*store.Entity, error) {
	return s.deserialize(ctx, records, s.detailsOnly, false)
}

// ConfirmPush applies records returned by a successful push in
// record-details-only mode. Pending is cleared on entities whose current
// values still match what was pushed; entities edited after the push was
// built stay pending.
func (s *Synchronizer) ConfirmPush(ctx context.Context, saved []*record.Record) ([]*store.Entity, error) {
	return s.deserialize(ctx, saved, true, true)
}

// DropUnchanged returns, in order, the records whose change tag differs from
// the one archived on the matching local entity. Records without a change tag
// or without a local counterpart are kept.
func (s *Synchronizer) DropUnchanged(ctx context.Context, records []*record.Record) ([]*record.Record, error) {
	namesByType := make(map[string][]string)
	for _, rec := range records {
		if desc, ok := s.reg.ByRecordType(rec.Type); ok && rec.Name != "" && rec.ChangeTag != "" {
			namesByType[desc.Name] = append(namesByType[desc.Name], rec.Name)
		}
	}
	if len(namesByType) == 0 {
		return records, nil
	}

	held := make(map[string]string) // record type/name -> archived tag
	err := s.store.View(ctx, func(tx store.Tx) error {
		for _, typ := range sortedKeys(namesByType) {
			found, err := tx.FetchByRecordNames(typ, namesByType[typ])
			if err != nil {
				return fmt.Errorf("graphsync: fetch %s: %w", typ, err)
			}
			recordType := s.reg.Describe(typ).RecordType
			for name, e := range found {
				if tag := s.codec.ArchivedTag(e); tag != "" {
					held[recordType+"/"+name] = tag
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*record.Record, 0, len(records))
	for _, rec := range records {
		if rec.ChangeTag != "" && held[rec.Type+"/"+rec.Name] == rec.ChangeTag {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

type batchEntry struct {
	desc *schema.Description
	rec  *record.Record
}

func (s *Synchronizer) deserialize(ctx context.Context, records []*record.Record, detailsOnly, confirm bool) ([]*store.Entity, error) {
	entries := make([]batchEntry, 0, len(records))
	namesByType := make(map[string][]string)
	for _, rec := range records {
		desc, ok := s.reg.ByRecordType(rec.Type)
		if !ok {
			s.logger.Warn("graphsync: skip record of unknown type",
				slog.String("record_type", rec.Type), slog.String("record", rec.Name))
			continue
		}
		if rec.Name == "" {
			s.logger.Warn("graphsync: skip record without name", slog.String("record_type", rec.Type))
			continue
		}
		entries = append(entries, batchEntry{desc: desc, rec: rec})
		namesByType[desc.Name] = append(namesByType[desc.Name], rec.Name)
	}

	var out []*store.Entity
	err := s.store.Update(ctx, func(tx store.Tx) error {
		known := newIndex()

		// Upsert: one batch fetch per type, then insert what is missing.
		for _, typ := range sortedKeys(namesByType) {
			found, err := tx.FetchByRecordNames(typ, namesByType[typ])
			if err != nil {
				return fmt.Errorf("graphsync: fetch %s: %w", typ, err)
			}
			for _, e := range found {
				known.add(e)
			}
		}
		for _, en := range entries {
			if _, ok := known.get(en.desc.Name, en.rec.Name); ok {
				continue
			}
			e, err := tx.Insert(en.desc.Name)
			if err != nil {
				return fmt.Errorf("graphsync: insert %s: %w", en.desc.Name, err)
			}
			e.RecordName = en.rec.Name
			known.add(e)
		}

		if !detailsOnly {
			if err := s.prefetchDestinations(tx, entries, known); err != nil {
				return err
			}
		}

		out = make([]*store.Entity, 0, len(entries))
		for _, en := range entries {
			e, _ := known.get(en.desc.Name, en.rec.Name)
			if err := s.codec.Apply(e, en.rec, known.resolve, detailsOnly); err != nil {
				return err
			}
			out = append(out, e)
		}

		if confirm {
			if err := s.clearPending(tx, entries, known); err != nil {
				return err
			}
		}

		saved := make(map[int64]struct{}, len(out))
		for _, e := range out {
			if _, dup := saved[e.ID]; dup {
				continue
			}
			saved[e.ID] = struct{}{}
			if err := tx.Save(e); err != nil {
				return fmt.Errorf("graphsync: save %s %s: %w", e.Type, e.RecordName, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("graphsync: applied batch",
		slog.Int("records", len(records)), slog.Int("entities", len(out)), slog.Bool("details_only", detailsOnly))
	return out, nil
}

// prefetchDestinations loads, with one query per destination type, every
// referenced entity that is not already part of the batch.
func (s *Synchronizer) prefetchDestinations(tx store.Tx, entries []batchEntry, known *index) error {
	wanted := make(map[string][]string)
	for _, en := range entries {
		en.desc.EachRelationship(func(rel schema.Relationship) {
			if rel.Transient {
				return
			}
			v, ok := en.rec.Get(rel.Name)
			if !ok {
				return
			}
			var refs []string
			if rel.ToMany {
				refs, _ = v.AsReferences()
			} else if ref, ok := v.AsReference(); ok {
				refs = []string{ref}
			}
			for _, ref := range refs {
				if _, ok := known.get(rel.Destination, ref); !ok {
					wanted[rel.Destination] = append(wanted[rel.Destination], ref)
				}
			}
		})
	}
	for _, typ := range sortedKeys(wanted) {
		found, err := tx.FetchByRecordNames(typ, wanted[typ])
		if err != nil {
			return fmt.Errorf("graphsync: fetch destinations %s: %w", typ, err)
		}
		for _, e := range found {
			known.add(e)
		}
	}
	return nil
}

// clearPending drops the pending flag of entities whose current values
// serialize to the fields that were pushed.
func (s *Synchronizer) clearPending(tx store.Tx, entries []batchEntry, known *index) error {
	var missing []int64
	for _, en := range entries {
		e, _ := known.get(en.desc.Name, en.rec.Name)
		for _, id := range e.RelatedIDs() {
			if _, ok := known.byID[id]; !ok {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) > 0 {
		related, err := tx.Load(missing...)
		if err != nil {
			return fmt.Errorf("graphsync: load destinations: %w", err)
		}
		for _, e := range related {
			known.add(e)
		}
	}
	lookup := func(id int64) (*store.Entity, bool) {
		e, ok := known.byID[id]
		return e, ok
	}
	for _, en := range entries {
		e, _ := known.get(en.desc.Name, en.rec.Name)
		if !e.Pending {
			continue
		}
		if s.codec.Serialize(e.Clone(), lookup).EqualFields(en.rec) {
			e.Pending = false
		} else {
			s.logger.Debug("graphsync: entity changed during push, keeping it pending",
				slog.String("type", e.Type), slog.String("record", e.RecordName))
		}
	}
	return nil
}
