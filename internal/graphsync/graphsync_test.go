package graphsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/record"
	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/store"
	"github.com/starford/recordsync/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type backend struct {
	name string
	open func(t *testing.T) (*schema.Registry, store.Store)
}

var backends = []backend{
	{"memory", func(t *testing.T) (*schema.Registry, store.Store) { return testutil.MemoryStore(t) }},
	{"sqlite", func(t *testing.T) (*schema.Registry, store.Store) { return testutil.TestDB(t) }},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, reg *schema.Registry, st store.Store)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			reg, st := b.open(t)
			fn(t, reg, st)
		})
	}
}

func newSync(reg *schema.Registry, st store.Store, opts ...Option) *Synchronizer {
	n := 0
	return New(reg, st, append([]Option{WithLogger(quiet), WithNameGenerator(func() string {
		n++
		return fmt.Sprintf("fresh-%d", n)
	})}, opts...)...)
}

func mustUpdate(t *testing.T, st store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := st.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

var errDiskFull = errors.New("disk full")

// countingStore counts batch fetches per type and fails the failOn-th Save
// of a read-write transaction when failOn is set.
type countingStore struct {
	store.Store
	fetches map[string]int
	saves   int
	failOn  int
}

func countStore(st store.Store) *countingStore {
	return &countingStore{Store: st, fetches: make(map[string]int)}
}

func (c *countingStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return c.Store.Update(ctx, func(tx store.Tx) error { return fn(&countingTx{Tx: tx, c: c}) })
}

func (c *countingStore) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return c.Store.View(ctx, func(tx store.Tx) error { return fn(&countingTx{Tx: tx, c: c}) })
}

type countingTx struct {
	store.Tx
	c *countingStore
}

func (t *countingTx) FetchByRecordNames(typ string, names []string) (map[string]*store.Entity, error) {
	t.c.fetches[typ]++
	return t.Tx.FetchByRecordNames(typ, names)
}

func (t *countingTx) Save(e *store.Entity) error {
	t.c.saves++
	if t.c.failOn > 0 && t.c.saves == t.c.failOn {
		return errDiskFull
	}
	return t.Tx.Save(e)
}

func count(t *testing.T, st store.Store, typ string) int {
	t.Helper()
	var n int
	err := st.View(context.Background(), func(tx store.Tx) error {
		all, err := tx.List(typ)
		n = len(all)
		return err
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	return n
}

func load(t *testing.T, st store.Store, typ, name string) *store.Entity {
	t.Helper()
	var e *store.Entity
	err := st.View(context.Background(), func(tx store.Tx) error {
		got, err := tx.FetchByRecordNames(typ, []string{name})
		e = got[name]
		return err
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	return e
}

func TestSerializeForPush(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		var svID, attrID int64
		mustUpdate(t, st, func(tx store.Tx) error {
			sv, _ := tx.Insert(testutil.Survivor)
			attr, _ := tx.Insert(testutil.Attributes)
			d, _ := tx.Insert(testutil.Disorder)
			d.RecordName = "d-1"
			if err := tx.Save(d); err != nil {
				return err
			}
			attr.SetValue("movement", int16(6))
			sv.SetValue("name", "Jack")
			sv.SetValue("survival", int32(1))
			sv.SetRelated("attributes", attr.ID)
			sv.SetRelatedSet("disorders", []int64{d.ID})
			svID, attrID = sv.ID, attr.ID
			if err := tx.Save(attr); err != nil {
				return err
			}
			return tx.Save(sv)
		})

		s := newSync(reg, st)
		recs, err := s.SerializeForPush(context.Background(), svID, attrID)
		if err != nil {
			t.Fatalf("SerializeForPush: %v", err)
		}
		if len(recs) != 2 || recs[0].Type != testutil.Survivor || recs[1].Type != testutil.Attributes {
			t.Fatalf("unexpected records: %+v", recs)
		}
		// The attribute block is named in the same batch, so the reference resolves.
		if v, _ := recs[0].Get("attributes"); !v.Equal(record.Reference(recs[1].Name)) {
			t.Errorf("attributes = %#v, want reference to %s", v, recs[1].Name)
		}
		if v, _ := recs[0].Get("disorders"); !v.Equal(record.References("d-1")) {
			t.Errorf("disorders = %#v", v)
		}

		// Names are persisted and reused.
		again, err := s.SerializeForPush(context.Background(), svID)
		if err != nil {
			t.Fatal(err)
		}
		if again[0].Name != recs[0].Name {
			t.Errorf("record name changed: %s -> %s", recs[0].Name, again[0].Name)
		}
		if e := load(t, st, testutil.Survivor, recs[0].Name); e == nil || e.ID != svID {
			t.Errorf("record name not persisted")
		}

		if _, err := s.SerializeForPush(context.Background(), 9999); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("missing entity err = %v", err)
		}
	})
}

func TestSerializeTypeForPush(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		mustUpdate(t, st, func(tx store.Tx) error {
			for i := 0; i < 3; i++ {
				e, _ := tx.Insert(testutil.Disorder)
				e.SetValue("name", fmt.Sprintf("d%d", i))
				e.Pending = i != 1
				if err := tx.Save(e); err != nil {
					return err
				}
			}
			return nil
		})
		s := newSync(reg, st)
		recs, ids, err := s.SerializeTypeForPush(context.Background(), testutil.Disorder)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 2 || len(ids) != 2 {
			t.Fatalf("got %d records, %d ids; want 2", len(recs), len(ids))
		}
		if _, _, err := s.SerializeTypeForPush(context.Background(), "Monster"); !errors.Is(err, apperr.ErrUnknownType) {
			t.Errorf("err = %v, want ErrUnknownType", err)
		}
	})
}

func TestDeserializeCreatesAndLinks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		sv := record.New(testutil.Survivor, "sv-1")
		sv.Set("name", record.String("Jack"))
		sv.Set("survival", record.Int(2))
		sv.Set("attributes", record.Reference("attr-1"))
		sv.Set("disorders", record.References("d-1", "d-2", "d-missing"))
		attr := record.New(testutil.Attributes, "attr-1")
		attr.Set("movement", record.Int(5))
		d1 := record.New(testutil.Disorder, "d-1")
		d2 := record.New(testutil.Disorder, "d-2")
		unknown := record.New("Monster", "m-1")
		nameless := record.New(testutil.Survivor, "")

		// The survivor arrives before its destinations in the same batch.
		s := newSync(reg, st)
		ents, err := s.DeserializeFromPull(context.Background(), []*record.Record{sv, attr, d1, d2, unknown, nameless})
		if err != nil {
			t.Fatalf("DeserializeFromPull: %v", err)
		}
		if len(ents) != 4 {
			t.Fatalf("got %d entities, want 4", len(ents))
		}

		got := load(t, st, testutil.Survivor, "sv-1")
		if v, _ := got.Value("name"); v != "Jack" {
			t.Errorf("name = %v", v)
		}
		attrEnt := load(t, st, testutil.Attributes, "attr-1")
		if id, _ := got.Related("attributes"); id != attrEnt.ID {
			t.Errorf("attributes = %d, want %d", id, attrEnt.ID)
		}
		want := []int64{load(t, st, testutil.Disorder, "d-1").ID, load(t, st, testutil.Disorder, "d-2").ID}
		slices.Sort(want)
		if diff := cmp.Diff(want, got.RelatedSet("disorders")); diff != "" {
			t.Errorf("disorders mismatch (-want +got):\n%s", diff)
		}
		if len(got.RecordData) == 0 {
			t.Error("archive must be stored")
		}
	})
}

func TestDeserializeUpsertsExisting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		var id int64
		mustUpdate(t, st, func(tx store.Tx) error {
			e, _ := tx.Insert(testutil.Survivor)
			e.RecordName = "existing-1"
			e.SetValue("name", "My name")
			e.SetValue("survival", int32(3))
			id = e.ID
			return tx.Save(e)
		})

		rec := record.New(testutil.Survivor, "existing-1")
		rec.Set("name", record.String("Mick 2"))
		rec.Set("survival", record.Int(121))
		rec.Set("cannotUseFightingArts", record.Bool(true))
		ents, err := newSync(reg, st).DeserializeFromPull(context.Background(), []*record.Record{rec})
		if err != nil {
			t.Fatal(err)
		}
		if ents[0].ID != id {
			t.Errorf("upsert created a new entity %d, want %d", ents[0].ID, id)
		}
		got := load(t, st, testutil.Survivor, "existing-1")
		want := map[string]any{"name": "Mick 2", "survival": int32(121), "cannotUseFightingArts": true}
		for k, w := range want {
			if v, _ := got.Value(k); v != w {
				t.Errorf("%s = %#v, want %#v", k, v, w)
			}
		}

		err = st.View(context.Background(), func(tx store.Tx) error {
			all, err := tx.List(testutil.Survivor)
			if len(all) != 1 {
				t.Errorf("%d survivors, want 1", len(all))
			}
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

func TestDeserializeRelinksPreviouslyPulled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		s := newSync(reg, st)
		first := []*record.Record{
			record.New(testutil.Disorder, "X"),
			record.New(testutil.Disorder, "Y"),
			record.New(testutil.Disorder, "Z"),
		}
		sv := record.New(testutil.Survivor, "sv")
		sv.Set("disorders", record.References("X", "Y", "Z"))
		if _, err := s.DeserializeFromPull(context.Background(), append(first, sv)); err != nil {
			t.Fatal(err)
		}

		// Destinations now come from the store, not the batch.
		update := record.New(testutil.Survivor, "sv")
		update.Set("disorders", record.References("X", "Y"))
		if _, err := s.DeserializeFromPull(context.Background(), []*record.Record{update}); err != nil {
			t.Fatal(err)
		}
		got := load(t, st, testutil.Survivor, "sv")
		want := []int64{load(t, st, testutil.Disorder, "X").ID, load(t, st, testutil.Disorder, "Y").ID}
		slices.Sort(want)
		if diff := cmp.Diff(want, got.RelatedSet("disorders")); diff != "" {
			t.Errorf("disorders mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRecordDetailsOnlyMode(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		var id int64
		mustUpdate(t, st, func(tx store.Tx) error {
			e, _ := tx.Insert(testutil.Survivor)
			e.SetValue("name", "Jake")
			e.SetValue("survival", int32(2))
			e.SetValue("cannotUseFightingArts", true)
			id = e.ID
			return tx.Save(e)
		})
		s := newSync(reg, st, WithRecordDetailsOnly(true))
		recs, err := s.SerializeForPush(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		stale := recs[0].Clone()
		stale.ChangeTag = "server-1"
		stale.Set("name", record.String("Other"))
		if _, err := s.DeserializeFromPull(context.Background(), []*record.Record{stale}); err != nil {
			t.Fatal(err)
		}
		got := load(t, st, testutil.Survivor, recs[0].Name)
		if v, _ := got.Value("name"); v != "Jake" {
			t.Errorf("name = %v, want Jake", v)
		}
		if v, _ := got.Value("survival"); v != int32(2) {
			t.Errorf("survival = %v, want 2", v)
		}
		archived, err := record.BSONArchiver{}.Unarchive(got.RecordData)
		if err != nil || archived.ChangeTag != "server-1" {
			t.Errorf("archive not refreshed: %+v, %v", archived, err)
		}
	})
}

func TestConfirmPush(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		var clean, dirty int64
		mustUpdate(t, st, func(tx store.Tx) error {
			for i, name := range []string{"clean", "dirty"} {
				e, _ := tx.Insert(testutil.Disorder)
				e.SetValue("name", name)
				e.Pending = true
				if err := tx.Save(e); err != nil {
					return err
				}
				if i == 0 {
					clean = e.ID
				} else {
					dirty = e.ID
				}
			}
			return nil
		})
		s := newSync(reg, st)
		recs, err := s.SerializeForPush(context.Background(), clean, dirty)
		if err != nil {
			t.Fatal(err)
		}

		// A local edit lands while the push is in flight.
		mustUpdate(t, st, func(tx store.Tx) error {
			got, _ := tx.Load(dirty)
			got[dirty].SetValue("name", "edited")
			return tx.Save(got[dirty])
		})

		for _, r := range recs {
			r.ChangeTag = "saved"
		}
		if _, err := s.ConfirmPush(context.Background(), recs); err != nil {
			t.Fatal(err)
		}
		if e := load(t, st, testutil.Disorder, recs[0].Name); e.Pending {
			t.Error("unchanged entity must no longer be pending")
		}
		e := load(t, st, testutil.Disorder, recs[1].Name)
		if !e.Pending {
			t.Error("entity edited during push must stay pending")
		}
		if v, _ := e.Value("name"); v != "edited" {
			t.Errorf("name = %v, the local edit must survive", v)
		}
	})
}

func TestFullCycleIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		var id int64
		mustUpdate(t, st, func(tx store.Tx) error {
			e, _ := tx.Insert(testutil.Survivor)
			e.SetValue("name", "Jack")
			id = e.ID
			return tx.Save(e)
		})
		s := newSync(reg, st)
		recs, err := s.SerializeForPush(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.DeserializeFromPull(context.Background(), recs); err != nil {
			t.Fatal(err)
		}
		a, err := s.SerializeForPush(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		b, err := s.SerializeForPush(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		var arch record.BSONArchiver
		ba, _ := arch.Archive(a[0])
		bb, _ := arch.Archive(b[0])
		if string(ba) != string(bb) {
			t.Error("records differ between two serializations of an unmodified entity")
		}
	})
}

func TestSerializeNamesOutOfBatchDestinations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		var svID, attrID int64
		mustUpdate(t, st, func(tx store.Tx) error {
			sv, _ := tx.Insert(testutil.Survivor)
			attr, _ := tx.Insert(testutil.Attributes)
			sv.SetRelated("attributes", attr.ID)
			svID, attrID = sv.ID, attr.ID
			return tx.Save(sv)
		})

		recs, err := newSync(reg, st).SerializeForPush(context.Background(), svID)
		if err != nil {
			t.Fatalf("SerializeForPush: %v", err)
		}
		var attr *store.Entity
		if err := st.View(context.Background(), func(tx store.Tx) error {
			got, err := tx.Load(attrID)
			attr = got[attrID]
			return err
		}); err != nil {
			t.Fatal(err)
		}
		if attr.RecordName == "" {
			t.Fatal("destination was not named")
		}
		if v, _ := recs[0].Get("attributes"); !v.Equal(record.Reference(attr.RecordName)) {
			t.Errorf("attributes = %#v, want reference to %s", v, attr.RecordName)
		}
	})
}

func TestDeserializeFetchesOncePerType(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		var batch []*record.Record
		for i := range 10 {
			d := record.New(testutil.Disorder, fmt.Sprintf("d-%d", i))
			d.Set("name", record.String(fmt.Sprintf("Disorder %d", i)))
			sv := record.New(testutil.Survivor, fmt.Sprintf("sv-%d", i))
			sv.Set("name", record.String(fmt.Sprintf("Survivor %d", i)))
			sv.Set("disorders", record.References(d.Name))
			batch = append(batch, sv, d)
		}

		cs := countStore(st)
		ents, err := newSync(reg, cs).DeserializeFromPull(context.Background(), batch)
		if err != nil {
			t.Fatalf("DeserializeFromPull: %v", err)
		}
		if len(ents) != 20 {
			t.Fatalf("got %d entities, want 20", len(ents))
		}
		want := map[string]int{testutil.Survivor: 1, testutil.Disorder: 1}
		if diff := cmp.Diff(want, cs.fetches); diff != "" {
			t.Errorf("fetches per type (-want +got):\n%s", diff)
		}

		// Destinations outside the batch cost one more fetch for their type.
		cs = countStore(st)
		var again []*record.Record
		for i := range 10 {
			sv := record.New(testutil.Survivor, fmt.Sprintf("sv-%d", i))
			sv.Set("disorders", record.References(fmt.Sprintf("d-%d", 9-i)))
			again = append(again, sv)
		}
		if _, err := newSync(reg, cs).DeserializeFromPull(context.Background(), again); err != nil {
			t.Fatalf("DeserializeFromPull: %v", err)
		}
		if diff := cmp.Diff(want, cs.fetches); diff != "" {
			t.Errorf("fetches per type (-want +got):\n%s", diff)
		}
		if got := load(t, st, testutil.Survivor, "sv-0").RelatedSet("disorders"); len(got) != 1 || got[0] != load(t, st, testutil.Disorder, "d-9").ID {
			t.Errorf("sv-0 disorders = %v, want d-9", got)
		}
	})
}

func TestDeserializeFailedSaveCommitsNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, reg *schema.Registry, st store.Store) {
		var seed []*record.Record
		for i := range 20 {
			sv := record.New(testutil.Survivor, fmt.Sprintf("sv-%d", i))
			sv.Set("name", record.String(fmt.Sprintf("Survivor %d", i)))
			seed = append(seed, sv)
		}
		if _, err := newSync(reg, st).DeserializeFromPull(context.Background(), seed); err != nil {
			t.Fatalf("seed: %v", err)
		}

		var batch []*record.Record
		for i := range 5 {
			sv := record.New(testutil.Survivor, fmt.Sprintf("sv-%d", i))
			sv.Set("name", record.String("renamed"))
			batch = append(batch, sv, record.New(testutil.Survivor, fmt.Sprintf("new-%d", i)))
		}
		cs := countStore(st)
		cs.failOn = 3
		_, err := newSync(reg, cs).DeserializeFromPull(context.Background(), batch)
		if !errors.Is(err, errDiskFull) {
			t.Fatalf("err = %v, want disk full", err)
		}

		if n := count(t, st, testutil.Survivor); n != 20 {
			t.Errorf("survivors = %d, want 20", n)
		}
		for i := range 5 {
			name := fmt.Sprintf("sv-%d", i)
			if v, _ := load(t, st, testutil.Survivor, name).Value("name"); v != fmt.Sprintf("Survivor %d", i) {
				t.Errorf("%s name = %v, the failed batch must not commit", name, v)
			}
		}
	})
}
