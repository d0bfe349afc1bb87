// Package storetest holds behaviour tests shared by every store.Store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/store"
	"github.com/starford/recordsync/internal/testutil"
)

// Opener returns a fresh, empty store over the testutil fixture schema.
type Opener func(t *testing.T) store.Store

// Run exercises a backend against the store contract.
func Run(t *testing.T, open Opener) {
	t.Run("InsertSaveFetch", func(t *testing.T) { testInsertSaveFetch(t, open(t)) })
	t.Run("BatchFetch", func(t *testing.T) { testBatchFetch(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ReadOnlyView", func(t *testing.T) { testReadOnlyView(t, open(t)) })
	t.Run("Links", func(t *testing.T) { testLinks(t, open(t)) })
	t.Run("DuplicateRecordName", func(t *testing.T) { testDuplicateRecordName(t, open(t)) })
	t.Run("Pending", func(t *testing.T) { testPending(t, open(t)) })
	t.Run("DeleteRules", func(t *testing.T) { testDeleteRules(t, open(t)) })
	t.Run("UnknownType", func(t *testing.T) { testUnknownType(t, open(t)) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, open(t)) })
}

func update(t *testing.T, s store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := s.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func view(t *testing.T, s store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := s.View(context.Background(), fn); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func testInsertSaveFetch(t *testing.T, s store.Store) {
	var id int64
	update(t, s, func(tx store.Tx) error {
		e, err := tx.Insert(testutil.Survivor)
		if err != nil {
			return err
		}
		if e.ID == 0 {
			t.Error("Insert must assign an ID")
		}
		id = e.ID
		e.RecordName = "rec-1"
		e.RecordData = []byte{1, 2, 3}
		e.SetValue("name", "Jack")
		e.SetValue("survival", int32(2))
		e.SetValue("cannotUseFightingArts", true)
		return tx.Save(e)
	})

	view(t, s, func(tx store.Tx) error {
		got, err := tx.FetchByRecordNames(testutil.Survivor, []string{"rec-1", "missing"})
		if err != nil {
			return err
		}
		if len(got) != 1 {
			t.Fatalf("fetched %d entities, want 1", len(got))
		}
		e := got["rec-1"]
		if e.ID != id || string(e.RecordData) != "\x01\x02\x03" {
			t.Errorf("unexpected entity %+v", e)
		}
		want := map[string]any{"name": "Jack", "survival": int32(2), "cannotUseFightingArts": true}
		for k, v := range want {
			if got, _ := e.Value(k); got != v {
				t.Errorf("%s = %#v, want %#v", k, got, v)
			}
		}

		other, err := tx.FetchByRecordNames(testutil.Disorder, []string{"rec-1"})
		if err != nil {
			return err
		}
		if len(other) != 0 {
			t.Error("record names are scoped by type")
		}
		return nil
	})
}

func testBatchFetch(t *testing.T, s store.Store) {
	n := store.MaxBatch + 20
	names := make([]string, 0, n)
	update(t, s, func(tx store.Tx) error {
		for i := 0; i < n; i++ {
			e, err := tx.Insert(testutil.Disorder)
			if err != nil {
				return err
			}
			e.RecordName = fmt.Sprintf("d-%d", i)
			names = append(names, e.RecordName)
			if err := tx.Save(e); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(tx store.Tx) error {
		got, err := tx.FetchByRecordNames(testutil.Disorder, append(names, names[0]))
		if err != nil {
			return err
		}
		if len(got) != n {
			t.Errorf("fetched %d, want %d", len(got), n)
		}
		all, err := tx.List(testutil.Disorder)
		if err != nil {
			return err
		}
		if len(all) != n || all[0].ID > all[1].ID {
			t.Errorf("List returned %d entities, want %d ordered by ID", len(all), n)
		}
		return nil
	})
}

func testRollback(t *testing.T, s store.Store) {
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx store.Tx) error {
		e, err := tx.Insert(testutil.Survivor)
		if err != nil {
			return err
		}
		e.RecordName = "rolled-back"
		if err := tx.Save(e); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update err = %v, want boom", err)
	}
	view(t, s, func(tx store.Tx) error {
		all, err := tx.List(testutil.Survivor)
		if err != nil {
			return err
		}
		if len(all) != 0 {
			t.Errorf("rolled back transaction left %d entities", len(all))
		}
		return nil
	})
}

func testReadOnlyView(t *testing.T, s store.Store) {
	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.Insert(testutil.Survivor)
		return err
	})
	if !errors.Is(err, store.ErrReadOnly) {
		t.Errorf("Insert in View err = %v, want ErrReadOnly", err)
	}
}

func testLinks(t *testing.T, s store.Store) {
	var survivorID, attrID int64
	var disorderIDs []int64
	update(t, s, func(tx store.Tx) error {
		sv, err := tx.Insert(testutil.Survivor)
		if err != nil {
			return err
		}
		attr, err := tx.Insert(testutil.Attributes)
		if err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			d, err := tx.Insert(testutil.Disorder)
			if err != nil {
				return err
			}
			disorderIDs = append(disorderIDs, d.ID)
		}
		sv.SetRelated("attributes", attr.ID)
		sv.SetRelatedSet("disorders", []int64{disorderIDs[2], disorderIDs[0], disorderIDs[1], disorderIDs[0]})
		survivorID, attrID = sv.ID, attr.ID
		return tx.Save(sv)
	})
	view(t, s, func(tx store.Tx) error {
		got, err := tx.Load(survivorID)
		if err != nil {
			return err
		}
		sv := got[survivorID]
		if id, ok := sv.Related("attributes"); !ok || id != attrID {
			t.Errorf("attributes = %d, %v; want %d", id, ok, attrID)
		}
		if diff := cmp.Diff(disorderIDs, sv.RelatedSet("disorders")); diff != "" {
			t.Errorf("disorders mismatch (-want +got):\n%s", diff)
		}
		return nil
	})

	err := s.Update(context.Background(), func(tx store.Tx) error {
		got, err := tx.Load(survivorID)
		if err != nil {
			return err
		}
		sv := got[survivorID]
		sv.SetRelated("attributes", 999_999)
		return tx.Save(sv)
	})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("link to missing entity err = %v, want ErrNotFound", err)
	}
}

func testDuplicateRecordName(t *testing.T, s store.Store) {
	err := s.Update(context.Background(), func(tx store.Tx) error {
		for i := 0; i < 2; i++ {
			e, err := tx.Insert(testutil.Survivor)
			if err != nil {
				return err
			}
			e.RecordName = "same"
			if err := tx.Save(e); err != nil {
				return err
			}
		}
		return nil
	})
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func testPending(t *testing.T, s store.Store) {
	update(t, s, func(tx store.Tx) error {
		for i := 0; i < 4; i++ {
			e, err := tx.Insert(testutil.Survivor)
			if err != nil {
				return err
			}
			e.Pending = i%2 == 0
			if err := tx.Save(e); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(tx store.Tx) error {
		pending, err := tx.ListPending(testutil.Survivor)
		if err != nil {
			return err
		}
		if len(pending) != 2 {
			t.Errorf("pending = %d, want 2", len(pending))
		}
		for _, e := range pending {
			if !e.Pending {
				t.Errorf("entity %d is not pending", e.ID)
			}
		}
		return nil
	})
}

func testDeleteRules(t *testing.T, s store.Store) {
	var survivorID, attrID, statusID, disorderID, otherID int64
	update(t, s, func(tx store.Tx) error {
		sv, _ := tx.Insert(testutil.Survivor)
		other, _ := tx.Insert(testutil.Survivor)
		attr, _ := tx.Insert(testutil.Attributes)
		status, _ := tx.Insert(testutil.SyncStatus)
		d, err := tx.Insert(testutil.Disorder)
		if err != nil {
			return err
		}
		sv.SetRelated("attributes", attr.ID)
		sv.SetRelated("syncStatus", status.ID)
		sv.SetRelatedSet("disorders", []int64{d.ID})
		other.SetRelatedSet("disorders", []int64{d.ID})
		attr.SetRelated("survivor", sv.ID)
		survivorID, attrID, statusID, disorderID, otherID = sv.ID, attr.ID, status.ID, d.ID, other.ID
		for _, e := range []*store.Entity{sv, other, attr} {
			if err := tx.Save(e); err != nil {
				return err
			}
		}
		return nil
	})

	update(t, s, func(tx store.Tx) error { return tx.Delete(survivorID) })

	view(t, s, func(tx store.Tx) error {
		got, err := tx.Load(survivorID, attrID, statusID, disorderID, otherID)
		if err != nil {
			return err
		}
		for _, gone := range []int64{survivorID, attrID, statusID} {
			if _, ok := got[gone]; ok {
				t.Errorf("entity %d should be deleted by cascade", gone)
			}
		}
		if _, ok := got[disorderID]; !ok {
			t.Error("nullify destination must survive")
		}
		if ids := got[otherID].RelatedSet("disorders"); len(ids) != 1 || ids[0] != disorderID {
			t.Errorf("unrelated links changed: %v", ids)
		}
		return nil
	})

	err := s.Update(context.Background(), func(tx store.Tx) error { return tx.Delete(survivorID) })
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("deleting twice err = %v, want ErrNotFound", err)
	}
}

func testUnknownType(t *testing.T, s store.Store) {
	err := s.Update(context.Background(), func(tx store.Tx) error {
		_, err := tx.Insert("Monster")
		return err
	})
	if !errors.Is(err, apperr.ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func testCheckpoints(t *testing.T, s store.Store) {
	cp, ok := s.(store.Checkpoints)
	if !ok {
		t.Skip("backend keeps no checkpoints")
	}
	ctx := context.Background()
	at, err := cp.Checkpoint(ctx, testutil.Survivor)
	if err != nil || !at.IsZero() {
		t.Fatalf("Checkpoint before pull = %v, %v; want zero", at, err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC)
	for _, ts := range []time.Time{want.Add(-time.Hour), want} {
		if err := cp.SetCheckpoint(ctx, testutil.Survivor, ts); err != nil {
			t.Fatalf("SetCheckpoint: %v", err)
		}
	}
	got, err := cp.Checkpoint(ctx, testutil.Survivor)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Checkpoint = %v, want %v", got, want)
	}
	if other, _ := cp.Checkpoint(ctx, testutil.Disorder); !other.IsZero() {
		t.Errorf("Checkpoint(Disorder) = %v, want zero", other)
	}
}
