package entityservice

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/models"
	"github.com/starford/recordsync/internal/testutil"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) PublishEntityEvent(kind, typ string, _ int64) {
	l.mu.Lock()
	l.events = append(l.events, kind+":"+typ)
	l.mu.Unlock()
}

func newService(t *testing.T) (*Service, *eventLog) {
	t.Helper()
	reg, st := testutil.MemoryStore(t)
	events := &eventLog{}
	return New(reg, st, WithEvents(events)), events
}

func ptr(id int64) *int64 { return &id }

func TestTypes(t *testing.T) {
	svc, _ := newService(t)
	types := svc.Types()
	var names []string
	for _, tv := range types {
		names = append(names, tv.Name)
	}
	want := []string{testutil.Survivor, testutil.Attributes, testutil.Disorder, testutil.SyncStatus}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}

	tv, err := svc.Type(testutil.Attributes)
	if err != nil {
		t.Fatalf("Type: %v", err)
	}
	if tv.Attributes[0] != (models.AttributeView{Name: "movement", Kind: "int16", Default: int16(5)}) {
		t.Errorf("first attribute = %+v", tv.Attributes[0])
	}
	if _, err := svc.Type("Gear"); !errors.Is(err, apperr.ErrUnknownType) {
		t.Errorf("Type(Gear) err = %v", err)
	}
}

func TestCreateAppliesDefaultsAndCoerces(t *testing.T) {
	svc, events := newService(t)
	ctx := context.Background()

	attr, err := svc.Create(ctx, testutil.Attributes, Input{Values: map[string]any{"strength": float64(2)}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := map[string]any{"movement": int16(5), "strength": int64(2)}
	if diff := cmp.Diff(want, attr.Values); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
	if !attr.Pending {
		t.Error("created entity is not pending")
	}

	sv, err := svc.Create(ctx, testutil.Survivor, Input{
		Values: map[string]any{"name": "Jack", "survival": "1"},
		ToOne:  map[string]*int64{"attributes": ptr(attr.ID)},
	})
	if err != nil {
		t.Fatalf("Create survivor: %v", err)
	}
	if sv.Values["survival"] != int32(1) || sv.Values["cannotUseFightingArts"] != false {
		t.Errorf("survivor values = %#v", sv.Values)
	}
	if sv.ToOne["attributes"] != attr.ID {
		t.Errorf("to_one = %v", sv.ToOne)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if diff := cmp.Diff([]string{"created:Attributes", "created:Survivor"}, events.events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestCreateRejects(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	d, err := svc.Create(ctx, testutil.Disorder, Input{Values: map[string]any{"name": "Fear"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := map[string]Input{
		"unknown attribute": {Values: map[string]any{"nickname": "J"}},
		"system attribute":  {Values: map[string]any{"recordName": "x"}},
		"bad value":         {Values: map[string]any{"survival": "lots"}},
		"out of range":      {Values: map[string]any{"survival": float64(1 << 40)}},
		"unknown link":      {ToOne: map[string]*int64{"gear": ptr(1)}},
		"to-many as to-one": {ToOne: map[string]*int64{"disorders": ptr(d.ID)}},
		"wrong destination": {ToOne: map[string]*int64{"attributes": ptr(d.ID)}},
		"missing target":    {ToMany: map[string][]int64{"disorders": {d.ID, 999}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Create(ctx, testutil.Survivor, in); !errors.Is(err, apperr.ErrInvalidValue) {
				t.Errorf("Create err = %v, want ErrInvalidValue", err)
			}
		})
	}
	list, _ := svc.List(ctx, testutil.Survivor, false)
	if len(list) != 0 {
		t.Errorf("rejected creates left %d survivors", len(list))
	}
}

func TestUpdateMarksPendingAndClears(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	d1, _ := svc.Create(ctx, testutil.Disorder, Input{Values: map[string]any{"name": "Fear"}})
	d2, _ := svc.Create(ctx, testutil.Disorder, Input{Values: map[string]any{"name": "Rage"}})
	sv, err := svc.Create(ctx, testutil.Survivor, Input{
		Values: map[string]any{"name": "Jack", "survival": 1},
		ToMany: map[string][]int64{"disorders": {d2.ID, d1.ID}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if diff := cmp.Diff([]int64{d1.ID, d2.ID}, sv.ToMany["disorders"]); diff != "" {
		t.Errorf("disorders (-want +got):\n%s", diff)
	}

	got, err := svc.Update(ctx, testutil.Survivor, sv.ID, Input{
		Values: map[string]any{"survival": nil},
		ToMany: map[string][]int64{"disorders": {}},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := got.Values["survival"]; ok {
		t.Error("survival not cleared")
	}
	if got.Values["name"] != "Jack" {
		t.Error("absent key was changed")
	}
	if len(got.ToMany) != 0 {
		t.Errorf("to_many = %v, want cleared", got.ToMany)
	}

	pending, err := svc.List(ctx, testutil.Survivor, true)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}

	if _, err := svc.Update(ctx, testutil.Disorder, sv.ID, Input{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Update with wrong type err = %v, want ErrNotFound", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	svc, events := newService(t)
	ctx := context.Background()
	attr, _ := svc.Create(ctx, testutil.Attributes, Input{})
	sv, _ := svc.Create(ctx, testutil.Survivor, Input{ToOne: map[string]*int64{"attributes": ptr(attr.ID)}})

	if err := svc.Delete(ctx, testutil.Survivor, sv.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, testutil.Attributes, attr.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("cascaded attributes still present: %v", err)
	}
	if err := svc.Delete(ctx, testutil.Survivor, sv.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if last := events.events[len(events.events)-1]; last != "deleted:Survivor" {
		t.Errorf("last event = %s", last)
	}
}
