package dirstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/recordsync/internal/apperr"
	"github.com/starford/recordsync/internal/record"
)

var quiet = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "remote"),
		WithLogger(quiet), WithClock(c.now), WithDeviceName("laptop"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, c
}

func jack() *record.Record {
	r := record.New("Survivor", "jack")
	r.Set("name", record.String("Jack"))
	r.Set("survival", record.Int(1))
	r.Set("disorders", record.References("d1", "d2"))
	return r
}

func TestPushThenPull(t *testing.T) {
	s, c := testStore(t)
	ctx := context.Background()

	saved, err := s.Push(ctx, []*record.Record{jack()})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(saved) != 1 || saved[0].ChangeTag == "" {
		t.Fatalf("saved = %+v, want one tagged record", saved)
	}
	if !saved[0].ModifiedAt.Equal(c.t) || !saved[0].CreatedAt.Equal(c.t) || saved[0].ModifiedBy != "laptop" {
		t.Errorf("saved system fields = %+v", saved[0])
	}

	pulled, err := s.Pull(ctx, "Survivor", time.Time{})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if diff := cmp.Diff(saved, pulled); diff != "" {
		t.Errorf("pulled (-want +got):\n%s", diff)
	}
	if !pulled[0].EqualFields(jack()) {
		t.Error("pulled fields differ from pushed fields")
	}
}

func TestPushDetectsConflict(t *testing.T) {
	s, c := testStore(t)
	ctx := context.Background()
	first, err := s.Push(ctx, []*record.Record{jack()})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	// A second device updates the record with the current tag.
	c.t = c.t.Add(time.Minute)
	other := first[0].Clone()
	other.Set("survival", record.Int(3))
	second, err := s.Push(ctx, []*record.Record{other})
	if err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if !second[0].CreatedAt.Equal(first[0].CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v", second[0].CreatedAt)
	}

	// The stale copy is rejected.
	stale := first[0].Clone()
	stale.Set("survival", record.Int(2))
	saved, err := s.Push(ctx, []*record.Record{stale})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("stale Push err = %v, want ErrConflict", err)
	}
	if len(saved) != 0 {
		t.Errorf("saved = %d, want 0", len(saved))
	}

	// A record without a change tag conflicts once the file exists.
	if _, err := s.Push(ctx, []*record.Record{jack()}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("untagged Push err = %v, want ErrConflict", err)
	}
}

func TestPullIgnoresWriterClocks(t *testing.T) {
	s, c := testStore(t)
	ctx := context.Background()
	start := c.t
	if _, err := s.Push(ctx, []*record.Record{jack()}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// A second writer whose clock runs a minute behind.
	behind := New(s.files, WithLogger(quiet), WithClock(func() time.Time { return start.Add(-time.Minute) }))
	jill := record.New("Survivor", "jill")
	jill.Set("name", record.String("Jill"))
	if _, err := behind.Push(ctx, []*record.Record{jill}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	recs, err := s.Pull(ctx, "Survivor", start)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	var names []string
	for _, r := range recs {
		names = append(names, r.Name)
	}
	if diff := cmp.Diff([]string{"jill", "jack"}, names); diff != "" {
		t.Errorf("records oldest first (-want +got):\n%s", diff)
	}

	none, err := s.Pull(ctx, "Disorder", time.Time{})
	if err != nil || len(none) != 0 {
		t.Errorf("Pull of empty type = %v, %v", none, err)
	}
}

func TestPullQuarantinesRenamedFile(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	if _, err := s.Push(ctx, []*record.Record{jack()}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	dir := filepath.Join(s.Root(), "Survivor")
	data, err := os.ReadFile(filepath.Join(dir, "jack.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "jill.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	recs, err := s.Pull(ctx, "Survivor", time.Time{})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(recs) != 1 || recs[0].Name != "jack" {
		t.Errorf("records = %v, want jack only", recs)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), QuarantineDir, "Survivor", "jill.json")); err != nil {
		t.Errorf("copied file not quarantined: %v", err)
	}
}

func TestPullQuarantinesGarbage(t *testing.T) {
	s, _ := testStore(t)
	if err := os.MkdirAll(filepath.Join(s.Root(), "Survivor"), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(s.Root(), "Survivor", "bad.json"), []byte("{not json"), 0o644)
	recs, err := s.Pull(context.Background(), "Survivor", time.Time{})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("records = %d, want 0", len(recs))
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "Survivor", "bad.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("bad file still in place: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), QuarantineDir, "Survivor", "bad.json")); err != nil {
		t.Errorf("bad file not quarantined: %v", err)
	}
}

func TestBadNamesRejected(t *testing.T) {
	s, _ := testStore(t)
	for _, name := range []string{"", "../escape", ".hidden", `a\b`} {
		r := record.New("Survivor", name)
		if _, err := s.Push(context.Background(), []*record.Record{r}); !errors.Is(err, apperr.ErrInvalidValue) {
			t.Errorf("Push(%q) err = %v, want ErrInvalidValue", name, err)
		}
	}
}

func TestRecordTypeOf(t *testing.T) {
	root := "/data/remote"
	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{"/data/remote/Survivor/jack.json", "Survivor", true},
		{"/data/remote/Survivor/.recordsync-tmp-123", "", false},
		{"/data/remote/Survivor/.jack.json", "", false},
		{"/data/remote/top.json", "", false},
		{"/data/remote/Survivor/deep/jack.json", "", false},
		{"/elsewhere/Survivor/jack.json", "", false},
		{"/data/remote/.quarantine/x.json", "", false},
		{"/data/other.json", "", false},
	}
	for _, c := range cases {
		got, ok := recordTypeOf(root, c.path)
		if got != c.want || ok != c.ok {
			t.Errorf("recordTypeOf(%q) = %q, %v; want %q, %v", c.path, got, ok, c.want, c.ok)
		}
	}
}

func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestWatchReportsChangedTypes(t *testing.T) {
	s, _ := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	go s.Watch(ctx, 50*time.Millisecond, func(types []string) { //nolint:errcheck // stopped by cancel
		mu.Lock()
		seen = append(seen, types...)
		mu.Unlock()
	})
	time.Sleep(100 * time.Millisecond)

	if _, err := s.Push(context.Background(), []*record.Record{jack()}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(seen, "Survivor")
	}, "watcher did not report Survivor")
}
