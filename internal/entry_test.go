package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/recordsync/internal/entityservice"
	"github.com/starford/recordsync/internal/testutil"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.Schema = testutil.Declarations()
	cfg.SQLite.Path = filepath.Join(dir, "local.db")
	cfg.Remote.Kind = RemoteDirectory
	cfg.Remote.Directory.Path = filepath.Join(dir, "remote")
	cfg.Sync.Types = []string{testutil.Attributes, testutil.Disorder, testutil.Survivor}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testComponents(t *testing.T, cfg *Config) *components {
	t.Helper()
	c, err := newComponents(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("newComponents: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestRootRouter(t *testing.T) {
	c := testComponents(t, testConfig(t))
	router := newRootRouter(c)

	for _, path := range []string{"/health/live", "/health/ready", "/api/types"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestRootRouterWithoutRemote(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.Kind = RemoteNone
	cfg.Store.Kind = StoreMemory
	c := testComponents(t, cfg)
	if c.replica != nil {
		t.Fatal("replica built without a remote")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sync/Survivor/push", nil)
	w := httptest.NewRecorder()
	newRootRouter(c).ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("push without remote = %d, want 503", w.Code)
	}
}

func TestEntityTypesFollowSyncOrder(t *testing.T) {
	c := testComponents(t, testConfig(t))
	got := c.entityTypes([]string{"Survivor", "Gear", "Attributes"})
	if diff := cmp.Diff([]string{testutil.Attributes, testutil.Survivor}, got); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}
}

func TestSyncPushWritesRemote(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	c, err := newComponents(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.entities.Create(ctx, testutil.Disorder, entityservice.Input{Values: map[string]any{"name": "Vermin Obsession"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if err := Sync(ctx, SyncPush, nil, WithConfig(cfg)); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(cfg.Remote.Directory.Path, "Disorder", "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("remote files = %v, want one Disorder record", files)
	}

	c = testComponents(t, cfg)
	pending, err := c.entities.List(ctx, testutil.Disorder, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after push = %d, want 0", len(pending))
	}
}

func TestSyncRejects(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	if err := Sync(ctx, SyncPull, []string{"Gear"}, WithConfig(cfg)); err == nil {
		t.Error("unknown type should fail")
	}
	if err := Sync(ctx, "sideways", nil, WithConfig(cfg)); err == nil {
		t.Error("unknown direction should fail")
	}

	cfg = testConfig(t)
	cfg.Remote.Kind = RemoteNone
	if err := Sync(ctx, SyncPush, nil, WithConfig(cfg)); !errors.Is(err, errNoRemote) {
		t.Errorf("err = %v, want errNoRemote", err)
	}
	if err := Sync(ctx, SyncPush, nil); !errors.Is(err, errConfigRequired) {
		t.Errorf("err = %v, want errConfigRequired", err)
	}
}
