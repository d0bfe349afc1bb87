package internal

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/recordsync/internal/schema"
	pkgconfig "github.com/starford/recordsync/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestLoadSampleConfig(t *testing.T) {
	t.Setenv("HOSTNAME", "camp-laptop")
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(filepath.Join("..", "config", "config.yaml"), cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Device != "camp-laptop" {
		t.Errorf("device = %q, want env expansion", cfg.App.Device)
	}
	if cfg.Remote.Kind != RemoteDirectory || cfg.Remote.Directory.Debounce != 200*time.Millisecond {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.Sync.Interval != time.Minute || cfg.Sync.PullOverlap != time.Minute {
		t.Errorf("sync = %+v, want 1m interval and overlap", cfg.Sync)
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	if diff := cmp.Diff([]string{"Survivor", "Attributes", "Disorder"}, reg.Types()); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}
	attr, ok := reg.Describe("Attributes").Attribute("movement")
	if !ok || attr.Kind != schema.KindInt16 || attr.Default != int16(5) {
		t.Errorf("movement = %+v", attr)
	}
}

func TestRegistryRejectsUndeclaredSyncType(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Schema = []schema.EntityType{{Name: "Disorder", Attributes: []schema.Attribute{{Name: "name", Kind: schema.KindString}}}}
	cfg.Sync.Types = []string{"Disorder", "Gear"}
	if _, err := cfg.Registry(); err == nil || !strings.Contains(err.Error(), "Gear") {
		t.Fatalf("err = %v, want undeclared Gear", err)
	}
}

func TestStoreConfig(t *testing.T) {
	cfg := StoreConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty kind: %v", err)
	}
	if cfg.Kind != StoreSQLite {
		t.Errorf("kind = %q, want sqlite", cfg.Kind)
	}
	if err := (&StoreConfig{Kind: "redis"}).Validate(); err == nil {
		t.Error("unknown store kind should fail")
	}
}

func TestRemoteConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RemoteConfig
		wantErr bool
	}{
		{"none", RemoteConfig{}, false},
		{"mongo", RemoteConfig{Kind: RemoteMongo, Mongo: MongoConfig{URI: "mongodb://localhost", Database: "kdm"}}, false},
		{"mongo without uri", RemoteConfig{Kind: RemoteMongo, Mongo: MongoConfig{Database: "kdm"}}, true},
		{"directory", RemoteConfig{Kind: RemoteDirectory, Directory: DirectoryConfig{Path: "/tmp/remote"}}, false},
		{"directory without path", RemoteConfig{Kind: RemoteDirectory}, true},
		{"unknown", RemoteConfig{Kind: "s3"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSyncConfig(t *testing.T) {
	cfg := NewDefaultConfig().Sync
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	cfg.RecordDataField = cfg.RecordNameField
	if err := cfg.Validate(); err == nil {
		t.Error("equal system field names should fail")
	}
	cfg = NewDefaultConfig().Sync
	cfg.Interval = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("negative interval should fail")
	}
	cfg = NewDefaultConfig().Sync
	cfg.PullOverlap = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("negative pull overlap should fail")
	}
}

func TestFullConfig_SchemaRequired(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("err = %v, want schema required", err)
	}
}
