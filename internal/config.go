package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/recordsync/internal/codec"
	"github.com/starford/recordsync/internal/schema"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Store kinds.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Remote kinds. An empty kind runs without a remote.
const (
	RemoteNone      = ""
	RemoteMongo     = "mongo"
	RemoteDirectory = "directory"
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig   `yaml:"app"`
	Store  StoreConfig         `yaml:"store"`
	SQLite SQLiteConfig        `yaml:"sqlite"`
	Remote RemoteConfig        `yaml:"remote"`
	Sync   SyncConfig          `yaml:"sync"`
	Auth   AuthConfig          `yaml:"auth"`
	Schema []schema.EntityType `yaml:"schema"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if c.Store.Kind == StoreSQLite {
		if err := c.SQLite.Validate(); err != nil {
			return err
		}
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if len(c.Schema) == 0 {
		return errors.New("schema: at least one entity type is required")
	}
	return nil
}

// Registry builds the schema registry and checks that every synced type is
// registered.
func (c *Config) Registry() (*schema.Registry, error) {
	reg, err := schema.FromDeclarations(c.Schema)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	for _, typ := range c.Sync.Types {
		if _, ok := reg.Lookup(typ); !ok {
			return nil, fmt.Errorf("sync: type %q is not declared in schema", typ)
		}
	}
	return reg, nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	Log      LogConfig  `yaml:"log"`
	HTTP     HTTPConfig `yaml:"http"`
	Device   string     `yaml:"device"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// LogConfig holds log output configuration. An empty File logs to stdout.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Validate validates the log configuration.
func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSizeMB, validation.Min(0)),
		validation.Field(&c.MaxBackups, validation.Min(0)),
		validation.Field(&c.MaxAgeDays, validation.Min(0)),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig selects the local entity store.
type StoreConfig struct {
	Kind string `yaml:"kind"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	if c.Kind == "" {
		c.Kind = StoreSQLite
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Kind, validation.In(StoreSQLite, StoreMemory)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// RemoteConfig selects and configures the remote record store.
type RemoteConfig struct {
	Kind      string          `yaml:"kind"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Directory DirectoryConfig `yaml:"directory"`
}

// Validate validates the remote configuration.
func (c *RemoteConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Kind, validation.In(RemoteMongo, RemoteDirectory)),
	); err != nil {
		return err
	}
	switch c.Kind {
	case RemoteMongo:
		return c.Mongo.Validate()
	case RemoteDirectory:
		return c.Directory.Validate()
	}
	return nil
}

// MongoConfig holds MongoDB connection configuration.
type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Validate validates the MongoDB configuration.
func (c *MongoConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URI, validation.Required),
		validation.Field(&c.Database, validation.Required),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// DirectoryConfig holds the directory transport configuration.
type DirectoryConfig struct {
	Path     string        `yaml:"path"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// Validate validates the directory configuration.
func (c *DirectoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
	)
}

// SyncConfig controls replication.
//
// Types lists the entity types to replicate. Pushes run in this order, then
// pulls; list relationship destinations before the types that point at them
// so pulled references resolve in the same cycle.
type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	PullOverlap       time.Duration `yaml:"pull_overlap"`
	Types             []string      `yaml:"types"`
	Strict            bool          `yaml:"strict"`
	RecordDetailsOnly bool          `yaml:"record_details_only"`
	RecordNameField   string        `yaml:"record_name_field"`
	RecordDataField   string        `yaml:"record_data_field"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Min(time.Duration(0))),
		validation.Field(&c.PullOverlap, validation.Min(time.Duration(0))),
		validation.Field(&c.RecordNameField, validation.Required),
		validation.Field(&c.RecordDataField, validation.Required),
	); err != nil {
		return err
	}
	if c.RecordNameField == c.RecordDataField {
		return fmt.Errorf("sync: record_name_field and record_data_field must differ")
	}
	return nil
}

// SystemFields returns the configured system attribute names.
func (c *SyncConfig) SystemFields() codec.SystemFields {
	return codec.SystemFields{RecordName: c.RecordNameField, RecordData: c.RecordDataField}
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	system := codec.DefaultSystemFields()
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			Log: LogConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			Kind: StoreSQLite,
		},
		SQLite: SQLiteConfig{
			Path: "./recordsync.db",
		},
		Remote: RemoteConfig{
			Mongo: MongoConfig{
				Timeout: 10 * time.Second,
			},
			Directory: DirectoryConfig{
				Debounce: 200 * time.Millisecond,
			},
		},
		Sync: SyncConfig{
			Interval:        time.Minute,
			PullOverlap:     time.Minute,
			RecordNameField: system.RecordName,
			RecordDataField: system.RecordData,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
