// Package testutil provides the shared fixture schema and store constructors used in tests.
package testutil

import (
	"os"
	"testing"

	"github.com/starford/recordsync/internal/schema"
	"github.com/starford/recordsync/internal/store/memory"
	"github.com/starford/recordsync/internal/store/sqlite"
)

// Fixture entity type names.
const (
	Survivor   = "Survivor"
	Attributes = "Attributes"
	Disorder   = "Disorder"
	SyncStatus = "SyncStatus"
)

func systemAttributes() []schema.Attribute {
	return []schema.Attribute{
		{Name: "recordName", Kind: schema.KindString},
		{Name: "recordData", Kind: schema.KindBinary},
	}
}

// Declarations returns the fixture schema: survivors with an attribute block,
// a set of disorders with a local-only attribute and a local sync status.
func Declarations() []schema.EntityType {
	return []schema.EntityType{
		{
			Name: Survivor,
			Attributes: append([]schema.Attribute{
				{Name: "name", Kind: schema.KindString},
				{Name: "survival", Kind: schema.KindInt32},
				{Name: "cannotUseFightingArts", Kind: schema.KindBoolean, Default: false},
			}, systemAttributes()...),
			Relationships: []schema.Relationship{
				{Name: "attributes", Destination: Attributes, DeleteRule: schema.DeleteCascade},
				{Name: "disorders", Destination: Disorder, ToMany: true},
				{Name: "syncStatus", Destination: SyncStatus, DeleteRule: schema.DeleteCascade, Transient: true},
			},
		},
		{
			Name: Attributes,
			Attributes: append([]schema.Attribute{
				{Name: "movement", Kind: schema.KindInt16, Default: 5},
				{Name: "strength", Kind: schema.KindInt64},
			}, systemAttributes()...),
			Relationships: []schema.Relationship{
				{Name: "survivor", Destination: Survivor, Transient: true},
			},
		},
		{
			Name: Disorder,
			Attributes: append([]schema.Attribute{
				{Name: "name", Kind: schema.KindString},
				{Name: "lastViewed", Kind: schema.KindString, Transient: true},
			}, systemAttributes()...),
			Relationships: []schema.Relationship{
				{Name: "survivors", Destination: Survivor, ToMany: true, Transient: true},
			},
		},
		{
			Name: SyncStatus,
			Attributes: []schema.Attribute{
				{Name: "syncNeeded", Kind: schema.KindBoolean, Default: true},
				{Name: "syncFailed", Kind: schema.KindBoolean, Default: false},
			},
			Relationships: []schema.Relationship{
				{Name: "statusForSurvivor", Destination: Survivor, Transient: true},
			},
		},
	}
}

// Registry returns a registry holding the fixture schema.
func Registry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.FromDeclarations(Declarations())
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

// MemoryStore returns an empty in-memory store over the fixture schema.
func MemoryStore(t testing.TB) (*schema.Registry, *memory.Store) {
	t.Helper()
	reg := Registry(t)
	return reg, memory.New(reg)
}

// TestDB creates a temporary SQLite store that is automatically cleaned up.
func TestDB(t testing.TB) (*schema.Registry, *sqlite.DB) {
	t.Helper()
	dbFile, err := os.CreateTemp("", "recordsync-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	reg := Registry(t)
	db, err := sqlite.Open(dbFile.Name(), reg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return reg, db
}
