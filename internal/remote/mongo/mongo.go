// Package mongo stores records in MongoDB, one collection per record type.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/starford/recordsync/internal/record"
	"github.com/starford/recordsync/internal/remote"
)

// SyncLogCollection receives one document per pushed record type.
const SyncLogCollection = "_sync_log"

const duplicateKey = 11000

// Collection is the subset of *mongo.Collection the transport uses.
type Collection interface {
	BulkWrite(
		ctx context.Context,
		models []mdb.WriteModel,
		opts ...*options.BulkWriteOptions) (*mdb.BulkWriteResult, error)
	Find(
		ctx context.Context,
		filter interface{},
		opts ...*options.FindOptions) (*mdb.Cursor, error)
	InsertOne(
		ctx context.Context,
		document interface{},
		opts ...*options.InsertOneOptions) (*mdb.InsertOneResult, error)
}

// CollectionProvider hands out collections by name.
type CollectionProvider interface {
	Collection(name string) Collection
}

type databaseProvider struct {
	db *mdb.Database
}

func (p databaseProvider) Collection(name string) Collection {
	return p.db.Collection(name)
}

type syncLog struct {
	Collection      string    `bson:"collection"`
	SyncTimestamp   time.Time `bson:"syncTimestamp"`
	RecordsUploaded int64     `bson:"recordsUploaded"`
	Conflicts       int64     `bson:"conflicts"`
}

// Transport implements remote.Transport on MongoDB.
type Transport struct {
	provider CollectionProvider
	client   *mdb.Client
	logger   *slog.Logger
	now      func() time.Time
	newTag   func() string
	device   string
}

var _ remote.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock sets the clock for sync log entries. Record times come from the
// server.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// WithTagGenerator sets the source of change tags.
func WithTagGenerator(fn func() string) Option {
	return func(t *Transport) { t.newTag = fn }
}

// WithDeviceName sets the modifiedBy value written on push.
func WithDeviceName(name string) Option {
	return func(t *Transport) { t.device = name }
}

// New returns a transport over the collections of provider.
func New(provider CollectionProvider, opts ...Option) *Transport {
	t := &Transport{
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
		newTag:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials uri, checks the connection, and returns a transport over database.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Transport, error) {
	client, err := mdb.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	t := New(databaseProvider{db: client.Database(database)}, opts...)
	t.client = client
	t.logger.Info("mongo: connected", slog.String("database", database))
	return t, nil
}

// Close disconnects the client, if the transport owns one.
func (t *Transport) Close(ctx context.Context) error {
	if t.client == nil {
		return nil
	}
	return t.client.Disconnect(ctx)
}

// Push upserts records with an unordered bulk write per record type. The
// filter pins the change tag the record was built from, so a server copy
// that moved on makes the upsert collide on _id and the record is reported
// as a conflict. modifiedAt, and createdAt on insert, come from the server
// clock ($$NOW); the returned records are read back to carry them.
func (t *Transport) Push(ctx context.Context, records []*record.Record) ([]*record.Record, error) {
	types, groups := remote.GroupByType(records)
	conflicts := &remote.ConflictError{}
	saved := make([]*record.Record, 0, len(records))
	now := t.now().UTC().Truncate(time.Millisecond)

	for _, typ := range types {
		group := groups[typ]
		coll := t.provider.Collection(typ)
		stamped := make([]*record.Record, len(group))
		models := make([]mdb.WriteModel, len(group))
		for i, rec := range group {
			stamped[i] = remote.Stamp(rec, t.newTag(), now, t.device)
			update, err := serverStamped(stamped[i])
			if err != nil {
				return saved, fmt.Errorf("mongo: push %s: %w", typ, err)
			}
			filter := bson.D{{Key: "_id", Value: rec.Name}, {Key: "changeTag", Value: rec.ChangeTag}}
			models[i] = mdb.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true)
		}

		rejected, err := t.bulkWrite(ctx, coll, models)
		if err != nil {
			return saved, fmt.Errorf("mongo: push %s: %w", typ, err)
		}
		var written []*record.Record
		for i, rec := range stamped {
			if rejected[i] {
				conflicts.Add(group[i])
				continue
			}
			written = append(written, rec)
		}
		written, err = t.readBack(ctx, coll, written)
		if err != nil {
			return saved, fmt.Errorf("mongo: push %s: %w", typ, err)
		}
		saved = append(saved, written...)

		entry := syncLog{
			Collection:      typ,
			SyncTimestamp:   now,
			RecordsUploaded: int64(len(group) - len(rejected)),
			Conflicts:       int64(len(rejected)),
		}
		if _, err := t.provider.Collection(SyncLogCollection).InsertOne(ctx, entry); err != nil {
			t.logger.Warn("mongo: write sync log failed",
				slog.String("collection", typ), slog.String("error", err.Error()))
		}
		t.logger.Debug("mongo: pushed",
			slog.String("collection", typ), slog.Int("records", len(group)), slog.Int("conflicts", len(rejected)))
	}
	return saved, conflicts.OrNil()
}

// serverStamped builds an update pipeline that replaces the document with rec
// and sets its times from the server clock.
func serverStamped(rec *record.Record) (mdb.Pipeline, error) {
	doc, err := rec.MarshalBSON()
	if err != nil {
		return nil, err
	}
	times := bson.D{
		{Key: "modifiedAt", Value: "$$NOW"},
		{Key: "createdAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$createdAt", "$$NOW"}}}},
	}
	return mdb.Pipeline{
		{{Key: "$replaceWith", Value: bson.D{{Key: "$mergeObjects", Value: bson.A{
			bson.D{{Key: "$literal", Value: bson.Raw(doc)}},
			times,
		}}}}},
	}, nil
}

// readBack replaces each written record with the stored document when that
// document still carries the record's change tag. A record already replaced
// by another writer keeps its local stamp; the next pull brings the newer copy.
func (t *Transport) readBack(ctx context.Context, coll Collection, written []*record.Record) ([]*record.Record, error) {
	if len(written) == 0 {
		return written, nil
	}
	names := make(bson.A, len(written))
	for i, rec := range written {
		names[i] = rec.Name
	}
	cur, err := coll.Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: names}}}})
	if err != nil {
		return nil, fmt.Errorf("read back: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	stored := make(map[string]*record.Record, len(written))
	for cur.Next(ctx) {
		rec := &record.Record{}
		if err := rec.UnmarshalBSON(cur.Current); err != nil {
			continue
		}
		stored[rec.Name] = rec
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("read back: %w", err)
	}

	out := make([]*record.Record, len(written))
	for i, rec := range written {
		out[i] = rec
		if s, ok := stored[rec.Name]; ok && s.ChangeTag == rec.ChangeTag {
			out[i] = s
		}
	}
	return out, nil
}

// bulkWrite returns the indexes of models rejected with a duplicate key.
// Any other failure fails the whole batch.
func (t *Transport) bulkWrite(ctx context.Context, coll Collection, models []mdb.WriteModel) (map[int]bool, error) {
	rejected := make(map[int]bool)
	_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err == nil {
		return rejected, nil
	}
	var bwe mdb.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return nil, err
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKey {
			return nil, err
		}
		rejected[we.Index] = true
	}
	return rejected, nil
}

// Pull returns the records of recordType modified at or after since, oldest
// first. Documents that do not decode as records are logged and skipped.
func (t *Transport) Pull(ctx context.Context, recordType string, since time.Time) ([]*record.Record, error) {
	filter := bson.D{}
	if !since.IsZero() {
		filter = bson.D{{Key: "modifiedAt", Value: bson.D{{Key: "$gte", Value: since}}}}
	}
	cur, err := t.provider.Collection(recordType).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "modifiedAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: pull %s: %w", recordType, err)
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	var out []*record.Record
	for cur.Next(ctx) {
		rec := &record.Record{}
		if err := rec.UnmarshalBSON(cur.Current); err != nil {
			t.logger.Warn("mongo: skip undecodable document",
				slog.String("collection", recordType), slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: pull %s: %w", recordType, err)
	}
	return out, nil
}
