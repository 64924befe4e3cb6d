// Package mongostore writes archive groups to MongoDB: an append-only
// collection per group plus an optional last-value collection keyed by
// topic.
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/monstermq/monstermq"
)

// Store holds the client and database shared by the archive collections.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri and ensures the time-series index on collection names
// is created lazily per archive.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

type archiveDoc struct {
	Topic     string      `bson:"topic"`
	Timestamp time.Time   `bson:"ts"`
	Payload   []byte      `bson:"payload"`
	QoS       uint8       `bson:"qos"`
	Retain    bool        `bson:"retain"`
	ClientID  string      `bson:"clientId"`
	UserProps [][2]string `bson:"userProps,omitempty"`
}

func toDoc(e *monstermq.ArchiveEntry) archiveDoc {
	return archiveDoc{
		Topic:     e.Topic,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		QoS:       e.QoS,
		Retain:    e.Retain,
		ClientID:  e.ClientID,
		UserProps: e.UserProperties,
	}
}

func fromDoc(d *archiveDoc) *monstermq.ArchiveEntry {
	return &monstermq.ArchiveEntry{
		Topic:          d.Topic,
		Timestamp:      d.Timestamp,
		Payload:        d.Payload,
		QoS:            d.QoS,
		Retain:         d.Retain,
		ClientID:       d.ClientID,
		UserProperties: d.UserProps,
	}
}

// Archive is one append-only collection.
type Archive struct {
	coll *mongo.Collection
}

var _ monstermq.ArchiveStore = (*Archive)(nil)

// NewArchive binds the named collection and ensures the (topic, ts) index.
func (s *Store) NewArchive(ctx context.Context, name string) (*Archive, error) {
	coll := s.db.Collection(name)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "topic", Value: 1}, {Key: "ts", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &Archive{coll: coll}, nil
}

func (a *Archive) Append(ctx context.Context, entries []*monstermq.ArchiveEntry) error {
	docs := make([]interface{}, len(entries))
	for i, e := range entries {
		docs[i] = toDoc(e)
	}
	_, err := a.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}

func (a *Archive) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := a.coll.DeleteMany(ctx, bson.M{"ts": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// LastValue keeps the newest entry per topic in its own collection.
type LastValue struct {
	coll *mongo.Collection
}

var _ monstermq.LastValueStore = (*LastValue)(nil)

func (s *Store) NewLastValue(ctx context.Context, name string) (*LastValue, error) {
	coll := s.db.Collection(name)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "topic", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &LastValue{coll: coll}, nil
}

func (l *LastValue) Put(ctx context.Context, entries []*monstermq.ArchiveEntry) error {
	models := make([]mongo.WriteModel, len(entries))
	for i, e := range entries {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"topic": e.Topic}).
			SetReplacement(toDoc(e)).
			SetUpsert(true)
	}
	_, err := l.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func (l *LastValue) Get(ctx context.Context, t string) (*monstermq.ArchiveEntry, error) {
	var doc archiveDoc
	err := l.coll.FindOne(ctx, bson.M{"topic": t}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(&doc), nil
}
