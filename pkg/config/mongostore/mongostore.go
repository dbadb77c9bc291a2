// Package mongostore keeps the fleet configuration as one MongoDB document.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/fleetbridge/pkg/config/configstore"
)

var _ configstore.ConfigStore = (*MongoStore)(nil)

const opTimeout = 10 * time.Second

var ErrNotFound = errors.New("configuration document not found")

type Options struct {
	URI        string
	Database   string
	Collection string
	// DocumentID is the _id of the document, so several fleets can share
	// one collection.
	DocumentID string
}

type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	id     string
}

// New connects and pings the server before returning.
func New(opts Options) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(opts.Database).Collection(opts.Collection),
		id:     opts.DocumentID,
	}, nil
}

func (m *MongoStore) filter() bson.M { return bson.M{"_id": m.id} }

func (m *MongoStore) Load(out any) error {
	if out == nil {
		return errors.New("load: output must not be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := m.coll.FindOne(ctx, m.filter()).Decode(out)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: _id %q", ErrNotFound, m.id)
	case err != nil:
		return fmt.Errorf("load configuration %q: %w", m.id, err)
	}
	return nil
}

// Save replaces the document, creating it on first save.
func (m *MongoStore) Save(in any) error {
	if in == nil {
		return errors.New("save: input must not be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := m.coll.ReplaceOne(ctx, m.filter(), in, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("save configuration %q: %w", m.id, err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
