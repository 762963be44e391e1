package modstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	reportsCollection = "reports"
	bansCollection    = "bans"
)

// Mongo stores reports and bans as documents.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo wraps a connected database. Call EnsureIndexes before first use.
func NewMongo(client *mongo.Client, db *mongo.Database) *Mongo {
	return &Mongo{client: client, db: db}
}

// EnsureIndexes creates the lookup indexes. Existing indexes are left alone.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(reportsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "reported_identity", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("modstore: reports index: %w", err)
	}
	_, err = m.db.Collection(bansCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "identity", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("modstore: bans index: %w", err)
	}
	return nil
}

// SaveReport inserts a report document keyed by its id.
func (m *Mongo) SaveReport(ctx context.Context, r *Report) error {
	if err := r.Prepare(); err != nil {
		return err
	}
	if _, err := m.db.Collection(reportsCollection).InsertOne(ctx, r); err != nil {
		return fmt.Errorf("modstore: insert report: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// SaveBan inserts a ban document.
func (m *Mongo) SaveBan(ctx context.Context, b *Ban) error {
	if err := b.Prepare(); err != nil {
		return err
	}
	if _, err := m.db.Collection(bansCollection).InsertOne(ctx, b); err != nil {
		return fmt.Errorf("modstore: insert ban: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// CountReports counts report documents against identity since the given time.
func (m *Mongo) CountReports(ctx context.Context, identity string, since time.Time) (int, error) {
	filter := bson.M{
		"reported_identity": identity,
		"created_at":        bson.M{"$gte": since},
	}
	n, err := m.db.Collection(reportsCollection).CountDocuments(ctx, filter, options.Count())
	if err != nil {
		return 0, fmt.Errorf("modstore: count reports: %w: %w", ErrUnavailable, err)
	}
	return int(n), nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
