// Package database opens the external stores used by the chat-server
// binaries. Every constructor returns an explicit handle; nothing is kept in
// package-level state.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultMongoDatabase is used when the Mongo URI does not name a database.
const DefaultMongoDatabase = "guptmilan"

// OpenRedis parses a redis:// URL, tunes the connection pool and pings the
// server. The client is returned even when the ping fails so callers can run
// degraded and let go-redis reconnect later.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("database: parse redis url: %w", err)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("database: redis ping: %w", err)
	}
	return client, nil
}

// OpenPostgres opens a lib/pq connection pool and verifies it with a ping.
// As with OpenRedis, the handle is returned alongside a ping error.
func OpenPostgres(ctx context.Context, uri string) (*sql.DB, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("database: open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return db, fmt.Errorf("database: postgres ping: %w", err)
	}
	return db, nil
}

// OpenMongo connects to MongoDB and returns the database named in the URI
// path (or DefaultMongoDatabase).
func OpenMongo(ctx context.Context, uri string) (*mongo.Client, *mongo.Database, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("database: mongo connect: %w", err)
	}

	db := client.Database(MongoDatabaseName(uri))

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return client, db, fmt.Errorf("database: mongo ping: %w", err)
	}
	return client, db, nil
}

// MongoDatabaseName extracts the database from mongodb://host/<db>?opts.
func MongoDatabaseName(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return DefaultMongoDatabase
	}
	name, _, _ := strings.Cut(rest[slash+1:], "?")
	if name == "" {
		return DefaultMongoDatabase
	}
	return name
}
