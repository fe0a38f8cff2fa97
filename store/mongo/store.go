// Package mongo provides the MongoDB store backend. It is the production
// coordination surface: claim atomicity comes from FindOneAndUpdate and
// every guarded write is a single conditional UpdateOne, so any number of
// processes can share one collection safely.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/filterforge/buildq/job"
)

// colJobs is the jobs collection name.
const colJobs = "buildq_jobs"

// Compile-time interface check.
var _ job.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store. The caller owns the
// client lifecycle; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	jobs   *mongod.Collection
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a MongoDB store on the given database. The caller owns the
// client lifecycle; the Store will not disconnect it on Close().
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		jobs:   db.Collection(colJobs),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the indexes the coordination queries need.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, migrationIndexes())
	if err != nil {
		return fmt.Errorf("buildq/mongo: migrate %s indexes: %w", colJobs, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}

// migrationIndexes returns the index definitions for the jobs collection.
func migrationIndexes() []mongod.IndexModel {
	return []mongod.IndexModel{
		// Claim index: eligible jobs in claim order.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "worker_id", Value: 1},
			{Key: "priority", Value: 1},
			{Key: "created_at", Value: 1},
		}},
		// Heartbeat index for reaping stale jobs.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "heartbeat_at", Value: 1},
		}},
		// Owner queries: admission check, history, unread failures.
		{Keys: bson.D{
			{Key: "owner", Value: 1},
			{Key: "status", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "owner", Value: 1},
			{Key: "created_at", Value: -1},
		}},
		// Recent jobs listing.
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
}
