// Package store defines the aggregate persistence interface. The job
// subsystem defines its own store contract; the composite Store adds
// backend lifecycle on top. Backends: MongoDB and Memory.
package store

import (
	"context"

	"github.com/filterforge/buildq/job"
)

// Store is the aggregate persistence interface a backend implements. All
// coordination guarantees (atomic claim, guarded writes, reaper safety)
// live in the job.Store contract; this interface only adds lifecycle.
type Store interface {
	job.Store

	// Migrate creates the schema or indexes the backend needs.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
