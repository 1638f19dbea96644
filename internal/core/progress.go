package core

import (
	"context"

	"github.com/peopleflow/importd/internal/domain/model"
)

// ProgressPublisher is the fast read path for import progress. The
// pipeline publishes a snapshot after every processed chunk; the API
// reads it without touching the primary store. Implementations are
// best-effort caches, so a miss is not an error condition.
type ProgressPublisher interface {
	// Publish stores the snapshot under the job's key and announces the
	// update to subscribers.
	Publish(ctx context.Context, snap model.ProgressSnapshot) error

	// Read returns the cached snapshot for the job, or nil when no
	// snapshot is cached.
	Read(ctx context.Context, jobID string) (*model.ProgressSnapshot, error)

	// Clear drops the cached snapshot for the job.
	Clear(ctx context.Context, jobID string) error

	// Health checks the connection behind the publisher.
	Health(ctx context.Context) error
}
