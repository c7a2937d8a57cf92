// Package offline queues mutating operations made without connectivity and
// replays them in order once the network returns.
package offline

import (
	"context"
	"time"

	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

// maxReplayAttempts is how many replay rounds an operation survives before
// it is dropped.
const maxReplayAttempts = 3

// ErrNotFound indicates a requested operation is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "queued operation not found")

// Operation is one deferred mutation awaiting replay. Description is a
// human-readable label carried for diagnostics only; replay never reads it.
type Operation struct {
	ID          string
	Type        string
	Description string
	Payload     []byte
	CreatedAt   time.Time
	RetryCount  int
	LastError   string
}

// Store persists queued operations in arrival order.
type Store interface {
	Append(ctx context.Context, op Operation) error
	// List returns all pending operations ordered oldest first.
	List(ctx context.Context) ([]Operation, error)
	// Update persists the retry bookkeeping of an existing operation.
	Update(ctx context.Context, op Operation) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
}

// Executor performs a queued operation against the server.
type Executor interface {
	Execute(ctx context.Context, op Operation) error
}
