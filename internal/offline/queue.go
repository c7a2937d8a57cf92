package offline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
	"github.com/lumenwallet/lumen-core/internal/platform/timeouts"
)

// ReplayReport summarizes one replay pass over the queue.
type ReplayReport struct {
	Replayed int
	Failed   int
	Dropped  int
}

// Queue holds deferred operations and replays them FIFO when connectivity
// returns. Each operation gets at most one attempt per replay pass; after
// maxReplayAttempts failed passes it is dropped.
type Queue struct {
	store Store
	exec  Executor
	clock func() time.Time
	idGen func() string
	log   zerolog.Logger

	online atomic.Bool
	// replayMu serializes replay passes so two triggers cannot double-send.
	replayMu sync.Mutex
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

// WithIDGenerator overrides operation id generation.
func WithIDGenerator(idGen func() string) QueueOption {
	return func(q *Queue) { q.idGen = idGen }
}

// WithLogger sets the queue logger.
func WithLogger(log zerolog.Logger) QueueOption {
	return func(q *Queue) { q.log = log }
}

// NewQueue creates an offline queue. The queue starts in the online state.
func NewQueue(store Store, exec Executor, opts ...QueueOption) *Queue {
	q := &Queue{
		store: store,
		exec:  exec,
		clock: func() time.Time { return time.Now().UTC() },
		idGen: uuid.NewString,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.online.Store(true)
	return q
}

// Online reports the current connectivity state.
func (q *Queue) Online() bool {
	return q.online.Load()
}

// SetOnline records a connectivity change. Coming back online triggers a
// replay pass.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	wasOnline := q.online.Swap(online)
	if online && !wasOnline {
		if _, err := q.Replay(ctx); err != nil {
			q.log.Warn().Err(err).Msg("replay queued operations after reconnect")
		}
	}
}

// Enqueue stores a mutation for replay and returns its id. The description
// labels the operation in diagnostics.
func (q *Queue) Enqueue(ctx context.Context, opType, description string, payload []byte) (string, error) {
	if strings.TrimSpace(opType) == "" {
		return "", apperrors.New(apperrors.CodeValidation, "operation type is required")
	}

	op := Operation{
		ID:          q.idGen(),
		Type:        opType,
		Description: description,
		Payload:     payload,
		CreatedAt:   q.clock(),
	}
	if err := q.store.Append(ctx, op); err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidation, "queue operation", err)
	}
	q.log.Debug().Str("op_id", op.ID).Str("op_type", opType).Str("description", description).Msg("queued offline operation")
	return op.ID, nil
}

// PendingCount returns the number of operations awaiting replay.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.Count(ctx)
}

// Clear drops every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.DeleteAll(ctx)
}

// Replay sends queued operations oldest first. Each operation gets one
// attempt; failures keep their place in the queue with an incremented retry
// count and are dropped once the attempt budget is spent. A failure does not
// block the operations behind it.
func (q *Queue) Replay(ctx context.Context) (ReplayReport, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	ops, err := q.store.List(ctx)
	if err != nil {
		return ReplayReport{}, apperrors.Wrap(apperrors.CodeValidation, "list queued operations", err)
	}

	var report ReplayReport
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		execErr := q.exec.Execute(ctx, op)
		if execErr == nil {
			if err := q.store.Delete(ctx, op.ID); err != nil {
				q.log.Warn().Err(err).Str("op_id", op.ID).Msg("remove replayed operation")
			}
			report.Replayed++
			continue
		}

		op.RetryCount++
		op.LastError = execErr.Error()
		if op.RetryCount >= maxReplayAttempts {
			q.log.Warn().
				Str("op_id", op.ID).
				Str("op_type", op.Type).
				Str("description", op.Description).
				Int("attempts", op.RetryCount).
				Str("last_error", op.LastError).
				Msg("dropping operation after exhausted replay attempts")
			if err := q.store.Delete(ctx, op.ID); err != nil {
				q.log.Warn().Err(err).Str("op_id", op.ID).Msg("drop exhausted operation")
			}
			report.Dropped++
			continue
		}

		if err := q.store.Update(ctx, op); err != nil {
			q.log.Warn().Err(err).Str("op_id", op.ID).Msg("persist replay failure")
		}
		report.Failed++
	}
	return report, nil
}

// StartSync replays the queue periodically until the context is cancelled.
// After a pass with failures the next run is delayed with exponential
// backoff; a clean pass resets the cadence.
func (q *Queue) StartSync(ctx context.Context) {
	go func() {
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = time.Minute
		retry.MaxInterval = timeouts.OfflineSync
		retry.MaxElapsedTime = 0

		interval := timeouts.OfflineSync
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			if q.Online() {
				report, err := q.Replay(ctx)
				switch {
				case err != nil || report.Failed > 0:
					interval = retry.NextBackOff()
				default:
					retry.Reset()
					interval = timeouts.OfflineSync
				}
			}
			timer.Reset(interval)
		}
	}()
}
