package offline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/lumenwallet/lumen-core/internal/platform/errors"
)

type memStore struct {
	mu  sync.Mutex
	ops []Operation
}

func (m *memStore) Append(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func (m *memStore) List(_ context.Context) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Operation(nil), m.ops...), nil
}

func (m *memStore) Update(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ops {
		if m.ops[i].ID == op.ID {
			m.ops[i] = op
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ops {
		if m.ops[i].ID == id {
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops), nil
}

func (m *memStore) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = nil
	return nil
}

var _ Store = (*memStore)(nil)

type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
	failFor  map[string]error
}

func (r *recordingExecutor) Execute(_ context.Context, op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, op.Type)
	if err, ok := r.failFor[op.Type]; ok {
		return err
	}
	return nil
}

func (r *recordingExecutor) executedTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

func newTestQueue(store Store, exec Executor) *Queue {
	counter := 0
	return NewQueue(store, exec,
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string {
			counter++
			return fmt.Sprintf("op-%d", counter)
		}),
	)
}

func TestEnqueueAndPendingCount(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	queue := newTestQueue(store, &recordingExecutor{})

	id, err := queue.Enqueue(ctx, "send_payment", "send 5 to bob", []byte(`{"amount":"5"}`))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id != "op-1" {
		t.Fatalf("Enqueue() id = %q, want %q", id, "op-1")
	}

	count, err := queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("PendingCount() = %d, want 1", count)
	}

	ops, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if ops[0].Description != "send 5 to bob" {
		t.Fatalf("stored description = %q, want %q", ops[0].Description, "send 5 to bob")
	}
}

func TestEnqueueRequiresType(t *testing.T) {
	queue := newTestQueue(&memStore{}, &recordingExecutor{})
	if _, err := queue.Enqueue(context.Background(), "  ", "", nil); !apperrors.HasCode(err, apperrors.CodeValidation) {
		t.Fatalf("Enqueue() error = %v, want validation error", err)
	}
}

func TestReplaySendsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	exec := &recordingExecutor{}
	queue := newTestQueue(store, exec)

	for _, opType := range []string{"first", "second", "third"} {
		if _, err := queue.Enqueue(ctx, opType, "", nil); err != nil {
			t.Fatalf("Enqueue(%q) error = %v", opType, err)
		}
	}

	report, err := queue.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if report.Replayed != 3 || report.Failed != 0 || report.Dropped != 0 {
		t.Fatalf("Replay() report = %+v, want 3 replayed", report)
	}

	got := exec.executedTypes()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed order = %v, want %v", got, want)
		}
	}

	count, err := queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("PendingCount() after replay = %d, want 0", count)
	}
}

func TestReplayFailureKeepsOperationAndContinues(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	exec := &recordingExecutor{failFor: map[string]error{
		"flaky": apperrors.New(apperrors.CodeServerError, "server exploded"),
	}}
	queue := newTestQueue(store, exec)

	if _, err := queue.Enqueue(ctx, "flaky", "", nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := queue.Enqueue(ctx, "steady", "", nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	report, err := queue.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if report.Replayed != 1 || report.Failed != 1 {
		t.Fatalf("Replay() report = %+v, want 1 replayed 1 failed", report)
	}

	ops, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("List() = %d ops, want 1 retained", len(ops))
	}
	if ops[0].RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", ops[0].RetryCount)
	}
	if ops[0].LastError == "" {
		t.Fatal("LastError is empty, want recorded failure")
	}
}

func TestReplayDropsOperationAfterAttemptBudget(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	exec := &recordingExecutor{failFor: map[string]error{
		"doomed": apperrors.New(apperrors.CodeServerError, "always fails"),
	}}
	queue := newTestQueue(store, exec)

	if _, err := queue.Enqueue(ctx, "doomed", "", nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	for pass := 1; pass <= 2; pass++ {
		report, err := queue.Replay(ctx)
		if err != nil {
			t.Fatalf("Replay() pass %d error = %v", pass, err)
		}
		if report.Failed != 1 {
			t.Fatalf("Replay() pass %d report = %+v, want retained failure", pass, report)
		}
	}

	report, err := queue.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay() final pass error = %v", err)
	}
	if report.Dropped != 1 {
		t.Fatalf("Replay() final report = %+v, want 1 dropped", report)
	}

	count, err := queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after drop", count)
	}
}

func TestSetOnlineTriggersReplayOnce(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	exec := &recordingExecutor{}
	queue := newTestQueue(store, exec)

	queue.SetOnline(ctx, false)
	if _, err := queue.Enqueue(ctx, "deferred", "", nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(exec.executedTypes()) != 0 {
		t.Fatal("operation executed while offline")
	}

	queue.SetOnline(ctx, true)
	if got := exec.executedTypes(); len(got) != 1 || got[0] != "deferred" {
		t.Fatalf("executed = %v, want single replay on reconnect", got)
	}

	// Redundant online notifications must not replay again.
	queue.SetOnline(ctx, true)
	if got := exec.executedTypes(); len(got) != 1 {
		t.Fatalf("executed = %v, want no replay on repeated online signal", got)
	}
}

func TestClearDropsPending(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(&memStore{}, &recordingExecutor{})

	if _, err := queue.Enqueue(ctx, "one", "", nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := queue.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	count, err := queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("PendingCount() = %d, want 0", count)
	}
}
