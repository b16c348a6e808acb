package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nullvector/scrapectl/internal/queue"
	"github.com/nullvector/scrapectl/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeExecutor struct {
	executeFunc func(ctx context.Context, task *types.Task) ([]types.JobRecord, error)
	calls       int32
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.executeFunc(ctx, task)
}

func (f *fakeExecutor) TrackInFlight(task *types.Task, cancel context.CancelFunc) func() {
	return func() {}
}

func newTask() *types.Task {
	return types.NewTask(types.SourceRSS, types.Filters{}, "https://example.com/feed")
}

func TestResizeSpawnsWorkersAndProcessesQueuedTask(t *testing.T) {
	q := queue.NewTaskQueue()
	done := make(chan struct{}, 1)
	exec := &fakeExecutor{executeFunc: func(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
		done <- struct{}{}
		return []types.JobRecord{{Title: "Engineer"}}, nil
	}}

	ws := New(exec, q, 0, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Push(newTask())
	ws.Resize(ctx, 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the spawned worker to process the queued task")
	}
}

func TestHandleFailureDemotesAndRequeuesWhenRetriesRemain(t *testing.T) {
	q := queue.NewTaskQueue()
	ws := New(&fakeExecutor{}, q, 0, testLogger)

	task := newTask()
	task.MaxRetries = 3
	ws.handleFailure(task, errors.New("transient"))

	if task.Status != types.TaskPending {
		t.Errorf("expected status pending after demotion, got %s", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", task.RetryCount)
	}
	if q.Size() != 1 {
		t.Errorf("expected the demoted task to be requeued, queue size = %d", q.Size())
	}
}

func TestHandleFailureIsPermanentOnceRetriesExhausted(t *testing.T) {
	q := queue.NewTaskQueue()
	ws := New(&fakeExecutor{}, q, 0, testLogger)

	task := newTask()
	task.MaxRetries = 0
	ws.handleFailure(task, errors.New("fatal"))

	if task.Status != types.TaskFailed {
		t.Errorf("expected status failed, got %s", task.Status)
	}
	if q.Size() != 0 {
		t.Errorf("expected no requeue once retries are exhausted, queue size = %d", q.Size())
	}
}

func TestRunTaskMarksCompletedOnSuccess(t *testing.T) {
	exec := &fakeExecutor{executeFunc: func(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
		return []types.JobRecord{{Title: "Engineer"}}, nil
	}}
	ws := New(exec, queue.NewTaskQueue(), 0, testLogger)

	task := newTask()
	ws.runTask(context.Background(), task)

	if task.Status != types.TaskCompleted {
		t.Errorf("expected status completed, got %s", task.Status)
	}
	if task.Result == nil || len(task.Result.Records) != 1 {
		t.Errorf("expected the result records to be attached to the task, got %v", task.Result)
	}
}

func TestRunTaskMarksCancelledOnContextCancellation(t *testing.T) {
	exec := &fakeExecutor{executeFunc: func(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ws := New(exec, queue.NewTaskQueue(), 0, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := newTask()
	ws.runTask(ctx, task)

	if task.Status != types.TaskCancelled {
		t.Errorf("expected status cancelled, got %s", task.Status)
	}
}

func TestRunTaskHandlesFailureOnNonCancellationError(t *testing.T) {
	exec := &fakeExecutor{executeFunc: func(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
		return nil, errors.New("backend unreachable")
	}}
	q := queue.NewTaskQueue()
	ws := New(exec, q, 0, testLogger)

	task := newTask()
	task.MaxRetries = 3
	ws.runTask(context.Background(), task)

	if task.Status != types.TaskPending {
		t.Errorf("expected demotion back to pending, got %s", task.Status)
	}
	if q.Size() != 1 {
		t.Errorf("expected a requeued retry, queue size = %d", q.Size())
	}
}

func TestRetireNeverDropsRunningBelowZero(t *testing.T) {
	ws := New(&fakeExecutor{}, queue.NewTaskQueue(), 0, testLogger)
	ws.running = 2
	ws.stops = []chan struct{}{make(chan struct{}), make(chan struct{})}

	ws.retire(5)

	if ws.running != 0 {
		t.Errorf("expected running to floor at 0, got %d", ws.running)
	}
	if len(ws.stops) != 0 {
		t.Errorf("expected all stop channels consumed, got %d remaining", len(ws.stops))
	}
}

func TestRetireClosesStopChannelsSoWorkerLoopsActuallyExit(t *testing.T) {
	q := queue.NewTaskQueue()
	exec := &fakeExecutor{executeFunc: func(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
		return nil, nil
	}}
	ws := New(exec, q, 0, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws.Resize(ctx, 3)
	if got := len(ws.stops); got != 3 {
		t.Fatalf("expected 3 live stop channels after scaling up, got %d", got)
	}

	ws.Resize(ctx, -2)
	if got := len(ws.stops); got != 1 {
		t.Fatalf("expected 1 live stop channel after scaling down by 2, got %d", got)
	}

	ws.Resize(ctx, 2)
	if got := len(ws.stops); got != 3 {
		t.Fatalf("expected 3 live stop channels after scaling back up, got %d (goroutines leaked)", got)
	}
}

func TestResizeReturnsNewTargetSize(t *testing.T) {
	q := queue.NewTaskQueue()
	exec := &fakeExecutor{executeFunc: func(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
		return nil, nil
	}}
	ws := New(exec, q, 0, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newSize := ws.Resize(ctx, 3)
	if newSize != 3 {
		t.Errorf("expected resize to report new size 3, got %d", newSize)
	}
}
