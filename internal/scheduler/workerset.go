// Package scheduler implements the worker set (C6): a supervised pool of
// cooperative workers draining the task queue and dispatching to the
// orchestrator's ExecuteTask. Workers hold no back-reference to the
// orchestrator beyond the narrow Executor interface below — they pull work
// and push results/metrics, they never call back into orchestration logic.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nullvector/scrapectl/internal/queue"
	"github.com/nullvector/scrapectl/internal/types"
)

// Executor is the subset of the orchestrator a worker needs: run a task to
// completion and register/unregister its cancellation token.
type Executor interface {
	ExecuteTask(ctx context.Context, task *types.Task) ([]types.JobRecord, error)
	TrackInFlight(task *types.Task, cancel context.CancelFunc) func()
}

// popTimeout bounds each blocking queue pop so a worker re-checks shutdown
// at least once a second even under an empty queue (§4.6 step 1).
const popTimeout = 1 * time.Second

// WorkerSet supervises N cooperative workers, each independently popping
// from q and calling into exec. Workers are restartable: if one exits
// unexpectedly, its supervise loop restarts it.
type WorkerSet struct {
	exec   Executor
	q      *queue.TaskQueue
	logger *slog.Logger

	mu      sync.Mutex
	target  int
	running int
	stops   []chan struct{} // one per live worker goroutine; closing one retires that worker

	wg sync.WaitGroup
}

// New constructs a WorkerSet targeting size workers against q.
func New(exec Executor, q *queue.TaskQueue, size int, logger *slog.Logger) *WorkerSet {
	return &WorkerSet{
		exec:   exec,
		q:      q,
		logger: logger.With("component", "worker_set"),
		target: size,
	}
}

// Run starts the worker set and blocks until ctx is canceled, then waits
// for all workers to exit.
func (ws *WorkerSet) Run(ctx context.Context) {
	ws.mu.Lock()
	n := ws.target
	ws.mu.Unlock()

	for i := 0; i < n; i++ {
		ws.spawn(ctx, i)
	}

	<-ctx.Done()
	ws.wg.Wait()
}

// Resize adjusts the running worker count by delta (may be negative),
// spawning or retiring workers as needed, and returns the new size.
func (ws *WorkerSet) Resize(ctx context.Context, delta int) int {
	ws.mu.Lock()
	current := ws.running
	ws.mu.Unlock()

	if delta > 0 {
		for i := 0; i < delta; i++ {
			ws.spawn(ctx, current+i)
		}
	} else if delta < 0 {
		ws.retire(-delta)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.running
}

func (ws *WorkerSet) spawn(ctx context.Context, id int) {
	stop := make(chan struct{})

	ws.mu.Lock()
	ws.running++
	ws.stops = append(ws.stops, stop)
	ws.mu.Unlock()

	ws.wg.Add(1)
	go ws.supervise(ctx, id, stop)
}

// retire signals n arbitrary workers to exit their run loop via a
// dedicated stop channel, distinct from the per-task cancellation tokens
// (those belong to in-flight scrapes, not the worker loop itself).
// Retiring workers finish their current task before exiting, while
// ws.running drops at once; a later scale-up spawns fresh goroutines on top
// of whatever remains, so the live goroutine count matches ws.running once
// the retired workers have exited.
func (ws *WorkerSet) retire(n int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i := 0; i < n && len(ws.stops) > 0; i++ {
		last := len(ws.stops) - 1
		close(ws.stops[last])
		ws.stops = ws.stops[:last]
		ws.running--
	}
}

// supervise runs worker id's loop and, if it ever returns due to a panic
// recovery rather than ctx cancellation or retirement, respawns a
// replacement — workers are restartable within one health-monitor tick
// (§4.6). A closed stop channel (this worker was retired by Resize) ends
// the supervision loop for good, same as ctx cancellation.
func (ws *WorkerSet) supervise(ctx context.Context, id int, stop chan struct{}) {
	defer ws.wg.Done()

	for {
		exited := ws.runWorkerOnce(ctx, id, stop)
		select {
		case <-stop:
			return
		default:
		}
		if ctx.Err() != nil || !exited {
			return
		}
		ws.logger.Warn("worker exited unexpectedly, restarting", "worker_id", id)
	}
}

// runWorkerOnce executes the worker loop and recovers a panic into a
// crashed=true return so supervise can respawn it.
func (ws *WorkerSet) runWorkerOnce(ctx context.Context, id int, stop chan struct{}) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			ws.logger.Error("worker panicked", "worker_id", id, "panic", r)
			crashed = true
		}
	}()

	ws.loop(ctx, id, stop)
	return false
}

func (ws *WorkerSet) loop(ctx context.Context, id int, stop chan struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		task, ok := ws.q.PopContext(ctx, popTimeout)
		if !ok {
			continue
		}

		ws.runTask(ctx, task)
	}
}

func (ws *WorkerSet) runTask(ctx context.Context, task *types.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	task.Status = types.TaskInFlight
	task.StartedAt = time.Now()

	untrack := ws.exec.TrackInFlight(task, cancel)
	defer untrack()

	records, err := ws.exec.ExecuteTask(taskCtx, task)
	task.CompletedAt = time.Now()

	switch {
	case errors.Is(taskCtx.Err(), context.Canceled):
		task.Status = types.TaskCancelled
		task.Error = types.ErrCancelled

	case err != nil:
		ws.handleFailure(task, err)

	default:
		task.Status = types.TaskCompleted
		task.Result = &types.ScrapeResult{Records: records}
	}
}

// handleFailure implements §4.6 step 5: retry with demotion, or terminal
// failure once retries are exhausted.
func (ws *WorkerSet) handleFailure(task *types.Task, err error) {
	task.Error = err

	if task.ExhaustedRetries() {
		task.Status = types.TaskFailed
		ws.logger.Warn("task failed permanently", "task_id", task.ID, "error", err)
		return
	}

	task.Demote()
	ws.logger.Info("task failed, requeuing with demotion",
		"task_id", task.ID, "retry_count", task.RetryCount, "new_priority", task.Priority, "error", err)
	ws.q.Push(task.Clone())
}
