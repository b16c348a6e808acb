// Package queue implements the priority queue of pending scrape tasks (C5).
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nullvector/scrapectl/internal/types"
)

// TaskQueue is a thread-safe priority queue keyed on (priority, created_at),
// ties broken by FIFO. Blocking Pop uses a condition variable rather than
// polling.
type TaskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	pq     priorityQueue
	byID   map[string]*pqItem
	closed bool
}

// NewTaskQueue creates an empty TaskQueue.
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		pq:   make(priorityQueue, 0, 1024),
		byID: make(map[string]*pqItem),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.pq)
	return q
}

// Push adds a task to the queue. A no-op if the queue is closed or the task
// id is already present (callers re-pushing a demoted task must Remove the
// stale entry first if one exists).
func (q *TaskQueue) Push(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if _, exists := q.byID[task.ID]; exists {
		return
	}

	item := &pqItem{task: task, seq: nextSeq()}
	heap.Push(&q.pq, item)
	q.byID[task.ID] = item
	q.cond.Signal()
}

// Pop removes and returns the highest-priority task, blocking up to timeout.
// Returns nil, false on timeout or if the queue closes while waiting.
func (q *TaskQueue) Pop(timeout time.Duration) (*types.Task, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pq.Len() == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
			close(waitDone)
		})
		q.cond.Wait()
		timer.Stop()
		select {
		case <-waitDone:
		default:
		}
		if time.Now().After(deadline) && q.pq.Len() == 0 {
			return nil, false
		}
	}

	if q.pq.Len() == 0 {
		return nil, false
	}

	item := heap.Pop(&q.pq).(*pqItem)
	delete(q.byID, item.task.ID)
	return item.task, true
}

// PopContext behaves like Pop but also unblocks on context cancellation.
func (q *TaskQueue) PopContext(ctx context.Context, timeout time.Duration) (*types.Task, bool) {
	result := make(chan *types.Task, 1)
	go func() {
		task, ok := q.Pop(timeout)
		if ok {
			result <- task
		} else {
			result <- nil
		}
	}()

	select {
	case t := <-result:
		return t, t != nil
	case <-ctx.Done():
		return nil, false
	}
}

// Peek returns the highest-priority task without removing it.
func (q *TaskQueue) Peek() (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pq.Len() == 0 {
		return nil, false
	}
	return q.pq[0].task, true
}

// Size returns the number of queued tasks.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// Remove removes a task by id, used by cancel(task_id). Returns true if the
// task was found and removed.
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.pq, item.index)
	delete(q.byID, id)
	return true
}

// Close unblocks any waiting Pop calls; subsequent Push calls are no-ops.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Drain returns and removes all remaining tasks.
func (q *TaskQueue) Drain() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]*types.Task, 0, q.pq.Len())
	for q.pq.Len() > 0 {
		item := heap.Pop(&q.pq).(*pqItem)
		delete(q.byID, item.task.ID)
		tasks = append(tasks, item.task)
	}
	return tasks
}

var seqCounter int64

func nextSeq() int64 {
	seqCounter++
	return seqCounter
}

// --- heap implementation ---

type pqItem struct {
	task     *types.Task
	seq      int64 // FIFO tiebreak for equal (priority, created_at)
	index    int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].task.Priority != pq[j].task.Priority {
		return pq[i].task.Priority < pq[j].task.Priority
	}
	if !pq[i].task.CreatedAt.Equal(pq[j].task.CreatedAt) {
		return pq[i].task.CreatedAt.Before(pq[j].task.CreatedAt)
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*pqItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}
