// Package orchestrator implements the orchestrator core (C7): backend
// selection, per-task execution against C1-C4 and C9, hybrid-task merging,
// cancellation, and the periodic worker-count scaling decision. The worker
// set (package scheduler) pulls tasks off the queue and calls ExecuteTask;
// the orchestrator holds no back-reference to workers, only to the shared
// registries and the queue they all draw from.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nullvector/scrapectl/internal/backendpool"
	"github.com/nullvector/scrapectl/internal/breaker"
	"github.com/nullvector/scrapectl/internal/config"
	"github.com/nullvector/scrapectl/internal/dedup"
	"github.com/nullvector/scrapectl/internal/events"
	"github.com/nullvector/scrapectl/internal/pipeline"
	"github.com/nullvector/scrapectl/internal/quota"
	"github.com/nullvector/scrapectl/internal/queue"
	"github.com/nullvector/scrapectl/internal/ratelimit"
	"github.com/nullvector/scrapectl/internal/types"
)

// State is the orchestrator's coarse lifecycle state, exposed to the admin
// API and to observability.
type State int

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// taskHandle tracks an in-flight task's cancellation token so Cancel can
// reach a worker mid-scrape.
type taskHandle struct {
	task   *types.Task
	cancel context.CancelFunc
}

// Orchestrator owns every shared registry (breakers, limiter, quota ledger,
// backend pools, task queue, dedup cache, publisher) explicitly — no
// process-global state — so that construction is scoped and teardown is
// deterministic (§9).
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	breakers  *breaker.Registry
	limiter   *ratelimit.Limiter
	ledger    *quota.Ledger
	pools     *backendpool.Registry
	taskQueue *queue.TaskQueue
	dedupe    *dedup.Dedup
	publisher events.Publisher
	pipe      *pipeline.Pipeline

	mu       sync.Mutex
	inFlight map[string]*taskHandle
	state    State

	activeWorkers int
	workersMu     sync.Mutex
}

// New constructs an Orchestrator from its component registries. Callers
// (cmd/scrapectl) are responsible for building each registry and the
// backend pools before wiring them here.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	breakers *breaker.Registry,
	limiter *ratelimit.Limiter,
	ledger *quota.Ledger,
	pools *backendpool.Registry,
	taskQueue *queue.TaskQueue,
	dedupe *dedup.Dedup,
	publisher events.Publisher,
	pipe *pipeline.Pipeline,
) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		logger:        logger.With("component", "orchestrator"),
		breakers:      breakers,
		limiter:       limiter,
		ledger:        ledger,
		pools:         pools,
		taskQueue:     taskQueue,
		dedupe:        dedupe,
		publisher:     publisher,
		pipe:          pipe,
		inFlight:      make(map[string]*taskHandle),
		state:         StateRunning,
		activeWorkers: cfg.Orchestrator.MaxConcurrentScrapers,
	}
}

// Submit implements events.TaskSubmitter: both admin-API and event-bus
// command ingestion funnel through here.
func (o *Orchestrator) Submit(task *types.Task) error {
	o.mu.Lock()
	draining := o.state == StateDraining || o.state == StateStopped
	o.mu.Unlock()
	if draining {
		return fmt.Errorf("orchestrator is draining: task %s rejected", task.ID)
	}
	if task.URL != "" {
		if err := config.ValidateURL(task.URL); err != nil {
			return fmt.Errorf("submit task %s: %w", task.ID, err)
		}
	}
	o.taskQueue.Push(task)
	return nil
}

// domainFor resolves the rate-limit/circuit-breaker key for a task: the
// request URL's host when present, otherwise the source tag itself (for
// metered-API calls that have no per-request URL).
func domainFor(source, rawURL string) string {
	if rawURL == "" {
		return source
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return source
	}
	return strings.ToLower(u.Host)
}

// SelectBackend applies the §4.7 backend selection policy and returns the
// backend kind to use for task.
func (o *Orchestrator) SelectBackend(task *types.Task) string {
	if task.Source == types.SourceMeteredAPI || o.cfg.Orchestrator.UseMeteredFirst {
		return o.degradeIfExhausted(task, types.SourceMeteredAPI)
	}

	domain := domainFor(task.Source, task.URL)
	if o.breakers.State(domain).State == breaker.Open {
		return o.degradeIfExhausted(task, types.SourceMeteredAPI)
	}

	return task.Source
}

// degradeIfExhausted returns kind unless kind is metered_api and the quota
// ledger is out of budget, in which case it falls back to rss or
// company_page depending on the task's native source.
func (o *Orchestrator) degradeIfExhausted(task *types.Task, kind string) string {
	if kind != types.SourceMeteredAPI {
		return kind
	}
	if o.ledger.Remaining() > 0 {
		return kind
	}
	if task.Source == types.SourceGovernment {
		return types.SourceCompanyPage
	}
	return types.SourceRSS
}

// ExecuteTask runs the full §4.7 execution pipeline for one task and
// returns the deduplicated, pipeline-normalized records it produced. It is
// called by the worker set; it never touches the task queue itself.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
	start := time.Now()

	if task.Hybrid {
		records, err := o.executeHybrid(ctx, task)
		o.publishCompletion(ctx, task, records, err, time.Since(start))
		return records, err
	}

	kind := o.SelectBackend(task)
	records, err := o.executeOnce(ctx, task, kind)
	o.publishCompletion(ctx, task, records, err, time.Since(start))
	return records, err
}

// executeOnce runs steps 1-8 of §4.7 for a single backend kind.
func (o *Orchestrator) executeOnce(ctx context.Context, task *types.Task, kind string) ([]types.JobRecord, error) {
	domain := domainFor(task.Source, task.URL)

	_, admitted := o.breakers.BeforeCall(domain)
	if !admitted {
		state := o.breakers.State(domain)
		recoveryAfter := o.cfg.CircuitBreaker.RecoveryTimeout - time.Since(state.LastTransitionAt)
		if recoveryAfter < 0 {
			recoveryAfter = 0
		}
		return nil, &types.CircuitOpenError{Domain: domain, RecoveryAfter: recoveryAfter}
	}

	if kind == types.SourceMeteredAPI {
		highValue := quota.IsHighValue(task.Filters.Keywords, o.cfg.Quota.MajorEmployers, o.cfg.Quota.HighDemandOccupations)
		if !o.ledger.TryAcquire(highValue) {
			fallback := o.degradeIfExhausted(task, types.SourceMeteredAPI)
			if fallback == types.SourceMeteredAPI {
				return nil, &types.QuotaExhaustedError{Budget: "monthly"}
			}
			kind = fallback
		}
	}

	if err := o.limiter.Await(ctx, domain, task.Priority); err != nil {
		return nil, err
	}

	pool, ok := o.pools.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoBackend, kind)
	}

	inst, err := pool.Acquire(ctx, o.cfg.Orchestrator.PoolAcquireTimeout)
	if err != nil {
		return nil, err
	}

	deadline, cancel := context.WithTimeout(ctx, o.cfg.Orchestrator.ScrapeDeadline)
	defer cancel()

	reqStart := time.Now()
	result, scrapeErr := inst.Scrape(deadline, task.Source, task.Filters, task.URL)
	rtt := time.Since(reqStart)

	pool.Release(inst)

	if scrapeErr != nil {
		blocked := isBlocked(scrapeErr)
		o.limiter.RecordFailure(domain, blocked)
		o.breakers.OnFailure(domain, scrapeErr)
		return nil, scrapeErr
	}

	o.limiter.RecordSuccess(domain, rtt)
	o.breakers.OnSuccess(domain)

	return o.normalizeAndDedup(result), nil
}

// executeHybrid runs metered_api first for breadth, then the task's native
// backend on the same URL for depth, merging by record id (union-merge,
// first-writer-wins per scalar field).
func (o *Orchestrator) executeHybrid(ctx context.Context, task *types.Task) ([]types.JobRecord, error) {
	breadth, breadthErr := o.executeOnce(ctx, task, types.SourceMeteredAPI)
	depth, depthErr := o.executeOnce(ctx, task, task.Source)

	if breadthErr != nil && depthErr != nil {
		return nil, depthErr
	}

	merged := make(map[string]*types.JobRecord, len(breadth)+len(depth))
	order := make([]string, 0, len(breadth)+len(depth))

	add := func(recs []types.JobRecord) {
		for i := range recs {
			rec := recs[i]
			if existing, ok := merged[rec.ID]; ok {
				existing.MergeUnion(&rec)
				continue
			}
			merged[rec.ID] = &rec
			order = append(order, rec.ID)
		}
	}
	add(breadth)
	add(depth)

	out := make([]types.JobRecord, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out, nil
}

// normalizeAndDedup runs each record through the normalization pipeline and
// drops records already seen in the process-local LRU.
func (o *Orchestrator) normalizeAndDedup(result *types.ScrapeResult) []types.JobRecord {
	if result == nil {
		return nil
	}
	out := make([]types.JobRecord, 0, len(result.Records))
	for i := range result.Records {
		rec := result.Records[i]
		rec.DeriveID()

		if o.pipe != nil {
			normalized, err := o.pipe.Process(&rec)
			if err != nil {
				o.logger.Warn("pipeline processing failed", "record_id", rec.ID, "error", err)
				continue
			}
			if normalized == nil {
				continue
			}
			rec = *normalized
		}

		if o.dedupe.SeenOrMark(rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func isBlocked(err error) bool {
	for err != nil {
		if fe, ok := err.(*types.FetchError); ok {
			return fe.Blocked
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// publishCompletion emits the per-record "jobs" publication and a single
// task-lifecycle "events" message, per §4.7's fan-out rule.
func (o *Orchestrator) publishCompletion(ctx context.Context, task *types.Task, records []types.JobRecord, execErr error, dur time.Duration) {
	if o.publisher == nil {
		return
	}

	for _, rec := range records {
		msg := events.NewMessage(events.TypeJobRecord, task.Source, rec, map[string]string{"task_id": task.ID})
		if err := o.publisher.Publish(ctx, events.TopicJobs, events.JobKey(rec.ID), msg); err != nil {
			o.logger.Warn("publish job record failed", "task_id", task.ID, "record_id", rec.ID, "error", err)
		}
	}

	evtType := events.TypeTaskCompleted
	if execErr != nil {
		evtType = events.TypeTaskFailed
	}
	data := map[string]any{
		"task_id":      task.ID,
		"duration_ms":  dur.Milliseconds(),
		"record_count": len(records),
		"success":      execErr == nil,
	}
	if execErr != nil {
		data["error"] = execErr.Error()
	}
	msg := events.NewMessage(evtType, task.Source, data, nil)
	if err := o.publisher.Publish(ctx, events.TopicEvents, "", msg); err != nil {
		o.logger.Warn("publish task lifecycle event failed", "task_id", task.ID, "error", err)
	}
}

// Cancel removes task_id from the queue if still pending, or signals its
// in-flight cancellation token.
func (o *Orchestrator) Cancel(taskID string) bool {
	if o.taskQueue.Remove(taskID) {
		return true
	}

	o.mu.Lock()
	h, ok := o.inFlight[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// TrackInFlight registers task's cancellation token while a worker executes
// it, and returns an unregister func the worker must call when done.
func (o *Orchestrator) TrackInFlight(task *types.Task, cancel context.CancelFunc) func() {
	o.mu.Lock()
	o.inFlight[task.ID] = &taskHandle{task: task, cancel: cancel}
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.inFlight, task.ID)
		o.mu.Unlock()
	}
}

// ResetCircuit forces domain's circuit to CLOSED (admin command).
func (o *Orchestrator) ResetCircuit(domain string) {
	o.breakers.Reset(domain)
}

// Drain stops accepting new tasks; in-flight tasks are left to finish.
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	o.state = StateDraining
	o.mu.Unlock()
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// QueueSize returns the current task queue depth, used by the scaling loop
// and by observability.
func (o *Orchestrator) QueueSize() int {
	return o.taskQueue.Size()
}

// ActiveWorkers returns the worker set's current target size.
func (o *Orchestrator) ActiveWorkers() int {
	o.workersMu.Lock()
	defer o.workersMu.Unlock()
	return o.activeWorkers
}

// ScalingDecision is the §4.7 60s scaling loop's verdict: the delta to
// apply to the worker set size (positive to scale up, negative to scale
// down, zero to hold).
func (o *Orchestrator) ScalingDecision() int {
	o.workersMu.Lock()
	active := o.activeWorkers
	o.workersMu.Unlock()

	qsize := o.QueueSize()
	max := o.cfg.Orchestrator.MaxConcurrentScrapers
	min := o.cfg.Orchestrator.MinConcurrentScrapers

	switch {
	case qsize > active*10 && active < max:
		delta := 5
		if active+delta > max {
			delta = max - active
		}
		return delta
	case qsize == 0 && active > min:
		delta := -5
		if active+delta < min {
			delta = min - active
		}
		return delta
	default:
		return 0
	}
}

// ApplyScaling records the worker set's new size after the caller has
// actually spawned or retired workers.
func (o *Orchestrator) ApplyScaling(newSize int) {
	o.workersMu.Lock()
	o.activeWorkers = newSize
	o.workersMu.Unlock()
}

// RunScalingLoop ticks ScalingDecision every interval until ctx is done,
// invoking apply(delta) when a non-zero decision is made. apply is expected
// to resize the worker set and call ApplyScaling with the result.
func (o *Orchestrator) RunScalingLoop(ctx context.Context, interval time.Duration, apply func(delta int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if delta := o.ScalingDecision(); delta != 0 {
				apply(delta)
			}
		}
	}
}
