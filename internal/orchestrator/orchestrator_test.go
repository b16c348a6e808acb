package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nullvector/scrapectl/internal/backend"
	"github.com/nullvector/scrapectl/internal/backendpool"
	"github.com/nullvector/scrapectl/internal/breaker"
	"github.com/nullvector/scrapectl/internal/config"
	"github.com/nullvector/scrapectl/internal/dedup"
	"github.com/nullvector/scrapectl/internal/pipeline"
	"github.com/nullvector/scrapectl/internal/quota"
	"github.com/nullvector/scrapectl/internal/queue"
	"github.com/nullvector/scrapectl/internal/ratelimit"
	"github.com/nullvector/scrapectl/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBackend returns a fixed result, or errs if scrapeErr is set.
type fakeBackend struct {
	kind      string
	result    *types.ScrapeResult
	scrapeErr error
}

func (f *fakeBackend) Scrape(ctx context.Context, sourceTag string, filters types.Filters, url string) (*types.ScrapeResult, error) {
	if f.scrapeErr != nil {
		return nil, f.scrapeErr
	}
	return f.result, nil
}

func (f *fakeBackend) Kind() string { return f.kind }

type memQuotaStore struct {
	snap *quota.Snapshot
}

func (m *memQuotaStore) Load(ctx context.Context) (*quota.Snapshot, error) { return m.snap, nil }

func (m *memQuotaStore) Save(ctx context.Context, snap quota.Snapshot) error {
	s := snap
	m.snap = &s
	return nil
}

func newTestOrchestrator(t *testing.T, kind string, result *types.ScrapeResult, scrapeErr error) (*Orchestrator, *breaker.Registry) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Orchestrator.PoolAcquireTimeout = time.Second
	cfg.Orchestrator.ScrapeDeadline = 5 * time.Second

	breakers := breaker.NewRegistry(breaker.DefaultSettings())
	limiter := ratelimit.NewLimiter(ratelimit.DefaultSettings())
	ledger := quota.NewLedger(quota.Settings{MonthlyQuota: 1000}, &memQuotaStore{})

	pools := backendpool.NewRegistry()
	pool, err := backendpool.New(kind, 2, func() (backend.ScraperContract, error) {
		return &fakeBackend{kind: kind, result: result, scrapeErr: scrapeErr}, nil
	}, testLogger)
	if err != nil {
		t.Fatalf("unexpected pool construction error: %v", err)
	}
	if err := pools.Add(pool); err != nil {
		t.Fatalf("unexpected pool registration error: %v", err)
	}

	taskQueue := queue.NewTaskQueue()
	dedupe := dedup.New(100)
	pipe := pipeline.New(testLogger)

	orch := New(cfg, testLogger, breakers, limiter, ledger, pools, taskQueue, dedupe, nil, pipe)
	return orch, breakers
}

func TestSubmitRejectsWhileDraining(t *testing.T) {
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	orch.Drain()

	task := types.NewTask(types.SourceRSS, types.Filters{}, "")
	if err := orch.Submit(task); err == nil {
		t.Fatal("expected submit to be rejected while draining")
	}
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	task := types.NewTask(types.SourceRSS, types.Filters{}, "not-a-url")
	if err := orch.Submit(task); err == nil {
		t.Fatal("expected submit to reject an invalid task URL")
	}
}

func TestSubmitEnqueuesValidTask(t *testing.T) {
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	task := types.NewTask(types.SourceRSS, types.Filters{}, "https://example.com/feed")
	if err := orch.Submit(task); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if orch.QueueSize() != 1 {
		t.Errorf("expected queue size 1, got %d", orch.QueueSize())
	}
}

func TestExecuteTaskSuccessDedupesAndNormalizes(t *testing.T) {
	rec := types.JobRecord{SourceURL: "https://example.com/job/1", Title: "Engineer"}
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{Records: []types.JobRecord{rec}}, nil)

	task := types.NewTask(types.SourceRSS, types.Filters{}, "https://example.com/feed")
	records, err := orch.ExecuteTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].ID == "" {
		t.Error("expected record id to be derived")
	}
}

func TestExecuteTaskDedupDropsRepeat(t *testing.T) {
	rec := types.JobRecord{SourceURL: "https://example.com/job/1", Title: "Engineer"}
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{Records: []types.JobRecord{rec}}, nil)

	task := types.NewTask(types.SourceRSS, types.Filters{}, "https://example.com/feed")
	first, err := orch.ExecuteTask(context.Background(), task)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected first execution to yield 1 record, got %v err=%v", first, err)
	}

	second, err := orch.ExecuteTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected execute error: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("expected repeat record to be deduped away, got %v", second)
	}
}

func TestExecuteTaskPropagatesScrapeError(t *testing.T) {
	boom := errors.New("boom")
	orch, breakers := newTestOrchestrator(t, types.SourceRSS, nil, boom)

	task := types.NewTask(types.SourceRSS, types.Filters{}, "https://example.com/feed")
	_, err := orch.ExecuteTask(context.Background(), task)
	if !errors.Is(err, boom) {
		t.Fatalf("expected scrape error to propagate, got %v", err)
	}

	snap := breakers.State("example.com")
	if snap.FailureCount == 0 {
		t.Error("expected the circuit breaker to record the failure")
	}
}

func TestSelectBackendKeepsNativeSourceForUntrackedDomain(t *testing.T) {
	orch, breakers := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	breakers.OpenAll(time.Minute)

	task := types.NewTask(types.SourceRSS, types.Filters{}, "https://example.com/feed")
	kind := orch.SelectBackend(task)
	if kind != types.SourceRSS {
		t.Errorf("expected the native rss backend when the domain has no circuit history yet, got %q", kind)
	}
}

func TestCancelRemovesQueuedTask(t *testing.T) {
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	task := types.NewTask(types.SourceRSS, types.Filters{}, "https://example.com/feed")
	if err := orch.Submit(task); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if !orch.Cancel(task.ID) {
		t.Error("expected cancel to remove the queued task")
	}
	if orch.QueueSize() != 0 {
		t.Errorf("expected queue empty after cancel, got %d", orch.QueueSize())
	}
}

func TestCancelInFlightInvokesCancelFunc(t *testing.T) {
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	task := types.NewTask(types.SourceRSS, types.Filters{}, "")

	called := false
	untrack := orch.TrackInFlight(task, func() { called = true })
	defer untrack()

	if !orch.Cancel(task.ID) {
		t.Fatal("expected cancel to find the in-flight task")
	}
	if !called {
		t.Error("expected the in-flight cancel func to be invoked")
	}
}

func TestResetCircuitForcesClosed(t *testing.T) {
	orch, breakers := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	breakers.OpenAll(time.Minute)
	orch.ResetCircuit("example.com")
	if breakers.State("example.com").State != breaker.Closed {
		t.Error("expected ResetCircuit to force the domain back to closed")
	}
}

func TestScalingDecisionScalesUpUnderBacklog(t *testing.T) {
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	for i := 0; i < 1000; i++ {
		_ = orch.Submit(types.NewTask(types.SourceRSS, types.Filters{}, ""))
	}
	orch.ApplyScaling(orch.cfg.Orchestrator.MinConcurrentScrapers)

	if delta := orch.ScalingDecision(); delta <= 0 {
		t.Errorf("expected a positive scale-up decision under heavy backlog, got %d", delta)
	}
}

func TestScalingDecisionScalesDownWhenIdle(t *testing.T) {
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	orch.ApplyScaling(orch.cfg.Orchestrator.MaxConcurrentScrapers)

	if delta := orch.ScalingDecision(); delta >= 0 {
		t.Errorf("expected a negative scale-down decision when idle, got %d", delta)
	}
}

func TestScalingDecisionHoldsWithinBand(t *testing.T) {
	orch, _ := newTestOrchestrator(t, types.SourceRSS, &types.ScrapeResult{}, nil)
	_ = orch.Submit(types.NewTask(types.SourceRSS, types.Filters{}, ""))
	orch.ApplyScaling(orch.cfg.Orchestrator.MinConcurrentScrapers + 1)

	if delta := orch.ScalingDecision(); delta != 0 {
		t.Errorf("expected no scaling decision within the steady band, got %d", delta)
	}
}

func TestStateStringer(t *testing.T) {
	cases := map[State]string{
		StateRunning:  "running",
		StateDraining: "draining",
		StateStopped:  "stopped",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
