package adminapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nullvector/scrapectl/internal/backend"
	"github.com/nullvector/scrapectl/internal/backendpool"
	"github.com/nullvector/scrapectl/internal/breaker"
	"github.com/nullvector/scrapectl/internal/config"
	"github.com/nullvector/scrapectl/internal/dedup"
	"github.com/nullvector/scrapectl/internal/orchestrator"
	"github.com/nullvector/scrapectl/internal/pipeline"
	"github.com/nullvector/scrapectl/internal/quota"
	"github.com/nullvector/scrapectl/internal/queue"
	"github.com/nullvector/scrapectl/internal/ratelimit"
	"github.com/nullvector/scrapectl/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Orchestrator.PoolAcquireTimeout = time.Second
	cfg.Orchestrator.ScrapeDeadline = 5 * time.Second

	breakers := breaker.NewRegistry(breaker.DefaultSettings())
	limiter := ratelimit.NewLimiter(ratelimit.DefaultSettings())

	pools := backendpool.NewRegistry()
	pool, err := backendpool.New(types.SourceRSS, 2, func() (backend.ScraperContract, error) {
		return nil, nil
	}, testLogger)
	if err != nil {
		t.Fatalf("unexpected pool construction error: %v", err)
	}
	if err := pools.Add(pool); err != nil {
		t.Fatalf("unexpected pool registration error: %v", err)
	}

	ledger := quota.NewLedger(quota.Settings{MonthlyQuota: 1000}, nil)
	taskQueue := queue.NewTaskQueue()
	dedupe := dedup.New(100)
	pipe := pipeline.New(testLogger)

	ctrl := orchestrator.New(cfg, testLogger, breakers, limiter, ledger, pools, taskQueue, dedupe, nil, pipe)
	return NewServer(0, ctrl, testLogger)
}

func TestHealthAlwaysOK(t *testing.T) {
	s := NewServer(0, nil, testLogger)
	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusWithoutOrchestratorIsUnavailable(t *testing.T) {
	s := NewServer(0, nil, testLogger)
	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Fatalf("expected 503 without a wired orchestrator, got %d", rec.Code)
	}
}

func TestStatusReportsOrchestratorState(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["state"] != "running" {
		t.Errorf("expected state %q, got %v", "running", body["state"])
	}
}

func TestStartRejectsEmptySources(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/start", bytes.NewBufferString(`{"sources": []}`))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400 for empty sources, got %d", rec.Code)
	}
}

func TestStartRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/start", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestStartEnqueuesOneTaskPerSource(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/start", bytes.NewBufferString(`{"sources": ["rss"]}`))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 202 {
		t.Fatalf("expected 202 accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	ids, ok := body["task_ids"].([]any)
	if !ok || len(ids) != 1 {
		t.Errorf("expected exactly one task id, got %v", body["task_ids"])
	}
}

func TestStopAcceptsRequestRegardlessOfTaskExistence(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/stop", bytes.NewBufferString(`{"task_id": "unknown"}`))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 202 {
		t.Fatalf("expected 202 accepted, got %d", rec.Code)
	}
}

func TestResetCircuitAccepted(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/reset_circuit", bytes.NewBufferString(`{"domain": "example.com"}`))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 202 {
		t.Fatalf("expected 202 accepted, got %d", rec.Code)
	}
}

func TestDrainAccepted(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/drain", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 202 {
		t.Fatalf("expected 202 accepted, got %d", rec.Code)
	}
}
