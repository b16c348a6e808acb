package observability

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nullvector/scrapectl/internal/breaker"
	"github.com/nullvector/scrapectl/internal/quota"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type memStore struct{ snap *quota.Snapshot }

func (m *memStore) Load(ctx context.Context) (*quota.Snapshot, error) { return m.snap, nil }
func (m *memStore) Save(ctx context.Context, snap quota.Snapshot) error {
	s := snap
	m.snap = &s
	return nil
}

func TestServeHTTPEmptyWhenNoSourcesWired(t *testing.T) {
	m := NewMetrics(Sources{}, testLogger)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.ServeHTTP(rec, req)

	if rec.Body.Len() != 0 {
		t.Errorf("expected no output with no wired sources, got %q", rec.Body.String())
	}
}

func TestServeHTTPEmitsQueueAndWorkerGauges(t *testing.T) {
	m := NewMetrics(Sources{
		QueueSize:     func() int { return 42 },
		ActiveWorkers: func() int { return 7 },
	}, testLogger)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "scrapectl_queue_depth 42") {
		t.Errorf("expected queue depth gauge, got:\n%s", body)
	}
	if !strings.Contains(body, "scrapectl_active_workers 7") {
		t.Errorf("expected active workers gauge, got:\n%s", body)
	}
}

func TestServeHTTPEmitsCircuitBreakerGauges(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultSettings())
	reg.OnFailure("example.com", nil)

	m := NewMetrics(Sources{Breakers: reg}, testLogger)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `scrapectl_circuit_failures{domain="example.com"} 1`) {
		t.Errorf("expected a per-domain failure gauge, got:\n%s", body)
	}
}

func TestServeHTTPEmitsQuotaGauges(t *testing.T) {
	ledger := quota.NewLedger(quota.Settings{MonthlyQuota: 250}, &memStore{})
	m := NewMetrics(Sources{Quota: ledger}, testLogger)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "scrapectl_quota_remaining") {
		t.Errorf("expected a quota remaining gauge, got:\n%s", body)
	}
}

func TestServeHTTPWritesHelpAndTypeOncePerMetric(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultSettings())
	reg.OnFailure("a.com", nil)
	reg.OnFailure("b.com", nil)

	m := NewMetrics(Sources{Breakers: reg}, testLogger)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if strings.Count(body, "# HELP scrapectl_circuit_failures") != 1 {
		t.Errorf("expected HELP line exactly once regardless of domain count, got:\n%s", body)
	}
}
