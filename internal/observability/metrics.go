// Package observability exports the control plane's operational state as a
// Prometheus text exposition endpoint, grounded on the teacher's exporter
// but reading from the C1/C3/C6/C8 registries directly instead of
// maintaining its own counters.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nullvector/scrapectl/internal/breaker"
	"github.com/nullvector/scrapectl/internal/health"
	"github.com/nullvector/scrapectl/internal/quota"
)

// Sources is the narrow set of registries the exporter reads from. Every
// field is optional; a nil source is simply skipped.
type Sources struct {
	Breakers      *breaker.Registry
	Quota         *quota.Ledger
	Health        *health.Monitor
	QueueSize     func() int
	ActiveWorkers func() int
}

// Metrics serves /metrics in Prometheus text exposition format by reading
// live state from Sources on every scrape — it holds no counters of its
// own, so there is nothing to keep in sync.
type Metrics struct {
	sources Sources
	logger  *slog.Logger
}

// NewMetrics constructs a Metrics exporter over sources.
func NewMetrics(sources Sources, logger *slog.Logger) *Metrics {
	return &Metrics{sources: sources, logger: logger.With("component", "metrics")}
}

type gauge struct {
	name   string
	help   string
	value  float64
	labels string
}

func (m *Metrics) collect() []gauge {
	var out []gauge

	if m.sources.QueueSize != nil {
		out = append(out, gauge{"scrapectl_queue_depth", "Pending tasks in the work queue", float64(m.sources.QueueSize()), ""})
	}
	if m.sources.ActiveWorkers != nil {
		out = append(out, gauge{"scrapectl_active_workers", "Currently running worker goroutines", float64(m.sources.ActiveWorkers()), ""})
	}

	if m.sources.Breakers != nil {
		for _, snap := range m.sources.Breakers.Snapshots() {
			labels := fmt.Sprintf(`domain="%s"`, snap.Domain)
			out = append(out, gauge{"scrapectl_circuit_state", "Circuit breaker state (0=CLOSED,1=OPEN,2=HALF_OPEN)", float64(snap.State), labels})
			out = append(out, gauge{"scrapectl_circuit_failures", "Consecutive failure count", float64(snap.FailureCount), labels})
			out = append(out, gauge{"scrapectl_circuit_rejected_total", "Calls rejected while open", float64(snap.RejectedCalls), labels})
		}
	}

	if m.sources.Quota != nil {
		snap := m.sources.Quota.State()
		out = append(out, gauge{"scrapectl_quota_remaining", "Metered API calls remaining this month", float64(snap.Remaining), ""})
		out = append(out, gauge{"scrapectl_quota_used_month", "Metered API calls used this month", float64(snap.UsedThisMonth), ""})
		out = append(out, gauge{"scrapectl_quota_calls_today", "Metered API calls used today", float64(snap.CallsToday), ""})
		out = append(out, gauge{"scrapectl_quota_calls_hour", "Metered API calls used this hour", float64(snap.CallsThisHour), ""})
	}

	if m.sources.Health != nil {
		anomalies := m.sources.Health.RecentAnomalies()
		seen := make(map[string]bool)
		for i := len(anomalies) - 1; i >= 0; i-- {
			a := anomalies[i]
			labels := fmt.Sprintf(`metric="%s",direction="%s"`, a.Metric, a.Direction)
			if seen[labels] {
				continue
			}
			seen[labels] = true
			out = append(out, gauge{"scrapectl_anomaly_severity", "Most recent anomaly severity (0=none..4=critical)", float64(a.Severity), labels})
			out = append(out, gauge{"scrapectl_anomaly_zscore", "Most recent anomaly z-score", a.ZScore, labels})
		}
	}

	return out
}

// ServeHTTP serves the current snapshot in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	emitted := make(map[string]bool)
	for _, g := range m.collect() {
		if !emitted[g.name] {
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			emitted[g.name] = true
		}
		if g.labels == "" {
			fmt.Fprintf(w, "%s %g\n", g.name, g.value)
		} else {
			fmt.Fprintf(w, "%s{%s} %g\n", g.name, g.labels, g.value)
		}
	}
}

// StartServer starts the metrics HTTP server at path on port.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}
