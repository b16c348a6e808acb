// Package health implements the health & anomaly monitor (C8): bounded
// rolling histories for four global metrics, z-score anomaly detection
// against each metric's own history, and the corrective actions the spec
// wires back into the circuit breaker registry, rate limiter, and worker
// set.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/nullvector/scrapectl/internal/breaker"
	"github.com/nullvector/scrapectl/internal/ratelimit"
)

// Metric names the monitor tracks.
const (
	MetricSuccessRate   = "success_rate"
	MetricAvgResponseMs = "avg_response_time_ms"
	MetricJobsPerTask   = "jobs_per_task"
	MetricErrorRate     = "error_rate"
)

const (
	minHistorySamples = 10
	maxHistorySamples = 100
	minHistoryFloor   = 30
)

// Severity classifies an anomaly's |z-score|.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// classify maps |z| to the §4.8 severity table.
func classify(z float64) Severity {
	abs := z
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 3.0:
		return SeverityCritical
	case abs >= 2.5:
		return SeverityHigh
	case abs >= 2.0:
		return SeverityMedium
	case abs >= 1.5:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// Anomaly describes one detected deviation.
type Anomaly struct {
	Metric    string
	Value     float64
	Mean      float64
	StdDev    float64
	ZScore    float64
	Direction string // "up" or "down"
	Severity  Severity
	At        time.Time
}

// rollingMetric is a bounded FIFO of samples for one metric.
type rollingMetric struct {
	mu      sync.Mutex
	samples []float64
	cap     int
}

func newRollingMetric(capacity int) *rollingMetric {
	if capacity < minHistoryFloor {
		capacity = minHistoryFloor
	}
	if capacity > maxHistorySamples {
		capacity = maxHistorySamples
	}
	return &rollingMetric{cap: capacity}
}

func (m *rollingMetric) record(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, v)
	if len(m.samples) > m.cap {
		m.samples = m.samples[len(m.samples)-m.cap:]
	}
}

// evaluate computes the z-score of the latest sample against the full
// history (including the latest sample itself), returning ok=false if
// fewer than minHistorySamples are available.
func (m *rollingMetric) evaluate() (z, mean, stddev, latest float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < minHistorySamples {
		return 0, 0, 0, 0, false
	}

	data := stats.Float64Data(append([]float64(nil), m.samples...))
	mean, _ = stats.Mean(data)
	stddev, _ = stats.StandardDeviation(data)
	latest = m.samples[len(m.samples)-1]

	if stddev == 0 {
		return 0, mean, stddev, latest, true
	}
	return (latest - mean) / stddev, mean, stddev, latest, true
}

// CorrectiveActions is the narrow capability set the monitor reaches back
// into. The monitor never holds the orchestrator itself, only these hooks.
type CorrectiveActions struct {
	Breakers      *breaker.Registry
	Limiter       *ratelimit.Limiter
	ScaleDown     func(workers int)
	RotateProxies func()
	AlertOperator func(msg string, anomaly Anomaly)
}

// openAllCooldown is how long a critical error-rate spike preemptively
// opens every known circuit for (§4.8).
const openAllCooldown = 5 * time.Minute

// widenFactor is applied to every tracked domain's current delay when
// success_rate drops sharply.
const widenFactor = 2.0

// scaleDownStep is how many workers ScaleDown trims on a high+ response
// time regression.
const scaleDownStep = 5

// Monitor owns the four rolling metrics and per-worker/per-domain liveness
// tracking, and drives corrective actions on a 60s tick.
type Monitor struct {
	logger  *slog.Logger
	actions CorrectiveActions

	metrics map[string]*rollingMetric

	mu         sync.Mutex
	workers    map[int]time.Time   // worker id -> last heartbeat
	domainTrend map[string][]bool  // domain -> bounded recent success/failure
	anomalies  []Anomaly
}

// New constructs a Monitor wired to actions.
func New(actions CorrectiveActions, logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:  logger.With("component", "health_monitor"),
		actions: actions,
		metrics: map[string]*rollingMetric{
			MetricSuccessRate:   newRollingMetric(maxHistorySamples),
			MetricAvgResponseMs: newRollingMetric(maxHistorySamples),
			MetricJobsPerTask:   newRollingMetric(maxHistorySamples),
			MetricErrorRate:     newRollingMetric(maxHistorySamples),
		},
		workers:     make(map[int]time.Time),
		domainTrend: make(map[string][]bool),
	}
}

// RecordSuccessRate, RecordAvgResponseMs, RecordJobsPerTask, and
// RecordErrorRate feed the four tracked metrics; the orchestrator/worker
// set calls these after each task completion.
func (m *Monitor) RecordSuccessRate(v float64)   { m.metrics[MetricSuccessRate].record(v) }
func (m *Monitor) RecordAvgResponseMs(v float64) { m.metrics[MetricAvgResponseMs].record(v) }
func (m *Monitor) RecordJobsPerTask(v float64)   { m.metrics[MetricJobsPerTask].record(v) }
func (m *Monitor) RecordErrorRate(v float64)     { m.metrics[MetricErrorRate].record(v) }

// Heartbeat records worker id as alive at the current time.
func (m *Monitor) Heartbeat(workerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[workerID] = time.Now()
}

// LiveWorkers returns worker ids that have heartbeat within staleAfter.
func (m *Monitor) LiveWorkers(staleAfter time.Duration) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var live []int
	for id, last := range m.workers {
		if now.Sub(last) <= staleAfter {
			live = append(live, id)
		}
	}
	return live
}

const domainTrendWindow = 50

// RecordDomainOutcome tracks a bounded recent success/failure trend per
// domain.
func (m *Monitor) RecordDomainOutcome(domain string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trend := append(m.domainTrend[domain], success)
	if len(trend) > domainTrendWindow {
		trend = trend[len(trend)-domainTrendWindow:]
	}
	m.domainTrend[domain] = trend
}

// DomainSuccessTrend returns the recent success ratio for domain, or -1 if
// no data yet.
func (m *Monitor) DomainSuccessTrend(domain string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	trend := m.domainTrend[domain]
	if len(trend) == 0 {
		return -1
	}
	successes := 0
	for _, ok := range trend {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(trend))
}

// Run ticks every 60s (or interval) until ctx is canceled, evaluating every
// metric and triggering corrective actions.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	for name, rm := range m.metrics {
		z, mean, stddev, latest, ok := rm.evaluate()
		if !ok {
			continue
		}
		severity := classify(z)
		if severity == SeverityNone {
			continue
		}

		direction := "up"
		if z < 0 {
			direction = "down"
		}

		anomaly := Anomaly{
			Metric:    name,
			Value:     latest,
			Mean:      mean,
			StdDev:    stddev,
			ZScore:    z,
			Direction: direction,
			Severity:  severity,
			At:        time.Now(),
		}

		m.mu.Lock()
		m.anomalies = append(m.anomalies, anomaly)
		if len(m.anomalies) > maxHistorySamples {
			m.anomalies = m.anomalies[len(m.anomalies)-maxHistorySamples:]
		}
		m.mu.Unlock()

		m.react(anomaly)
	}
}

// react applies the §4.8 corrective-action table, keyed on
// (metric, direction, severity).
func (m *Monitor) react(a Anomaly) {
	highOrAbove := a.Severity == SeverityHigh || a.Severity == SeverityCritical

	switch {
	case a.Metric == MetricSuccessRate && a.Direction == "down" && highOrAbove:
		m.logger.Warn("success rate anomaly: rotating proxies and widening rate limits", "z", a.ZScore, "severity", a.Severity)
		if m.actions.RotateProxies != nil {
			m.actions.RotateProxies()
		}
		if m.actions.Limiter != nil {
			for _, domain := range m.actions.Limiter.Domains() {
				m.actions.Limiter.WidenDelay(domain, widenFactor)
			}
		}
		m.alert(a)

	case a.Metric == MetricAvgResponseMs && a.Direction == "up" && highOrAbove:
		m.logger.Warn("response time anomaly: scaling workers down", "z", a.ZScore, "severity", a.Severity)
		if m.actions.ScaleDown != nil {
			m.actions.ScaleDown(scaleDownStep)
		}

	case a.Metric == MetricJobsPerTask && a.Direction == "down" && highOrAbove:
		m.logger.Warn("jobs-per-task anomaly: possible selector/format drift", "z", a.ZScore, "severity", a.Severity)
		m.alert(a)

	case a.Metric == MetricErrorRate && a.Direction == "up" && a.Severity == SeverityCritical:
		m.logger.Error("error rate critical: opening all circuits preemptively", "z", a.ZScore)
		if m.actions.Breakers != nil {
			m.actions.Breakers.OpenAll(openAllCooldown)
		}
		m.alert(a)
	}
}

func (m *Monitor) alert(a Anomaly) {
	if m.actions.AlertOperator != nil {
		m.actions.AlertOperator("anomaly detected", a)
	}
}

// RecentAnomalies returns a snapshot of the most recently detected
// anomalies, for observability export.
func (m *Monitor) RecentAnomalies() []Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Anomaly, len(m.anomalies))
	copy(out, m.anomalies)
	return out
}
