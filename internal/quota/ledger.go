// Package quota implements the metered-API quota guard (C3): monthly/daily/
// hourly budget tracking with automatic monthly rollover and high-value-query
// gating, plus its persistence stores.
package quota

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// Snapshot is the persisted shape of a QuotaLedger. MongoStore stores it
// under the settings-store key space (§6): serpapi_monthly_quota,
// serpapi_used_quota, serpapi_remaining_quota, serpapi_last_reset_month,
// serpapi_last_reset_year, serpapi_daily_limit, serpapi_free_tier_mode,
// serpapi_high_value_queries_only. FileStore writes it as JSON keyed by
// the Go field names below.
type Snapshot struct {
	MonthlyQuota      int
	UsedThisMonth     int
	Remaining         int
	DailyLimit        int
	CallsToday        int
	HourlyLimit       int
	CallsThisHour     int
	LastHourlyReset   int // hour-of-day, 0-23
	LastDailyReset    string // YYYY-MM-DD
	LastResetMonth    int
	LastResetYear     int
	FreeTierMode      bool
	HighValueOnly     bool
}

// Store is the durable settings-store contract. The only state in the core
// that must survive process restarts flows through it.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Settings are the start-time config values for a fresh ledger.
type Settings struct {
	MonthlyQuota int
	FreeTierMode bool
	HighValueOnly bool
}

// Ledger is the process-wide QuotaLedger singleton. All updates flow
// through the single mutex around the whole struct — the simplest form of
// the single-writer discipline the invariant requires: admission decision
// and counter update happen atomically together.
type Ledger struct {
	mu sync.Mutex
	s  Snapshot

	store Store
	now   func() time.Time
}

// NewLedger constructs a ledger from settings, to be hydrated from the
// store via Load before first use.
func NewLedger(settings Settings, store Store) *Ledger {
	return &Ledger{
		s: Snapshot{
			MonthlyQuota:  settings.MonthlyQuota,
			Remaining:     settings.MonthlyQuota,
			FreeTierMode:  settings.FreeTierMode,
			HighValueOnly: settings.HighValueOnly,
		},
		store: store,
		now:   time.Now,
	}
}

// Load reads the persisted snapshot from the store, if any, and hydrates
// the ledger. Called once at startup (read-through).
func (l *Ledger) Load(ctx context.Context) error {
	snap, err := l.store.Load(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	l.mu.Lock()
	l.s = *snap
	l.mu.Unlock()
	return nil
}

// Persist writes the current snapshot back to the store (write-through
// after every scraping batch).
func (l *Ledger) Persist(ctx context.Context) error {
	l.mu.Lock()
	snap := l.s
	l.mu.Unlock()
	return l.store.Save(ctx, snap)
}

func daysInMonth(year int, month int) int {
	t := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC)
	return t.Day()
}

// maybeRollMonth performs the monthly transition if the wall clock month
// has advanced past the persisted last_reset_month/year. Caller holds l.mu.
// Idempotent: repeated calls within the same wall-clock month are no-ops.
func (l *Ledger) maybeRollMonth() {
	now := l.now()
	year, month := now.Year(), int(now.Month())

	if l.s.LastResetYear == year && l.s.LastResetMonth == month {
		return
	}

	l.s.UsedThisMonth = 0
	l.s.Remaining = l.s.MonthlyQuota
	l.s.LastResetMonth = month
	l.s.LastResetYear = year

	dayOfMonth := now.Day()
	daysRemaining := daysInMonth(year, month) - dayOfMonth + 1
	if daysRemaining < 1 {
		daysRemaining = 1
	}
	dailyLimit := int(math.Floor(float64(l.s.Remaining) / float64(daysRemaining) * 0.9))
	if dailyLimit < 1 {
		dailyLimit = 1
	}
	l.s.DailyLimit = dailyLimit

	hourlyLimit := dailyLimit / 24
	if hourlyLimit < 1 {
		hourlyLimit = 1
	}
	l.s.HourlyLimit = hourlyLimit
}

// maybeRollHourly resets calls_this_hour if the hour has changed.
// Caller holds l.mu.
func (l *Ledger) maybeRollHourly() {
	hour := l.now().Hour()
	if l.s.LastHourlyReset != hour {
		l.s.LastHourlyReset = hour
		l.s.CallsThisHour = 0
	}
}

// maybeRollDaily resets calls_today if the date has changed.
// Caller holds l.mu.
func (l *Ledger) maybeRollDaily() {
	date := l.now().Format("2006-01-02")
	if l.s.LastDailyReset != date {
		l.s.LastDailyReset = date
		l.s.CallsToday = 0
	}
}

// highValueSignals are substrings whose presence in a query's keywords
// marks it high-value. Matching any one is sufficient.
var highValueSignals = []string{
	"site:linkedin.com", "site:indeed.com", "site:glassdoor.com",
	"posted today", "posted: today", "last 24 hours",
	"vp ", "vice president", "director", "chief ", "c-level", "executive",
	"staff engineer", "principal engineer",
}

// IsHighValue reports whether a query's keywords match at least one
// high-value signal: a major-board site tag, a freshness token, an
// executive-level keyword, a known major employer, or a high-demand
// occupation.
func IsHighValue(keywords []string, knownMajorEmployers, highDemandOccupations []string) bool {
	joined := strings.ToLower(strings.Join(keywords, " "))
	for _, sig := range highValueSignals {
		if strings.Contains(joined, sig) {
			return true
		}
	}
	for _, employer := range knownMajorEmployers {
		if strings.Contains(joined, strings.ToLower(employer)) {
			return true
		}
	}
	for _, occ := range highDemandOccupations {
		if strings.Contains(joined, strings.ToLower(occ)) {
			return true
		}
	}
	return false
}

// TryAcquire performs the full per-call admission sequence: month/day/hour
// rollover, budget checks, and (if admitted) the atomic counter update, all
// under a single critical section.
func (l *Ledger) TryAcquire(highValue bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeRollMonth()
	l.maybeRollHourly()
	l.maybeRollDaily()

	if l.s.Remaining <= 0 {
		return false
	}
	if l.s.CallsToday >= l.s.DailyLimit {
		return false
	}
	if l.s.CallsThisHour >= l.s.HourlyLimit {
		return false
	}
	if l.s.FreeTierMode && l.s.HighValueOnly && !highValue {
		return false
	}

	l.s.UsedThisMonth++
	l.s.Remaining--
	l.s.CallsToday++
	l.s.CallsThisHour++
	return true
}

// State returns a consistent copy of the ledger state for readers.
func (l *Ledger) State() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s
}

// Remaining returns the current monthly remaining budget.
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s.Remaining
}
