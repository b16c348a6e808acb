package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNewDomainStartsAtInitialDelay(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	snap := l.State("fresh.example.com")
	if snap.CurrentDelayMs != float64(initialDelay.Milliseconds()) {
		t.Errorf("expected initial delay %v, got %v", initialDelay.Milliseconds(), snap.CurrentDelayMs)
	}
}

func TestRecordSuccessDecaysDelay(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	domain := "success.example.com"

	before := l.State(domain).CurrentDelayMs
	l.RecordSuccess(domain, 100*time.Millisecond)
	after := l.State(domain).CurrentDelayMs

	if after >= before {
		t.Errorf("expected delay to decay after success, before=%v after=%v", before, after)
	}
	want := before * 0.9
	if after != want {
		t.Errorf("expected delay %v (0.9x), got %v", want, after)
	}
}

func TestRecordSuccessClampsToMinDelay(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	domain := "floor.example.com"

	for i := 0; i < 200; i++ {
		l.RecordSuccess(domain, 50*time.Millisecond)
	}
	got := l.State(domain).CurrentDelayMs
	if got < float64(minDelay.Milliseconds()) {
		t.Errorf("delay %v fell below floor %v", got, minDelay.Milliseconds())
	}
}

func TestRecordFailureGrowsDelay(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	domain := "failure.example.com"

	before := l.State(domain).CurrentDelayMs
	l.RecordFailure(domain, false)
	after := l.State(domain).CurrentDelayMs

	want := before * 1.2
	if after != want {
		t.Errorf("expected delay %v (1.2x), got %v", want, after)
	}
}

func TestRecordFailureBlockedGrowsDelayFaster(t *testing.T) {
	l := NewLimiter(DefaultSettings())

	l.RecordFailure("normal.example.com", false)
	l.RecordFailure("blocked.example.com", true)

	normal := l.State("normal.example.com").CurrentDelayMs
	blocked := l.State("blocked.example.com").CurrentDelayMs

	if blocked <= normal {
		t.Errorf("expected blocked penalty (%v) to exceed normal penalty (%v)", blocked, normal)
	}
	if l.State("blocked.example.com").BlockCount != 1 {
		t.Error("expected block count incremented")
	}
	if l.State("blocked.example.com").LastBlockAt.IsZero() {
		t.Error("expected lastBlockAt stamped")
	}
}

func TestRecordFailureClampsToMaxDelay(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	domain := "ceiling.example.com"

	for i := 0; i < 50; i++ {
		l.RecordFailure(domain, true)
	}
	got := l.State(domain).CurrentDelayMs
	if got > float64(maxDelay.Milliseconds()) {
		t.Errorf("delay %v exceeded ceiling %v", got, maxDelay.Milliseconds())
	}
}

func TestWidenDelayMultipliesAndClamps(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	domain := "widen.example.com"

	before := l.State(domain).CurrentDelayMs
	l.WidenDelay(domain, 2.0)
	after := l.State(domain).CurrentDelayMs

	if after != before*2.0 {
		t.Errorf("expected delay doubled to %v, got %v", before*2.0, after)
	}

	l.WidenDelay(domain, 1000.0)
	if got := l.State(domain).CurrentDelayMs; got > float64(maxDelay.Milliseconds()) {
		t.Errorf("expected clamp to ceiling, got %v", got)
	}
}

func TestDomainsListsAllTracked(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	l.RecordSuccess("a.example.com", time.Millisecond)
	l.RecordSuccess("b.example.com", time.Millisecond)

	domains := l.Domains()
	if len(domains) != 2 {
		t.Fatalf("expected 2 tracked domains, got %d", len(domains))
	}
}

func TestAwaitAbortsPromptlyOnCancellation(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := l.Await(ctx, "cancelled.example.com", 5)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("expected prompt abort, took %v despite 1s default delay", elapsed)
	}
}

func TestAwaitDoesNotConsumeFairnessTokenOnCancel(t *testing.T) {
	l := NewLimiter(DefaultSettings())
	domain := "fairness.example.com"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = l.Await(ctx, domain, 5)

	// A second, non-cancelled Await should still be able to proceed once its
	// own delay elapses rather than being blocked indefinitely behind the
	// first caller's abandoned slot.
	done := make(chan error, 1)
	go func() {
		done <- l.Await(context.Background(), domain, 1)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Await never completed")
	}
}

func TestSuccessRateAssumesOnTargetWithNoData(t *testing.T) {
	d := &domainStats{}
	if got := successRate(d); got != targetSuccessRate {
		t.Errorf("expected default success rate %v, got %v", targetSuccessRate, got)
	}
}

func TestAverageMsOfEmptySamples(t *testing.T) {
	if got := averageMs(nil); got != 0 {
		t.Errorf("expected 0 for empty samples, got %v", got)
	}
}
