package breaker

import (
	"errors"
	"testing"
	"time"
)

func testSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	}
}

func TestClosedAdmitsCalls(t *testing.T) {
	r := NewRegistry(testSettings())
	tok, ok := r.BeforeCall("example.com")
	if !ok {
		t.Fatal("expected admission in CLOSED state")
	}
	if tok.Domain != "example.com" {
		t.Errorf("expected token domain example.com, got %q", tok.Domain)
	}
	if got := r.State("example.com").State; got != Closed {
		t.Errorf("expected CLOSED, got %s", got)
	}
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	r := NewRegistry(testSettings())
	domain := "flaky.example.com"

	for i := 0; i < 3; i++ {
		if _, ok := r.BeforeCall(domain); !ok {
			t.Fatalf("call %d unexpectedly rejected before OPEN", i)
		}
		r.OnFailure(domain, errors.New("boom"))
	}

	if got := r.State(domain).State; got != Open {
		t.Fatalf("expected OPEN after %d failures, got %s", testSettings().FailureThreshold, got)
	}

	if _, ok := r.BeforeCall(domain); ok {
		t.Error("expected rejection while OPEN and before recovery timeout")
	}
	if snap := r.State(domain); snap.RejectedCalls != 1 {
		t.Errorf("expected 1 rejected call recorded, got %d", snap.RejectedCalls)
	}
}

func TestHalfOpenRecoversToClosed(t *testing.T) {
	settings := testSettings()
	r := NewRegistry(settings)
	domain := "recovering.example.com"

	for i := 0; i < settings.FailureThreshold; i++ {
		r.BeforeCall(domain)
		r.OnFailure(domain, errors.New("boom"))
	}
	if got := r.State(domain).State; got != Open {
		t.Fatalf("setup: expected OPEN, got %s", got)
	}

	time.Sleep(settings.RecoveryTimeout + 10*time.Millisecond)

	if _, ok := r.BeforeCall(domain); !ok {
		t.Fatal("expected probe admission after recovery timeout")
	}
	if got := r.State(domain).State; got != HalfOpen {
		t.Fatalf("expected HALF_OPEN after recovery timeout, got %s", got)
	}

	for i := 0; i < settings.SuccessThreshold; i++ {
		r.OnSuccess(domain)
	}
	if got := r.State(domain).State; got != Closed {
		t.Fatalf("expected CLOSED after %d successes, got %s", settings.SuccessThreshold, got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	settings := testSettings()
	r := NewRegistry(settings)
	domain := "relapse.example.com"

	for i := 0; i < settings.FailureThreshold; i++ {
		r.BeforeCall(domain)
		r.OnFailure(domain, errors.New("boom"))
	}
	time.Sleep(settings.RecoveryTimeout + 10*time.Millisecond)
	r.BeforeCall(domain) // transitions to HALF_OPEN

	r.OnFailure(domain, errors.New("probe failed"))
	if got := r.State(domain).State; got != Open {
		t.Fatalf("expected OPEN after half-open probe failure, got %s", got)
	}
}

func TestResetForcesClosed(t *testing.T) {
	settings := testSettings()
	r := NewRegistry(settings)
	domain := "manual.example.com"

	for i := 0; i < settings.FailureThreshold; i++ {
		r.BeforeCall(domain)
		r.OnFailure(domain, errors.New("boom"))
	}
	r.Reset(domain)
	if got := r.State(domain).State; got != Closed {
		t.Fatalf("expected CLOSED after Reset, got %s", got)
	}
	if _, ok := r.BeforeCall(domain); !ok {
		t.Error("expected admission after Reset")
	}
}

func TestOpenAllAffectsKnownDomains(t *testing.T) {
	r := NewRegistry(testSettings())
	r.BeforeCall("a.example.com")
	r.BeforeCall("b.example.com")

	r.OpenAll(time.Minute)

	if got := r.State("a.example.com").State; got != Open {
		t.Errorf("expected a.example.com OPEN, got %s", got)
	}
	if got := r.State("b.example.com").State; got != Open {
		t.Errorf("expected b.example.com OPEN, got %s", got)
	}
	if _, ok := r.BeforeCall("a.example.com"); ok {
		t.Error("expected a.example.com still rejecting immediately after OpenAll")
	}
}

func TestSnapshotsCoversAllDomains(t *testing.T) {
	r := NewRegistry(testSettings())
	r.BeforeCall("one.example.com")
	r.BeforeCall("two.example.com")

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}

func TestSuccessResetsFailureCountWhenClosed(t *testing.T) {
	r := NewRegistry(testSettings())
	domain := "wobbly.example.com"

	r.BeforeCall(domain)
	r.OnFailure(domain, errors.New("one"))
	r.BeforeCall(domain)
	r.OnSuccess(domain)

	// Two more failures should not open the breaker since the first failure
	// was cleared by the intervening success.
	r.BeforeCall(domain)
	r.OnFailure(domain, errors.New("two"))
	r.BeforeCall(domain)
	r.OnFailure(domain, errors.New("three"))

	if got := r.State(domain).State; got != Closed {
		t.Fatalf("expected still CLOSED, got %s", got)
	}
}

func TestStateStringer(t *testing.T) {
	cases := map[State]string{
		Closed:   "CLOSED",
		Open:     "OPEN",
		HalfOpen: "HALF_OPEN",
		State(9): "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
