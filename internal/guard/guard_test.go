package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(time.Minute, nil)
	fail := func() error { return errors.New("bot down") }

	for i := 0; i < breakerFailureThreshold; i++ {
		if !b.Allow() {
			t.Fatalf("breaker blocked before threshold at failure %d", i)
		}
		if err := b.Execute(fail); err == nil {
			t.Fatal("execute swallowed the failure")
		}
	}

	if !b.Open() {
		t.Error("breaker closed after threshold failures")
	}
	if b.Allow() {
		t.Error("Allow passed with the circuit open")
	}
	if b.Trips() != 1 {
		t.Errorf("trips = %d", b.Trips())
	}
}

func TestBreakerSuccessKeepsCircuitClosed(t *testing.T) {
	b := NewBreaker(time.Minute, nil)
	for i := 0; i < 10; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if b.Open() || !b.Allow() {
		t.Error("successes opened the circuit")
	}
}

func TestBreakerReopenDelayDoubles(t *testing.T) {
	b := NewBreaker(10*time.Second, nil)
	now := time.Now()
	b.now = func() time.Time { return now }

	// Simulate repeated trips through the state-change hook.
	b.mu.Lock()
	b.trips = 2
	b.mu.Unlock()
	b.onStateChange("bot-interface", gobreaker.StateClosed, gobreaker.StateOpen)

	b.mu.Lock()
	resumeAt := b.resumeAt
	trips := b.trips
	b.mu.Unlock()
	if trips != 3 {
		t.Errorf("trips = %d", trips)
	}
	if want := now.Add(40 * time.Second); !resumeAt.Equal(want) {
		t.Errorf("resumeAt = %s, want %s", resumeAt, want)
	}
}

func TestStepLimiterTakeAndPeek(t *testing.T) {
	l := NewStepLimiter(2)

	if !l.CanTake() {
		t.Fatal("fresh limiter has no tokens")
	}
	if !l.Take() || !l.Take() {
		t.Fatal("burst tokens unavailable")
	}
	if l.CanTake() {
		t.Error("CanTake true with an empty bucket")
	}
	if l.Take() {
		t.Error("Take succeeded with an empty bucket")
	}
}

func TestStepLimiterDefaultsInvalidRate(t *testing.T) {
	l := NewStepLimiter(0)
	if !l.Take() {
		t.Error("defaulted limiter has no tokens")
	}
}
