package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("stripe") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("stripe"))
	}
	if !b.Allow("manual") {
		t.Fatal("other keys are unaffected")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("should be open")
	}

	clock.advance(time.Minute)
	if !b.Allow("stripe") {
		t.Fatal("should admit one probe after cooldown")
	}
	if b.Allow("stripe") {
		t.Fatal("second request during probe should be rejected")
	}

	b.RecordSuccess("stripe")
	if b.State("stripe") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("stripe"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure("stripe")
	clock.advance(time.Minute)
	_ = b.Allow("stripe")

	b.RecordFailure("stripe")
	if b.State("stripe") != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State("stripe"))
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("boom")

	before := testutil.ToFloat64(stateTransitions.WithLabelValues("exec", "closed", "open"))
	for i := 0; i < 2; i++ {
		if err := b.Execute("exec", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}
	called := false
	err := b.Execute("exec", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
	if got := testutil.ToFloat64(stateTransitions.WithLabelValues("exec", "closed", "open")) - before; got != 1 {
		t.Fatalf("expected one closed->open transition, got %v", got)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", s, s.String(), want)
		}
	}
}
