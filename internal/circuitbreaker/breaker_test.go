package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	if !b.Allow("transfer") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("transfer")
	if b.Allow("transfer") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("transfer") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("transfer"))
	}
	// Other operations are unaffected.
	if !b.Allow("charge") {
		t.Fatal("charge should be independent of transfer")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("payout")
	if b.Allow("payout") {
		t.Fatal("should be open")
	}

	now = now.Add(2 * time.Minute)
	if !b.Allow("payout") {
		t.Fatal("should allow probe after cool-down")
	}
	if b.Allow("payout") {
		t.Fatal("only one probe allowed in half-open")
	}

	b.RecordSuccess("payout")
	if b.State("payout") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("payout"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("refund")
	now = now.Add(2 * time.Minute)
	b.Allow("refund")
	b.RecordFailure("refund")

	if b.State("refund") != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State("refund"))
	}
}

func TestBreaker_ExecuteIgnoresUncountedErrors(t *testing.T) {
	b := New(2, time.Minute)
	declined := errors.New("card_declined")
	unavailable := errors.New("gateway unavailable")
	countable := func(err error) bool { return !errors.Is(err, declined) }

	for i := 0; i < 5; i++ {
		if err := b.Execute("charge", func() error { return declined }, countable); !errors.Is(err, declined) {
			t.Fatalf("expected decline to pass through, got %v", err)
		}
	}
	if b.State("charge") != StateClosed {
		t.Fatal("declines must not trip the breaker")
	}

	_ = b.Execute("charge", func() error { return unavailable }, countable)
	_ = b.Execute("charge", func() error { return unavailable }, countable)

	if err := b.Execute("charge", func() error { return nil }, countable); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(100, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure("transfer")
			} else {
				b.RecordSuccess("transfer")
			}
			_ = b.Allow("transfer")
			_ = b.State("transfer")
		}(i)
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
