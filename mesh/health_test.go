package mesh

import (
	"testing"
	"time"
)

func TestConnectionHealthHappyPath(t *testing.T) {
	health := NewConnectionHealth(RetryPolicy{})
	if health.State() != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %s", health.State())
	}
	if !health.MarkConnecting() {
		t.Fatalf("expected first attempt to be allowed")
	}
	if health.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", health.State())
	}
	health.MarkConnected()
	if health.State() != StateConnected {
		t.Fatalf("expected connected, got %s", health.State())
	}
}

func TestConnectionHealthDegradesThenDrops(t *testing.T) {
	health := NewConnectionHealth(RetryPolicy{MissedBeforeDrop: 2})
	health.MarkConnecting()
	health.MarkConnected()

	if state := health.MarkLivenessMissed(); state != StateDegraded {
		t.Fatalf("expected degraded after first miss, got %s", state)
	}
	if state := health.MarkLivenessMissed(); state != StateDisconnected {
		t.Fatalf("expected disconnected after repeated misses, got %s", state)
	}
}

func TestConnectionHealthRecoversFromDegraded(t *testing.T) {
	health := NewConnectionHealth(RetryPolicy{})
	health.MarkConnecting()
	health.MarkConnected()
	health.MarkLivenessMissed()
	health.MarkLivenessSeen()
	if health.State() != StateConnected {
		t.Fatalf("expected connected after liveness returned, got %s", health.State())
	}
}

func TestConnectionHealthAttemptBudget(t *testing.T) {
	health := NewConnectionHealth(RetryPolicy{MaxAttempts: 3})
	for i := 0; i < 3; i++ {
		if !health.MarkConnecting() {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
		health.MarkFailed()
	}
	if health.MarkConnecting() {
		t.Fatalf("expected attempt budget to be exhausted")
	}
	if !health.Exhausted() {
		t.Fatalf("expected Exhausted to report true")
	}
	health.ResetRetries()
	if !health.MarkConnecting() {
		t.Fatalf("expected attempts to be allowed again after reset")
	}
}

func TestBackoffCapsAndJitters(t *testing.T) {
	health := NewConnectionHealth(RetryPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 20,
	})
	health.jitter = func() float64 { return 0 }

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, want := range expected {
		health.MarkConnecting()
		if got := health.NextRetryIn(); got != want {
			t.Fatalf("attempt %d: expected backoff %s got %s", i+1, want, got)
		}
	}

	// With full jitter the delay grows by at most half and never exceeds the cap.
	health.jitter = func() float64 { return 1 }
	if got := health.NextRetryIn(); got != 10*time.Second {
		t.Fatalf("expected jittered delay to respect the cap, got %s", got)
	}
}

func TestBackoffJitterWithinBounds(t *testing.T) {
	health := NewConnectionHealth(RetryPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 5,
	})
	health.MarkConnecting()
	health.MarkConnecting()
	for i := 0; i < 50; i++ {
		got := health.NextRetryIn()
		if got < 2*time.Second || got > 3*time.Second {
			t.Fatalf("expected jittered delay in [2s,3s], got %s", got)
		}
	}
}
