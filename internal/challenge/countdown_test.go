package challenge

import (
	"testing"
	"time"
)

func TestCountdown_Seconds(t *testing.T) {
	clock := newManualClock()
	var cd countdown
	if got := cd.seconds(clock.Now()); got != 0 {
		t.Errorf("zero countdown seconds = %d, want 0", got)
	}
	if cd.running() || cd.C() != nil {
		t.Error("zero countdown should be stopped")
	}

	cd.start(clock, 90*time.Second)
	if !cd.running() {
		t.Fatal("started countdown should be running")
	}
	if got := cd.seconds(clock.Now()); got != 90 {
		t.Errorf("seconds = %d, want 90", got)
	}
	clock.Advance(500 * time.Millisecond)
	if got := cd.seconds(clock.Now()); got != 90 {
		t.Errorf("seconds after 0.5s = %d, want 90 (rounded up)", got)
	}
	clock.Advance(89*time.Second + 500*time.Millisecond)
	if got := cd.seconds(clock.Now()); got != 0 {
		t.Errorf("seconds at deadline = %d, want 0", got)
	}
	if !cd.elapsed(clock.Now()) {
		t.Error("elapsed should be true at the deadline")
	}
}

func TestCountdown_RestartStopsPreviousTicker(t *testing.T) {
	clock := newManualClock()
	var cd countdown
	cd.start(clock, time.Minute)
	cd.start(clock, time.Minute)
	if got := clock.running(); got != 1 {
		t.Errorf("running tickers = %d, want 1", got)
	}
	cd.reset()
	if got := clock.running(); got != 0 {
		t.Errorf("running tickers after reset = %d, want 0", got)
	}
	if !cd.deadline.IsZero() {
		t.Error("reset should clear the deadline")
	}
}

func TestCountdown_Extend(t *testing.T) {
	clock := newManualClock()
	var cd countdown
	cd.start(clock, 10*time.Second)
	cd.stop()

	cd.extend(clock, clock.Now().Add(5*time.Second))
	if got := cd.seconds(clock.Now()); got != 10 {
		t.Errorf("earlier extend moved deadline: seconds = %d, want 10", got)
	}
	if cd.running() {
		t.Error("earlier extend should not start a ticker")
	}

	cd.extend(clock, clock.Now().Add(30*time.Second))
	if got := cd.seconds(clock.Now()); got != 30 {
		t.Errorf("seconds = %d, want 30", got)
	}
	if !cd.running() {
		t.Error("extend into the future should start a ticker")
	}
	cd.reset()
}
