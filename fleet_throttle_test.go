package main

import (
	"testing"
	"time"
)

func TestGlobalThrottlePausesEligibleWorkers(t *testing.T) {
	clock := newTestClock()
	sink := &memorySink{}
	f := newTestFleet(t, testConfig(), clock, &fakeCapability{}, sink)

	w1 := addTestWorker(f, 1, "198.51.100.1")
	w2 := addTestWorker(f, 2, "198.51.100.2")
	loginWorker := addTestWorker(f, 3, "198.51.100.3")
	loginWorker.exclude("login required")

	f.triggerGlobalThrottle(w1, "hourly voting limit")

	active, reactivateAt := f.throttleState()
	if !active {
		t.Fatalf("throttle flag not set")
	}
	if want := nextHourTop(clock.Now()); !reactivateAt.Equal(want) {
		t.Fatalf("reactivation at %v, want top of next hour %v", reactivateAt, want)
	}
	if !w1.isPaused() || !w1.isPausedForGlobalThrottle() {
		t.Fatalf("detecting worker not throttle-paused")
	}
	if !w2.isPaused() || !w2.isPausedForGlobalThrottle() {
		t.Fatalf("sibling worker not throttle-paused")
	}
	if loginWorker.isPausedForGlobalThrottle() {
		t.Fatalf("login-waiting worker must keep its own pause state")
	}
	if loginWorker.currentStatus() != statusPausedLogin {
		t.Fatalf("login-waiting worker status changed to %v", loginWorker.currentStatus())
	}

	sink.mu.Lock()
	events := len(sink.throttles)
	sink.mu.Unlock()
	if events != 1 {
		t.Fatalf("expected 1 throttle event recorded, got %d", events)
	}
}

func TestGlobalThrottleIdempotent(t *testing.T) {
	clock := newTestClock()
	sink := &memorySink{}
	f := newTestFleet(t, testConfig(), clock, &fakeCapability{}, sink)
	w1 := addTestWorker(f, 1, "198.51.100.1")
	w2 := addTestWorker(f, 2, "198.51.100.2")

	f.triggerGlobalThrottle(w1, "hourly voting limit")
	_, firstDeadline := f.throttleState()

	clock.Advance(10 * time.Minute)
	f.triggerGlobalThrottle(w2, "hourly voting limit")

	_, secondDeadline := f.throttleState()
	if !secondDeadline.Equal(firstDeadline) {
		t.Fatalf("second detection moved the deadline: %v -> %v", firstDeadline, secondDeadline)
	}
	sink.mu.Lock()
	events := len(sink.throttles)
	sink.mu.Unlock()
	if events != 1 {
		t.Fatalf("second detection recorded an extra event (%d total)", events)
	}
}

// Clearing the flag does not resume anyone; that is the auto-resume
// monitor's job.
func TestClearThrottleLeavesWorkersPaused(t *testing.T) {
	clock := newTestClock()
	f := newTestFleet(t, testConfig(), clock, &fakeCapability{}, &memorySink{})
	w := addTestWorker(f, 1, "198.51.100.1")

	f.triggerGlobalThrottle(w, "hourly voting limit")

	if f.clearThrottleIfDue() {
		t.Fatalf("throttle cleared before its deadline")
	}
	clock.Advance(time.Hour)
	if !f.clearThrottleIfDue() {
		t.Fatalf("throttle not cleared after deadline")
	}
	if active, _ := f.throttleState(); active {
		t.Fatalf("flag still set after clear")
	}
	if !w.isPaused() {
		t.Fatalf("clearing the flag must not resume workers")
	}
}

func TestWorkerLaunchedDuringThrottleStartsPaused(t *testing.T) {
	clock := newTestClock()
	f := newTestFleet(t, testConfig(), clock, &fakeCapability{}, &memorySink{})
	w := addTestWorker(f, 1, "198.51.100.1")
	f.triggerGlobalThrottle(w, "hourly voting limit")

	late, err := f.startWorker(Identity{Address: "198.51.100.9", Server: "p:1", Username: "u"}, nil)
	if err != nil {
		t.Fatalf("startWorker: %v", err)
	}
	if !late.isPaused() || !late.isPausedForGlobalThrottle() {
		t.Fatalf("worker launched mid-throttle must start throttle-paused")
	}
}

func TestStartWorkerRejectsDuplicateIdentity(t *testing.T) {
	clock := newTestClock()
	f := newTestFleet(t, testConfig(), clock, &fakeCapability{}, &memorySink{})
	addTestWorker(f, 1, "198.51.100.1")

	if _, err := f.startWorker(Identity{Address: "198.51.100.1", Server: "p:1", Username: "u"}, nil); err == nil {
		t.Fatalf("duplicate identity accepted")
	}
}
