package main

import (
	"context"
	"time"
)

// throttleState reports whether a global throttle is active and, if so, the
// reactivation deadline.
func (f *Fleet) throttleState() (bool, time.Time) {
	f.throttleMu.Lock()
	defer f.throttleMu.Unlock()
	return f.throttleActive, f.throttleReactivate
}

// nextHourTop returns the top of the hour after t. A throttle detected at
// any point inside an hour lifts when that hour rolls over.
func nextHourTop(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}

// triggerGlobalThrottle halts the fleet after a worker saw a global-scope
// banner. Idempotent: while a throttle is already active, later detections
// only log. The first detection pauses every eligible worker, records the
// event, notifies, and arms the deadline watcher.
//
// Workers waiting on login and already-excluded workers keep their own pause
// state; everyone else is paused for the throttle and released together by
// the auto-resume monitor once the deadline passes.
func (f *Fleet) triggerGlobalThrottle(detectedBy *Worker, message string) {
	now := f.now()
	reactivateAt := nextHourTop(now)

	f.throttleMu.Lock()
	if f.throttleActive {
		f.throttleMu.Unlock()
		logger.Debug("global throttle already active, detection ignored",
			"worker", detectedBy.id)
		return
	}
	f.throttleActive = true
	f.throttleReactivate = reactivateAt
	f.throttleSetAt = now
	f.throttleMu.Unlock()

	paused := 0
	totalVotes := 0
	for _, w := range f.allWorkers() {
		snap := w.snapshot()
		totalVotes += snap.VoteCount
		if w.isExcluded() || w.isWaitingForLogin() {
			continue
		}
		w.pause(statusPausedGlobalThrottle, true)
		paused++
	}

	logger.Warn("global throttle detected, fleet paused",
		"worker", detectedBy.id,
		"paused", paused,
		"reactivate_at", reactivateAt.Format(time.RFC3339),
		"message", message)

	evt := throttleEvent{
		DetectedAt:      now,
		ReactivateAt:    reactivateAt,
		WorkerID:        detectedBy.id,
		Message:         message,
		VotesBeforeHalt: totalVotes,
	}
	if f.sink != nil {
		f.sink.RecordThrottleEvent(evt)
	}
	if f.feed != nil {
		f.feed.publish(feedTopicThrottle, evt)
	}
	if f.notifier != nil {
		f.notifier.globalThrottle(evt)
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.watchThrottleDeadline(f.ctx, reactivateAt)
	}()
}

// watchThrottleDeadline clears the throttle flag once the deadline passes.
// Clearing is all it does: actually releasing workers belongs to the
// auto-resume monitor, which unblocks one worker per tick so the fleet
// re-enters gradually instead of stampeding the launch gate.
func (f *Fleet) watchThrottleDeadline(ctx context.Context, reactivateAt time.Time) {
	delay := reactivateAt.Sub(f.now())
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	f.clearThrottleIfDue()
}

// clearThrottleIfDue drops the throttle flag if its deadline has passed.
// Safe to call from the watcher and from monitor ticks alike.
func (f *Fleet) clearThrottleIfDue() bool {
	f.throttleMu.Lock()
	defer f.throttleMu.Unlock()
	if !f.throttleActive {
		return false
	}
	if f.now().Before(f.throttleReactivate) {
		return false
	}
	f.throttleActive = false
	logger.Info("global throttle window passed, flag cleared",
		"was_set_at", f.throttleSetAt.Format(time.RFC3339))
	return true
}

// throttleAge reports how long the current throttle has been active. ok is
// false when no throttle is active.
func (f *Fleet) throttleAge() (time.Duration, bool) {
	f.throttleMu.Lock()
	defer f.throttleMu.Unlock()
	if !f.throttleActive {
		return 0, false
	}
	return f.now().Sub(f.throttleSetAt), true
}
