package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

var (
	errLaunchGateTimeout = errors.New("launch admission gate timed out")
	errFleetStopped      = errors.New("fleet is stopped")
	errDuplicateIdentity = errors.New("identity already owned by a live worker")
)

// Fleet owns every worker: it acquires identities, admits session launches
// through the sized gate, tracks the global throttle, and fans worker state
// changes out to the status surface and event feed.
type Fleet struct {
	cfg        Config
	capability automationCapability
	identities *identityClient
	sink       outcomeSink
	sessions   *sessionStore
	feed       *eventFeed
	notifier   *discordNotifier
	now        func() time.Time

	launchGate sizedwaitgroup.SizedWaitGroup
	spacer     *launchSpacer

	mu            sync.Mutex
	workers       map[int]*Worker
	ownedIdentity map[string]int // identity address -> worker id
	nextWorkerID  int
	stopped       bool

	throttleMu         sync.Mutex
	throttleActive     bool
	throttleReactivate time.Time
	throttleSetAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type fleetDeps struct {
	capability automationCapability
	identities *identityClient
	sink       outcomeSink
	sessions   *sessionStore
	feed       *eventFeed
	notifier   *discordNotifier
	now        func() time.Time
}

func newFleet(cfg Config, deps fleetDeps) *Fleet {
	now := deps.now
	if now == nil {
		now = time.Now
	}
	f := &Fleet{
		cfg:           cfg,
		capability:    deps.capability,
		identities:    deps.identities,
		sink:          deps.sink,
		sessions:      deps.sessions,
		feed:          deps.feed,
		notifier:      deps.notifier,
		now:           now,
		launchGate:    sizedwaitgroup.New(cfg.LaunchConcurrency),
		spacer:        newLaunchSpacer(cfg.launchSpacing(), now),
		workers:       make(map[int]*Worker),
		ownedIdentity: make(map[string]int),
		nextWorkerID:  1,
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f
}

// Start restores saved sessions and begins the monitor loops. Workers are
// added afterwards via LaunchWorkers or the control surface.
func (f *Fleet) Start() {
	restored := f.restoreSavedSessions()
	if restored > 0 {
		logger.Info("restored saved worker sessions", "count", restored)
	}

	autoResume := newAutoResumeMonitor(f)
	health := newSessionHealthMonitor(f)
	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		autoResume.run(f.ctx)
	}()
	go func() {
		defer f.wg.Done()
		health.run(f.ctx)
	}()
}

// Stop cancels every worker and monitor and waits for them to exit. Each
// worker's session is reclaimed by its own cycle on the way out.
func (f *Fleet) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.cancel()
	f.wg.Wait()
}

// LaunchWorkers brings count new workers into the fleet, each with a fresh
// identity. Failures after the first worker are logged and skipped so one
// bad acquisition does not abort the whole batch.
func (f *Fleet) LaunchWorkers(ctx context.Context, count int) (int, error) {
	launched := 0
	for i := 0; i < count; i++ {
		if _, err := f.LaunchOne(ctx); err != nil {
			if launched == 0 {
				return 0, err
			}
			logger.Warn("worker launch failed mid-batch", "launched", launched, "error", err)
			return launched, nil
		}
		launched++
	}
	return launched, nil
}

// LaunchOne acquires a fresh identity, creates a worker for it and starts
// its cycle. The provider occasionally hands back an address a live worker
// already owns; those are rejected and re-acquired a few times before giving
// up.
func (f *Fleet) LaunchOne(ctx context.Context) (*Worker, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.ProviderMaxRetries; attempt++ {
		identity, err := f.identities.acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring identity: %w", err)
		}
		w, err := f.startWorker(identity, nil)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, errDuplicateIdentity) {
			return nil, err
		}
		logger.Warn("provider returned an owned identity, re-acquiring",
			"identity", identity.fingerprint())
		lastErr = err
	}
	return nil, lastErr
}

// startWorker registers a worker under the next sequential ID and spawns its
// cycle goroutine. The identity address must not already be owned.
func (f *Fleet) startWorker(identity Identity, saved *sessionInfo) (*Worker, error) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil, errFleetStopped
	}
	if ownerID, taken := f.ownedIdentity[identity.Address]; taken {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: address %s held by worker %d",
			errDuplicateIdentity, identityFingerprint(identity.Address), ownerID)
	}
	id := f.nextWorkerID
	if saved != nil && saved.WorkerID > 0 {
		// Keep the persisted ID whenever it is free so the worker's future
		// session saves land in the directory it was restored from.
		if _, live := f.workers[saved.WorkerID]; !live {
			id = saved.WorkerID
		}
	}
	if id >= f.nextWorkerID {
		f.nextWorkerID = id + 1
	}
	w := newWorker(id, identity, f)
	if saved != nil {
		w.adoptSavedState(*saved)
	}
	f.workers[id] = w
	f.ownedIdentity[identity.Address] = id
	f.mu.Unlock()

	// A worker launched during an active global throttle starts paused and
	// waits for the auto-resume monitor like everyone else.
	if active, _ := f.throttleState(); active {
		w.pause(statusPausedGlobalThrottle, true)
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		w.run(f.ctx)
	}()

	logger.Info("worker started",
		"worker", w.id,
		"identity", identity.fingerprint(),
		"label", identity.SessionLabel,
		"restored", saved != nil)
	f.publishWorkerEvent(w)
	return w, nil
}

// LaunchFromSaved revives a single saved session as a live worker. Fails if
// that worker ID is already running or nothing is saved under it.
func (f *Fleet) LaunchFromSaved(workerID int) (*Worker, error) {
	if f.sessions == nil {
		return nil, errors.New("session store not configured")
	}
	if _, running := f.worker(workerID); running {
		return nil, fmt.Errorf("worker %d is already running", workerID)
	}
	saved, err := f.sessions.load(workerID)
	if err != nil {
		return nil, err
	}
	info := saved.Info
	identity := Identity{
		Address:      info.IdentityAddress,
		Server:       info.IdentityServer,
		Username:     info.IdentityUser,
		SessionLabel: info.SessionLabel,
	}
	if identity.Address == "" {
		return nil, fmt.Errorf("saved session for worker %d has no identity", workerID)
	}
	return f.startWorker(identity, &info)
}

// restoreSavedSessions scans the session store and recreates one worker per
// saved artifact, seeding counters so restored workers honor their previous
// cooldowns. Returns the number restored.
func (f *Fleet) restoreSavedSessions() int {
	if f.sessions == nil {
		return 0
	}
	saved, err := f.sessions.list()
	if err != nil {
		logger.Error("scanning saved sessions", "error", err)
		return 0
	}
	restored := 0
	for i := range saved {
		info := saved[i].Info
		identity := Identity{
			Address:      info.IdentityAddress,
			Server:       info.IdentityServer,
			Username:     info.IdentityUser,
			SessionLabel: info.SessionLabel,
		}
		if identity.Address == "" {
			logger.Warn("saved session missing identity, skipping", "worker", info.WorkerID)
			continue
		}
		if _, err := f.startWorker(identity, &info); err != nil {
			logger.Warn("could not restore saved worker", "worker", info.WorkerID, "error", err)
			continue
		}
		restored++
	}
	return restored
}

// admitLaunch gates session establishment: at most LaunchConcurrency
// concurrent establishments, spaced launchSpacing apart, with a bounded wait
// for the gate itself. The returned release func must be called exactly once
// when establishment finishes (success or failure).
func (f *Fleet) admitLaunch(ctx context.Context) (release func(), err error) {
	gateCtx, cancel := context.WithTimeout(ctx, f.cfg.launchGateTimeout())
	defer cancel()
	if err := f.launchGate.AddWithContext(gateCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errLaunchGateTimeout
	}
	if !f.spacer.wait(ctx) {
		f.launchGate.Done()
		return nil, ctx.Err()
	}
	return f.launchGate.Done, nil
}

func (f *Fleet) worker(id int) (*Worker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	return w, ok
}

func (f *Fleet) allWorkers() []*Worker {
	f.mu.Lock()
	out := make([]*Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (f *Fleet) workerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

// recordAttempt persists the attempt, bumps milestone notifications and
// saves the worker's session artifact after verified successes.
func (f *Fleet) recordAttempt(w *Worker, a voteAttempt) {
	if f.sink != nil {
		f.sink.RecordAttempt(a)
	}
	f.publishAttemptEvent(a)
	if a.Status == attemptStatusSuccess && f.notifier != nil {
		f.notifier.voteMilestone(a.WorkerID, a.TotalVotes)
	}
}

func (f *Fleet) publishWorkerEvent(w *Worker) {
	if f.feed == nil {
		return
	}
	f.feed.publish(feedTopicWorker, w.snapshot())
}

func (f *Fleet) publishAttemptEvent(a voteAttempt) {
	if f.feed == nil {
		return
	}
	f.feed.publish(feedTopicAttempt, a)
}

// saveWorkerSession persists the live session artifact plus sidecar for
// crash-safe resume. Called after every verified vote and on graceful
// teardown paths that still hold a healthy session.
func (f *Fleet) saveWorkerSession(w *Worker, artifact []byte) {
	if f.sessions == nil {
		return
	}
	snap := w.snapshot()
	info := sessionInfo{
		WorkerID:        snap.ID,
		IdentityAddress: w.identity.Address,
		IdentityServer:  w.identity.Server,
		IdentityUser:    w.identity.Username,
		SessionLabel:    w.identity.SessionLabel,
		VoteCount:       snap.VoteCount,
		LastVoteTime:    snap.LastVoteTime,
		SavedAt:         f.now(),
	}
	if err := f.sessions.save(info, artifact); err != nil {
		logger.Error("saving session artifact", "worker", w.id, "error", err)
		return
	}
	logger.Debug("session artifact saved", "worker", w.id)
}
