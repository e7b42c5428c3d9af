package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// testClock is a manually advanced clock so schedule math is deterministic.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 20, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSession is a scriptable automationSession.
type fakeSession struct {
	mu sync.Mutex

	counters     []int // successive ReadCounter results
	counterIdx   int
	countersOK   bool
	texts        map[string]string // target -> text
	clickErrs    []error           // successive Click results, nil-padded
	clickIdx     int
	navErr       error
	persistBytes []byte
	persistErr   error

	navigations int
	clicks      int
	closed      int
}

func newFakeSession() *fakeSession {
	return &fakeSession{countersOK: true, texts: map[string]string{}, persistBytes: []byte(`{"cookies":[]}`)}
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations++
	return s.navErr
}

func (s *fakeSession) ReadCounter(ctx context.Context, target string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.countersOK || len(s.counters) == 0 {
		return 0, false
	}
	idx := s.counterIdx
	if idx >= len(s.counters) {
		idx = len(s.counters) - 1
	}
	s.counterIdx++
	return s.counters[idx], true
}

func (s *fakeSession) ReadText(ctx context.Context, target string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.texts[target]
	return text, ok
}

func (s *fakeSession) Click(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks++
	if s.clickIdx < len(s.clickErrs) {
		err := s.clickErrs[s.clickIdx]
		s.clickIdx++
		return err
	}
	return nil
}

func (s *fakeSession) Persist(ctx context.Context) ([]byte, error) {
	return s.persistBytes, s.persistErr
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeCapability hands out scripted sessions, or errors.
type fakeCapability struct {
	mu       sync.Mutex
	sessions []*fakeSession
	errs     []error
	calls    int
}

func (c *fakeCapability) EstablishSession(ctx context.Context, identity Identity, restoreArtifact []byte) (automationSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	c.calls++
	if idx < len(c.errs) && c.errs[idx] != nil {
		return nil, c.errs[idx]
	}
	if len(c.sessions) == 0 {
		return newFakeSession(), nil
	}
	if idx >= len(c.sessions) {
		idx = len(c.sessions) - 1
	}
	return c.sessions[idx], nil
}

// memorySink collects recorded outcomes.
type memorySink struct {
	mu        sync.Mutex
	attempts  []voteAttempt
	throttles []throttleEvent
}

func (m *memorySink) RecordAttempt(a voteAttempt) {
	m.mu.Lock()
	m.attempts = append(m.attempts, a)
	m.mu.Unlock()
}

func (m *memorySink) RecordThrottleEvent(e throttleEvent) {
	m.mu.Lock()
	m.throttles = append(m.throttles, e)
	m.mu.Unlock()
}

func (m *memorySink) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

func (m *memorySink) lastAttempt() voteAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.attempts) == 0 {
		return voteAttempt{}
	}
	return m.attempts[len(m.attempts)-1]
}

// fakeIdentitySource dispenses scripted identities or errors.
type fakeIdentitySource struct {
	mu         sync.Mutex
	identities []Identity
	errs       []error
	calls      int
}

func (s *fakeIdentitySource) fetch(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return Identity{}, s.errs[idx]
	}
	if idx < len(s.identities) {
		return s.identities[idx], nil
	}
	return Identity{Address: "198.51.100.1", Server: "proxy:33335", Username: "u"}, nil
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.TargetURL = "https://contest.example/vote?id=42"
	cfg.ProviderRetryBaseSeconds = 0
	cfg.VoteResponseWaitSeconds = 0
	cfg.LaunchSpacingSeconds = 0
	return cfg
}

// newTestFleet builds a fleet on fakes without starting any monitors or
// worker goroutines.
func newTestFleet(t *testing.T, cfg Config, clock *testClock, capability automationCapability, sink outcomeSink) *Fleet {
	t.Helper()
	sessions, err := newSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	f := newFleet(cfg, fleetDeps{
		capability: capability,
		identities: newIdentityClient(cfg, &fakeIdentitySource{}, clock.Now),
		sink:       sink,
		sessions:   sessions,
		now:        clock.Now,
	})
	t.Cleanup(f.cancel)
	return f
}

func testAddress(id int) string {
	return fmt.Sprintf("198.51.100.%d", id)
}

// addTestWorker registers a worker without spawning its run loop, so tests
// drive cycleOnce directly.
func addTestWorker(f *Fleet, id int, address string) *Worker {
	identity := Identity{Address: address, Server: "proxy:33335", Username: "u", SessionLabel: "amber-falcon"}
	w := newWorker(id, identity, f)
	f.mu.Lock()
	f.workers[id] = w
	f.ownedIdentity[address] = id
	if id >= f.nextWorkerID {
		f.nextWorkerID = id + 1
	}
	f.mu.Unlock()
	return w
}
