package main

import (
	"context"
	"errors"
	"time"
)

// Named page targets the automation capability understands. How each target
// maps onto the remote markup is the capability's concern; the core only
// deals in these handles.
const (
	targetVoteButton     = "vote_button"
	targetVoteCounter    = "vote_counter"
	targetThrottleBanner = "throttle_banner"
	targetLoginPrompt    = "login_prompt"
	targetPageContent    = "page_content"
	targetStatusMessage  = "status_message"
)

var (
	errSessionClosed  = errors.New("automation session closed")
	errActionNotFound = errors.New("action control not found")
)

// Identity is a rotating outbound network address plus the session
// credentials that pin the upstream provider to that address. Exactly one
// live worker owns an identity at a time.
type Identity struct {
	Address      string `json:"address"`
	Server       string `json:"server"`
	Username     string `json:"username"`
	Password     string `json:"-"`
	SessionLabel string `json:"session_label"`
}

func (id Identity) fingerprint() string {
	return identityFingerprint(id.Address)
}

// automationCapability establishes browsing sessions bound to an identity.
// The concrete implementation (headless browser, remote driver, ...) lives
// outside the core; restoreArtifact is the opaque blob a previous session
// produced via Persist.
type automationCapability interface {
	EstablishSession(ctx context.Context, identity Identity, restoreArtifact []byte) (automationSession, error)
}

// automationSession is one live page-automation session. ReadCounter and
// ReadText return ok=false when the target cannot be located; Click returns
// errActionNotFound in that case. Close is idempotent and never panics past
// log-and-continue.
type automationSession interface {
	Navigate(ctx context.Context, url string) error
	ReadCounter(ctx context.Context, target string) (int, bool)
	ReadText(ctx context.Context, target string) (string, bool)
	Click(ctx context.Context, target string) error
	Persist(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// outcomeSink records every attempt the fleet makes. The vote store
// implements it; tests substitute an in-memory fake.
type outcomeSink interface {
	RecordAttempt(a voteAttempt)
	RecordThrottleEvent(e throttleEvent)
}

const (
	attemptStatusSuccess = "success"
	attemptStatusFailed  = "failed"
)

// voteAttempt is the persisted record of one action-cycle outcome.
type voteAttempt struct {
	WorkerID        int         `json:"worker_id"`
	IdentityHash    string      `json:"identity_hash"`
	SessionLabel    string      `json:"session_label"`
	ClickedAt       time.Time   `json:"clicked_at"`
	Status          string      `json:"status"` // "success" or "failed"
	Verified        bool        `json:"verified"`
	FailureType     failureType `json:"failure_type,omitempty"`
	FailureReason   string      `json:"failure_reason,omitempty"`
	CooldownMessage string      `json:"cooldown_message,omitempty"`
	InitialCount    int         `json:"initial_count"`
	FinalCount      int         `json:"final_count"`
	CountsReadable  bool        `json:"counts_readable"`
	ClickAttempts   int         `json:"click_attempts"`
	TotalVotes      int         `json:"total_votes"`
}

// throttleEvent is recorded when a global-scope throttle is detected.
type throttleEvent struct {
	DetectedAt      time.Time `json:"detected_at"`
	ReactivateAt    time.Time `json:"reactivate_at"`
	WorkerID        int       `json:"worker_id"`
	Message         string    `json:"message"`
	VotesBeforeHalt int       `json:"votes_before_halt"`
}
