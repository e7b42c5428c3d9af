package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// remoteAutomationCapability drives browsing sessions through an external
// automation agent (a headless-browser sidecar) over a small JSON HTTP API.
// The agent owns the actual page automation; this adapter only moves named
// targets, counters and artifacts back and forth, so the core never sees
// markup.
//
//	POST   /sessions                {identity, restore_artifact} -> {ok}
//	POST   /sessions/{id}/navigate  {url}
//	POST   /sessions/{id}/read      {target} -> {found, counter, text}
//	POST   /sessions/{id}/click     {target} -> {found}
//	GET    /sessions/{id}/artifact  -> opaque bytes
//	DELETE /sessions/{id}
type remoteAutomationCapability struct {
	baseURL string
	client  *http.Client
}

func newRemoteAutomationCapability(cfg Config) *remoteAutomationCapability {
	return &remoteAutomationCapability{
		baseURL: strings.TrimRight(cfg.AutomationDriverURL, "/"),
		client: &http.Client{
			Timeout: time.Duration(cfg.SessionTeardownStepSeconds) * time.Second * 3,
		},
	}
}

type establishRequest struct {
	SessionID       string   `json:"session_id"`
	Identity        Identity `json:"identity"`
	ProxyPassword   string   `json:"proxy_password"`
	RestoreArtifact []byte   `json:"restore_artifact,omitempty"`
}

type readRequest struct {
	Target string `json:"target"`
}

type readResponse struct {
	Found   bool   `json:"found"`
	Counter int    `json:"counter"`
	Text    string `json:"text"`
}

type clickResponse struct {
	Found bool `json:"found"`
}

func (c *remoteAutomationCapability) EstablishSession(ctx context.Context, identity Identity, restoreArtifact []byte) (automationSession, error) {
	sessionID := uuid.NewString()
	req := establishRequest{
		SessionID:       sessionID,
		Identity:        identity,
		ProxyPassword:   identity.Password,
		RestoreArtifact: restoreArtifact,
	}
	if err := c.post(ctx, "/sessions", req, nil); err != nil {
		return nil, fmt.Errorf("establishing remote session: %w", err)
	}
	return &remoteAutomationSession{cap: c, id: sessionID}, nil
}

func (c *remoteAutomationCapability) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := fastJSONMarshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusGone {
		return errSessionClosed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driver returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		return fastJSONUnmarshal(raw, out)
	}
	return nil
}

// remoteAutomationSession is one live session on the driver. Close is
// idempotent; every other call fails with errSessionClosed afterwards.
type remoteAutomationSession struct {
	cap *remoteAutomationCapability
	id  string

	mu     sync.Mutex
	closed bool
}

func (s *remoteAutomationSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *remoteAutomationSession) path(suffix string) string {
	return "/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *remoteAutomationSession) Navigate(ctx context.Context, pageURL string) error {
	if s.isClosed() {
		return errSessionClosed
	}
	return s.cap.post(ctx, s.path("/navigate"), map[string]string{"url": pageURL}, nil)
}

func (s *remoteAutomationSession) ReadCounter(ctx context.Context, target string) (int, bool) {
	if s.isClosed() {
		return 0, false
	}
	var resp readResponse
	if err := s.cap.post(ctx, s.path("/read"), readRequest{Target: target}, &resp); err != nil {
		logger.Debug("remote counter read failed", "target", target, "error", err)
		return 0, false
	}
	return resp.Counter, resp.Found
}

func (s *remoteAutomationSession) ReadText(ctx context.Context, target string) (string, bool) {
	if s.isClosed() {
		return "", false
	}
	var resp readResponse
	if err := s.cap.post(ctx, s.path("/read"), readRequest{Target: target}, &resp); err != nil {
		logger.Debug("remote text read failed", "target", target, "error", err)
		return "", false
	}
	return resp.Text, resp.Found
}

func (s *remoteAutomationSession) Click(ctx context.Context, target string) error {
	if s.isClosed() {
		return errSessionClosed
	}
	var resp clickResponse
	if err := s.cap.post(ctx, s.path("/click"), readRequest{Target: target}, &resp); err != nil {
		return err
	}
	if !resp.Found {
		return errActionNotFound
	}
	return nil
}

func (s *remoteAutomationSession) Persist(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, errSessionClosed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cap.baseURL+s.path("/artifact"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.cap.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("driver returned %d for artifact", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

func (s *remoteAutomationSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.cap.baseURL+s.path(""), nil)
	if err != nil {
		return err
	}
	resp, err := s.cap.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusGone {
		return fmt.Errorf("driver returned %d on close", resp.StatusCode)
	}
	return nil
}
