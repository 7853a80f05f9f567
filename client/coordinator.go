package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// RefreshEventType identifies a refresh lifecycle event
type RefreshEventType int

const (
	RefreshStarted RefreshEventType = iota + 1
	RefreshSucceeded
	RefreshFailed
)

// RefreshEvent is passed to the observer registered with WithRefreshObserver.
type RefreshEvent struct {
	Type     RefreshEventType
	Queued   int // requests drained when the refresh resolved
	Duration time.Duration
	Err      error
}

// pendingRequest is a call parked behind an in-flight refresh. done is
// completed exactly once by the coordinator.
type pendingRequest struct {
	ctx   context.Context
	call  *call // nil for callers that only want a fresh token
	stale string
	cause *Error
	done  chan pendingResult
}

type pendingResult struct {
	token string
	res   callResult
}

// refreshCoordinator owns the single-flight refresh protocol.
//
// refreshing is set before the refresh call starts and cleared only after
// the queue has been drained, so at most one refresh is ever in flight and
// the queue is empty whenever refreshing is false.
//
// generation changes whenever the session is replaced from outside the
// refresh (login, logout). A refresh only commits its token if the
// generation it started under is still current.
type refreshCoordinator struct {
	client *Client

	mu         sync.Mutex
	refreshing bool
	queue      []*pendingRequest
	generation uint64
}

// handleUnauthorized resolves a 401 received by cl: it waits for the
// in-flight refresh, replays against a credential committed after cl was
// sent, or runs the refresh itself.
func (rc *refreshCoordinator) handleUnauthorized(ctx context.Context, cl call, cause *Error) callResult {
	p := &pendingRequest{ctx: ctx, call: &cl, stale: cl.token, cause: cause, done: make(chan pendingResult, 1)}
	token, queued, err := rc.enter(p)
	if queued {
		return rc.wait(p).res
	}
	if err != nil {
		return callResult{err: err}
	}
	return rc.client.replay(ctx, cl, token)
}

// reauthenticate is the token-only variant used by non-HTTP transports.
func (rc *refreshCoordinator) reauthenticate(ctx context.Context, stale string) (string, error) {
	cause := &Error{
		Kind:    KindAuthentication,
		Status:  http.StatusUnauthorized,
		Message: "unauthenticated",
	}
	p := &pendingRequest{ctx: ctx, stale: stale, cause: cause, done: make(chan pendingResult, 1)}
	token, queued, err := rc.enter(p)
	if queued {
		r := rc.wait(p)
		return r.token, r.res.err
	}
	return token, err
}

func (rc *refreshCoordinator) enter(p *pendingRequest) (string, bool, error) {
	rc.mu.Lock()
	if rc.refreshing {
		rc.queue = append(rc.queue, p)
		depth := len(rc.queue)
		rc.mu.Unlock()
		rc.client.log.Debug().Int("queued", depth).Str("path", p.path()).Msg("waiting for in-flight refresh")
		return "", true, nil
	}

	cred, err := rc.client.store.Get()
	if err != nil {
		rc.mu.Unlock()
		return "", false, storeError("failed to read credentials", err)
	}

	switch {
	case cred.AccessToken != "" && cred.AccessToken != p.stale:
		// A refresh (or login) committed after this request went out
		rc.mu.Unlock()
		return cred.AccessToken, false, nil
	case p.stale != "" && !cred.IsAuthenticated() && !cred.HasRefreshToken():
		// The session was terminated after this request went out
		rc.mu.Unlock()
		return "", false, refreshFailure(p.cause, ErrSessionEnded)
	}

	rc.refreshing = true
	gen := rc.generation
	rc.mu.Unlock()

	token, err := rc.run(p.ctx, cred, gen, p.cause)
	return token, false, err
}

// commit stores the refreshed credential unless the session was replaced
// after the refresh started.
func (rc *refreshCoordinator) commit(gen uint64, cred Credential) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.generation != gen {
		return ErrSessionEnded
	}
	if err := rc.client.store.Set(cred); err != nil {
		return storeError("failed to store refreshed credential", err)
	}
	return nil
}

// replace runs fn, which rewrites the stored session, and supersedes any
// refresh in flight.
func (rc *refreshCoordinator) replace(fn func() error) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.generation++
	return fn()
}

func (rc *refreshCoordinator) wait(p *pendingRequest) pendingResult {
	select {
	case r := <-p.done:
		return r
	case <-p.ctx.Done():
		var cl call
		if p.call != nil {
			cl = *p.call
		}
		return pendingResult{res: callResult{err: connectivityError(&cl, p.ctx.Err())}}
	}
}

// run performs the refresh and drains the queue. Must only be called by the
// goroutine that set refreshing.
func (rc *refreshCoordinator) run(ctx context.Context, cred Credential, gen uint64, cause *Error) (string, error) {
	c := rc.client
	start := time.Now()
	c.notify(RefreshEvent{Type: RefreshStarted})
	c.log.Debug().Msg("refreshing access token")

	var token string
	err := ErrNoRefreshToken
	if cred.HasRefreshToken() {
		token, err = c.requestRefresh(ctx, cred, gen)
	}

	if err != nil {
		failure := refreshFailure(cause, err)
		if errors.Is(err, ErrSessionEnded) {
			// Logged out (or in again) while refreshing; the new session stands
			c.log.Info().Msg("session replaced during refresh, discarding token")
		} else {
			c.log.Warn().Err(err).Msg("token refresh failed, ending session")
			c.terminator.terminate(context.WithoutCancel(ctx), failure)
		}
		n := rc.drain(func(p *pendingRequest) {
			p.done <- pendingResult{res: callResult{err: refreshFailure(p.cause, err)}}
		})
		c.notify(RefreshEvent{Type: RefreshFailed, Queued: n, Duration: time.Since(start), Err: err})
		return "", failure
	}

	n := rc.drain(func(p *pendingRequest) {
		if p.call == nil {
			p.done <- pendingResult{token: token}
			return
		}
		go func(p *pendingRequest) {
			p.done <- pendingResult{token: token, res: c.replay(p.ctx, *p.call, token)}
		}(p)
	})
	c.log.Info().Int("replayed", n).Dur("took", time.Since(start)).Msg("access token refreshed")
	c.notify(RefreshEvent{Type: RefreshSucceeded, Queued: n, Duration: time.Since(start)})
	return token, nil
}

// drain completes every queued request in arrival order, then returns the
// coordinator to idle.
func (rc *refreshCoordinator) drain(complete func(*pendingRequest)) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	queue := rc.queue
	rc.queue = nil
	for _, p := range queue {
		complete(p)
	}
	rc.refreshing = false
	return len(queue)
}

func (p *pendingRequest) path() string {
	if p.call == nil {
		return ""
	}
	return p.call.path
}

// refreshRequest is the body of the refresh call
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPair is returned by the login and refresh endpoints
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// requestRefresh exchanges the refresh token for a new access token and
// commits it to the store. It uses the bare transport so a 401 from the
// refresh endpoint can never recurse into another refresh.
func (c *Client) requestRefresh(ctx context.Context, cred Credential, gen uint64) (string, error) {
	// The refresh outlives any single caller; only the refresh timeout bounds it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	jsonBody, err := json.Marshal(refreshRequest{RefreshToken: cred.RefreshToken})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+c.apiPrefix+c.refreshPath, bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	env, err := decodeEnvelope(body)
	if err != nil {
		if !ok {
			return "", fmt.Errorf("refresh rejected: HTTP %d", resp.StatusCode)
		}
		return "", fmt.Errorf("invalid response from server: %w", err)
	}
	if !ok || env.Code != SuccessCode {
		if env.Message != "" {
			return "", fmt.Errorf("refresh rejected: %s", env.Message)
		}
		return "", fmt.Errorf("refresh rejected: HTTP %d", resp.StatusCode)
	}

	pair, err := Decode[TokenPair](env)
	if err != nil {
		return "", err
	}
	if pair.AccessToken == "" {
		return "", fmt.Errorf("refresh response carried no access token")
	}

	// Use new refresh token if provided, otherwise keep the old one
	next := Credential{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := c.coordinator.commit(gen, next); err != nil {
		return "", err
	}
	return next.AccessToken, nil
}

// Reauthenticate returns an access token newer than staleToken, running the
// shared single-flight refresh if needed. If the refresh fails the session is
// terminated and the error matches ErrRefreshFailed.
func (c *Client) Reauthenticate(ctx context.Context, staleToken string) (string, error) {
	return c.coordinator.reauthenticate(ctx, staleToken)
}

func (c *Client) notify(ev RefreshEvent) {
	if c.observer != nil {
		c.observer(ev)
	}
}
