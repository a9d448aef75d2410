// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/converse/internal/log"
	converrors "github.com/tombee/converse/pkg/errors"
)

const (
	// DefaultFailureThreshold is how many consecutive failures put a
	// server into cooldown.
	DefaultFailureThreshold = 3

	// DefaultMaxRetries bounds attempts inside ExecuteWithRetry.
	DefaultMaxRetries = 3

	// maxCooldown caps the failure cooldown window.
	maxCooldown = 5 * time.Minute

	// maxBackoff caps the per-attempt retry delay.
	maxBackoff = 30 * time.Second

	// defaultRateLimit bounds RPCs per server per second.
	defaultRateLimit = rate.Limit(10)
	defaultRateBurst = 20
)

// closerFunc adapts a func to io.Closer semantics for the closer stack.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// closerEntry is one owned resource on the teardown stack.
type closerEntry struct {
	server string
	close  closerFunc
}

// serverSession tracks the runtime state of one server connection.
type serverSession struct {
	conn                *Conn
	state               SessionState
	consecutiveFailures int
	totalFailures       int
	lastFailure         time.Time
	limiter             *rate.Limiter
}

// SessionManager owns server sessions and their teardown. Sessions are
// created lazily on first use; all owned resources go onto a single
// LIFO stack so that CloseAll tears down sessions before the
// connections beneath them, newest first. Partial manual closing of
// sub-resources is unsupported outside CloseSession/CloseAll because
// ownership is centralized in the stack.
type SessionManager struct {
	conns  *ConnectionManager
	logger *slog.Logger

	// mu serializes session creation and all stack mutation.
	mu       sync.Mutex
	sessions map[string]*serverSession
	closers  []closerEntry

	failureThreshold int
	maxRetries       int

	rng    *rand.Rand
	rngMu  sync.Mutex
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	limit  rate.Limit
	burst  int
}

// SessionOption customizes a SessionManager.
type SessionOption func(*SessionManager)

// WithFailureThreshold overrides the consecutive-failure count that
// triggers cooldown.
func WithFailureThreshold(n int) SessionOption {
	return func(m *SessionManager) { m.failureThreshold = n }
}

// WithMaxRetries overrides the attempt bound in ExecuteWithRetry.
func WithMaxRetries(n int) SessionOption {
	return func(m *SessionManager) { m.maxRetries = n }
}

// WithJitterSeed makes retry jitter deterministic for tests.
func WithJitterSeed(seed int64) SessionOption {
	return func(m *SessionManager) { m.rng = rand.New(rand.NewSource(seed)) }
}

// WithRateLimit overrides the per-server RPC rate limit.
func WithRateLimit(limit rate.Limit, burst int) SessionOption {
	return func(m *SessionManager) {
		m.limit = limit
		m.burst = burst
	}
}

// NewSessionManager creates a session manager over the given
// connection manager.
func NewSessionManager(conns *ConnectionManager, logger *slog.Logger, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		conns:            conns,
		logger:           logger,
		sessions:         make(map[string]*serverSession),
		failureThreshold: DefaultFailureThreshold,
		maxRetries:       DefaultMaxRetries,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		now:              time.Now,
		limit:            defaultRateLimit,
		burst:            defaultRateBurst,
	}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns a healthy connection for the named server, creating
// one on first use. Servers in cooldown are refused fast with a
// ConnectionError whose RetryAfter says when to try again.
func (m *SessionManager) Session(ctx context.Context, name string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked(ctx, name)
}

func (m *SessionManager) sessionLocked(ctx context.Context, name string) (*Conn, error) {
	if s, ok := m.sessions[name]; ok {
		if s.state == SessionStateHealthy {
			return s.conn, nil
		}
		if remaining := m.cooldownRemainingLocked(s); remaining > 0 {
			return nil, &converrors.ConnectionError{
				Server:     name,
				Message:    fmt.Sprintf("server failed %d times", s.consecutiveFailures),
				RetryAfter: remaining,
			}
		}
		// Cooldown elapsed; tear down the stale session and recreate.
		m.closeServerEntriesLocked(name)
		stale := *s
		delete(m.sessions, name)
		m.sessions[name] = &serverSession{
			state:               SessionStateAbsent,
			consecutiveFailures: stale.consecutiveFailures,
			totalFailures:       stale.totalFailures,
			lastFailure:         stale.lastFailure,
		}
	}

	return m.createSessionLocked(ctx, name)
}

func (m *SessionManager) createSessionLocked(ctx context.Context, name string) (*Conn, error) {
	s, ok := m.sessions[name]
	if !ok {
		s = &serverSession{state: SessionStateAbsent}
		m.sessions[name] = s
	}
	s.state = SessionStateConnecting

	conn, err := m.conns.CreateConnection(name)
	if err != nil {
		m.recordFailureLocked(name, s)
		return nil, err
	}

	if err := conn.Open(ctx); err != nil {
		m.recordFailureLocked(name, s)
		return nil, &converrors.ConnectionError{
			Server:  name,
			Message: "opening session",
			Cause:   err,
		}
	}

	// Connection first, session bookkeeping second: LIFO teardown then
	// retires the session before closing the transport beneath it.
	m.closers = append(m.closers, closerEntry{server: name, close: conn.Close})
	m.closers = append(m.closers, closerEntry{server: name, close: func() error {
		m.conns.MarkDisconnected(name)
		return nil
	}})

	s.conn = conn
	s.state = SessionStateHealthy
	s.consecutiveFailures = 0
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(m.limit, m.burst)
	}
	m.conns.MarkConnected(name)

	m.logger.Info("session established",
		slog.String(log.ServerKey, name),
		"tools", conn.Capabilities().Tools,
		"prompts", conn.Capabilities().Prompts,
		"resources", conn.Capabilities().Resources)
	return conn, nil
}

// recordFailureLocked bumps failure counters and moves the session
// into cooldown once the threshold is crossed.
func (m *SessionManager) recordFailureLocked(name string, s *serverSession) {
	s.consecutiveFailures++
	s.totalFailures++
	s.lastFailure = m.now()
	if s.consecutiveFailures >= m.failureThreshold {
		s.state = SessionStateCooldown
	} else {
		s.state = SessionStateAbsent
	}
	recordSessionFailure(name)
	m.logger.Warn("server failure recorded",
		slog.String(log.ServerKey, name),
		"consecutive", s.consecutiveFailures,
		"total", s.totalFailures)
}

// RecordFailure notes an RPC failure against the named server.
func (m *SessionManager) RecordFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		s = &serverSession{state: SessionStateAbsent}
		m.sessions[name] = s
	}
	m.recordFailureLocked(name, s)
}

// RecordSuccess resets the consecutive-failure counter for name.
func (m *SessionManager) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[name]; ok {
		s.consecutiveFailures = 0
		if s.conn != nil {
			s.state = SessionStateHealthy
		}
	}
}

// cooldownRemainingLocked returns how long the server must still wait
// before a reconnect is allowed, or zero when usable.
func (m *SessionManager) cooldownRemainingLocked(s *serverSession) time.Duration {
	if s.consecutiveFailures < m.failureThreshold {
		return 0
	}
	window := cooldownFor(s.consecutiveFailures)
	elapsed := m.now().Sub(s.lastFailure)
	if elapsed >= window {
		return 0
	}
	return window - elapsed
}

// cooldownFor scales the cooldown window with the failure count,
// capped at maxCooldown.
func cooldownFor(failures int) time.Duration {
	d := time.Duration(failures) * time.Minute
	if d > maxCooldown {
		return maxCooldown
	}
	return d
}

// backoffDelay computes the delay before retry attempt n (0-based):
// 2^n + n/2 seconds, capped, plus up to one second of jitter.
func (m *SessionManager) backoffDelay(attempt int) time.Duration {
	seconds := math.Pow(2, float64(attempt)) + 0.5*float64(attempt)
	d := time.Duration(seconds * float64(time.Second))
	if d > maxBackoff {
		d = maxBackoff
	}
	m.rngMu.Lock()
	jitter := time.Duration(m.rng.Float64() * float64(time.Second))
	m.rngMu.Unlock()
	return d + jitter
}

// Invalidate tears down the session for name so the next use
// reconnects. Failure counters are preserved.
func (m *SessionManager) Invalidate(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeServerEntriesLocked(name)
	if s, ok := m.sessions[name]; ok {
		s.conn = nil
		if s.state == SessionStateHealthy || s.state == SessionStateConnecting {
			s.state = SessionStateAbsent
		}
	}
}

// CloseSession closes all resources owned by the named server, newest
// first, and forgets its session state.
func (m *SessionManager) CloseSession(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeServerEntriesLocked(name)
	delete(m.sessions, name)
}

// closeServerEntriesLocked pops and closes the stack entries belonging
// to name, preserving LIFO order among them.
func (m *SessionManager) closeServerEntriesLocked(name string) {
	kept := m.closers[:0]
	var mine []closerEntry
	for _, e := range m.closers {
		if e.server == name {
			mine = append(mine, e)
		} else {
			kept = append(kept, e)
		}
	}
	m.closers = kept
	for i := len(mine) - 1; i >= 0; i-- {
		if err := mine[i].close(); err != nil {
			m.logger.Warn("error closing session resource",
				slog.String(log.ServerKey, name), "error", err)
		}
	}
}

// CloseAll closes every owned resource in strict LIFO order. This is
// the only whole-manager teardown point.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.closers) - 1; i >= 0; i-- {
		e := m.closers[i]
		if err := e.close(); err != nil {
			m.logger.Warn("error closing session resource",
				slog.String(log.ServerKey, e.server), "error", err)
		}
	}
	m.closers = nil
	m.sessions = make(map[string]*serverSession)
}

// Status returns a snapshot of the named server's session state.
func (m *SessionManager) Status(name string) ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := ServerStatus{
		Name:      name,
		State:     SessionStateAbsent,
		Connected: m.conns.IsConnected(name),
	}
	s, ok := m.sessions[name]
	if !ok {
		return st
	}
	st.State = s.state
	st.ConsecutiveFailures = s.consecutiveFailures
	st.TotalFailures = s.totalFailures
	if !s.lastFailure.IsZero() {
		t := s.lastFailure
		st.LastFailure = &t
	}
	st.CooldownRemaining = m.cooldownRemainingLocked(s)
	if s.conn != nil {
		st.Capabilities = s.conn.Capabilities()
	}
	return st
}

// limiterFor returns the rate limiter for name, creating one if the
// session does not exist yet.
func (m *SessionManager) limiterFor(name string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		s = &serverSession{state: SessionStateAbsent}
		m.sessions[name] = s
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(m.limit, m.burst)
	}
	return s.limiter
}

// ExecuteWithRetry runs fn against a session for server, reconnecting
// and backing off between attempts. Cooldown rejections fail fast
// without consuming attempts. RPCs are rate limited per server.
func ExecuteWithRetry[T any](ctx context.Context, m *SessionManager, server, operation string, fn func(context.Context, *Conn) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoffDelay(attempt - 1)
			m.logger.Debug("retrying operation",
				slog.String(log.ServerKey, server),
				"operation", operation,
				"attempt", attempt+1,
				"delay", delay.String())
			if err := m.sleep(ctx, delay); err != nil {
				return zero, err
			}
		}

		conn, err := m.Session(ctx, server)
		if err != nil {
			var connErr *converrors.ConnectionError
			if converrors.As(err, &connErr) && connErr.InCooldown() {
				return zero, err
			}
			lastErr = err
			continue
		}

		if err := m.limiterFor(server).Wait(ctx); err != nil {
			return zero, err
		}

		result, err := fn(ctx, conn)
		if err == nil {
			m.RecordSuccess(server)
			return result, nil
		}

		lastErr = err
		m.RecordFailure(server)
		m.Invalidate(server)
	}

	return zero, converrors.Wrapf(lastErr, "%s on server %s failed after %d attempts", operation, server, m.maxRetries)
}
