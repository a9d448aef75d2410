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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	converrors "github.com/tombee/converse/pkg/errors"
)

func newTestSessionManager(t *testing.T, servers map[string]ServerConfig, opts ...SessionOption) *SessionManager {
	t.Helper()
	provider, err := NewConfigProvider(testLogger(), WithExplicitServers(servers))
	require.NoError(t, err)
	conns := NewConnectionManager(provider, testLogger())
	return NewSessionManager(conns, testLogger(), opts...)
}

func TestSession_UnknownServer(t *testing.T) {
	m := newTestSessionManager(t, nil)

	_, err := m.Session(context.Background(), "missing")
	var notFound *converrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "server", notFound.Resource)
}

func TestSession_InactiveServer(t *testing.T) {
	m := newTestSessionManager(t, map[string]ServerConfig{
		"calc": {Name: "calc", Command: "uvx", Active: false},
	})

	_, err := m.Session(context.Background(), "calc")
	var connErr *converrors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.InCooldown())
}

func TestCooldown_GrowsWithFailuresAndCaps(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Minute},
		{3, 3 * time.Minute},
		{5, 5 * time.Minute},
		{17, 5 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, cooldownFor(tt.failures), "failures=%d", tt.failures)
	}
}

func TestCooldown_RefusesFastThenRecovers(t *testing.T) {
	m := newTestSessionManager(t, map[string]ServerConfig{
		"calc": {Name: "calc", Command: "/nonexistent-converse-test-binary", Active: true},
	}, WithFailureThreshold(3))

	base := time.Now()
	m.now = func() time.Time { return base }

	// Cross the failure threshold.
	for i := 0; i < 3; i++ {
		m.RecordFailure("calc")
	}
	assert.Equal(t, SessionStateCooldown, m.Status("calc").State)

	// Refused fast with the remaining window reported.
	_, err := m.Session(context.Background(), "calc")
	var connErr *converrors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.True(t, connErr.InCooldown())
	assert.Equal(t, 3*time.Minute, connErr.RetryAfter)

	// Mid-window the remaining time shrinks.
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = m.Session(context.Background(), "calc")
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, time.Minute, connErr.RetryAfter)

	// After the window a reconnect is attempted again (and fails at
	// the transport, not with a cooldown rejection).
	m.now = func() time.Time { return base.Add(4 * time.Minute) }
	_, err = m.Session(context.Background(), "calc")
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.InCooldown())
}

func TestBackoffDelay_CappedAndJittered(t *testing.T) {
	m := newTestSessionManager(t, nil, WithJitterSeed(42))

	for attempt := 0; attempt < 10; attempt++ {
		d := m.backoffDelay(attempt)
		// 2^n + n/2 seconds, capped.
		base := time.Duration((float64(int(1)<<attempt) + 0.5*float64(attempt)) * float64(time.Second))
		if base > maxBackoff {
			base = maxBackoff
		}
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.Less(t, d, base+time.Second, "attempt %d", attempt)
	}
}

func TestBackoffDelay_SeededJitterIsDeterministic(t *testing.T) {
	a := newTestSessionManager(t, nil, WithJitterSeed(7))
	b := newTestSessionManager(t, nil, WithJitterSeed(7))

	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, a.backoffDelay(attempt), b.backoffDelay(attempt))
	}
}

func TestCloserStack_LIFOOrder(t *testing.T) {
	m := newTestSessionManager(t, nil)

	var order []string
	push := func(server, label string) {
		m.closers = append(m.closers, closerEntry{server: server, close: func() error {
			order = append(order, label)
			return nil
		}})
	}

	// Two servers, each with its connection pushed before its session.
	push("a", "a-conn")
	push("a", "a-session")
	push("b", "b-conn")
	push("b", "b-session")

	m.CloseAll()

	// Strict LIFO: sessions retire before the connections beneath
	// them, newest server first.
	assert.Equal(t, []string{"b-session", "b-conn", "a-session", "a-conn"}, order)
}

func TestCloseSession_OnlyClosesThatServer(t *testing.T) {
	m := newTestSessionManager(t, nil)

	var order []string
	push := func(server, label string) {
		m.closers = append(m.closers, closerEntry{server: server, close: func() error {
			order = append(order, label)
			return nil
		}})
	}
	push("a", "a-conn")
	push("b", "b-conn")
	push("a", "a-session")

	m.CloseSession("a")

	assert.Equal(t, []string{"a-session", "a-conn"}, order)
	require.Len(t, m.closers, 1)
	assert.Equal(t, "b", m.closers[0].server)
}

func TestExecuteWithRetry_CooldownFailsFast(t *testing.T) {
	m := newTestSessionManager(t, map[string]ServerConfig{
		"calc": {Name: "calc", Command: "uvx", Active: true},
	}, WithFailureThreshold(1))
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	m.RecordFailure("calc")

	start := time.Now()
	_, err := ExecuteWithRetry(context.Background(), m, "calc", "list tools",
		func(ctx context.Context, conn *Conn) ([]ToolDefinition, error) {
			t.Fatal("operation must not run during cooldown")
			return nil, nil
		})
	var connErr *converrors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.InCooldown())
	// Fail fast: no backoff sleeps were awaited.
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteWithRetry_ExhaustsAttempts(t *testing.T) {
	m := newTestSessionManager(t, map[string]ServerConfig{
		"calc": {Name: "calc", Command: "/nonexistent-converse-test-binary", Active: true},
	}, WithMaxRetries(2), WithFailureThreshold(100))
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := ExecuteWithRetry(context.Background(), m, "calc", "list tools",
		func(ctx context.Context, conn *Conn) ([]ToolDefinition, error) {
			t.Fatal("operation must not run without a session")
			return nil, nil
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, m.Status("calc").TotalFailures)
}

func TestRecordSuccess_ResetsConsecutiveFailures(t *testing.T) {
	m := newTestSessionManager(t, nil)

	m.RecordFailure("calc")
	m.RecordFailure("calc")
	assert.Equal(t, 2, m.Status("calc").ConsecutiveFailures)
	assert.Equal(t, 2, m.Status("calc").TotalFailures)

	m.RecordSuccess("calc")
	assert.Equal(t, 0, m.Status("calc").ConsecutiveFailures)
	assert.Equal(t, 2, m.Status("calc").TotalFailures)
}
