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

package llm

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	converrors "github.com/tombee/converse/pkg/errors"
)

// RetryConfig tunes the retry wrapper.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier grows the backoff between retries.
	Multiplier float64

	// Jitter adds up to 25% random variation to each delay when set.
	Jitter bool
}

// DefaultRetryConfig returns the standard retry policy for provider
// calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryableProvider wraps a Provider with retry on transient failures.
// Complete retries whole requests; Stream retries only stream
// establishment, never mid-stream.
type RetryableProvider struct {
	provider Provider
	config   RetryConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

// RetryOption customizes a RetryableProvider.
type RetryOption func(*RetryableProvider)

// WithRetryJitterSeed makes jitter deterministic for tests.
func WithRetryJitterSeed(seed int64) RetryOption {
	return func(p *RetryableProvider) {
		p.rng = rand.New(rand.NewSource(seed))
	}
}

// NewRetryableProvider wraps provider with the given retry policy.
func NewRetryableProvider(provider Provider, config RetryConfig, opts ...RetryOption) *RetryableProvider {
	p := &RetryableProvider{
		provider: provider,
		config:   config,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the wrapped provider's identifier.
func (p *RetryableProvider) Name() string {
	return p.provider.Name()
}

// Capabilities returns the wrapped provider's capabilities.
func (p *RetryableProvider) Capabilities() Capabilities {
	return p.provider.Capabilities()
}

// Complete calls the wrapped provider, retrying transient failures
// with exponential backoff.
func (p *RetryableProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		resp, err := p.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Stream establishes a stream, retrying transient establishment
// failures. Once chunks are flowing, failures pass through untouched.
func (p *RetryableProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		ch, err := p.provider.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoff computes the delay before the given retry attempt (1-based).
func (p *RetryableProvider) backoff(attempt int) time.Duration {
	delay := float64(p.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.config.Multiplier
	}
	if max := float64(p.config.MaxDelay); delay > max {
		delay = max
	}

	if p.config.Jitter {
		p.rngMu.Lock()
		delay += delay * 0.25 * (p.rng.Float64()*2 - 1)
		p.rngMu.Unlock()
	}
	return time.Duration(delay)
}

func (p *RetryableProvider) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRetryable reports whether an error is worth retrying. Rate limits
// and server-side failures are transient; client errors and context
// cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var perr *converrors.ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.StatusCode == http.StatusTooManyRequests:
			return true
		case perr.StatusCode == http.StatusRequestTimeout:
			return true
		case perr.StatusCode >= 500:
			return true
		case perr.StatusCode == 0:
			// No status means the request never completed (network
			// failure, connection reset). Worth retrying.
			return true
		default:
			return false
		}
	}

	var terr *converrors.TimeoutError
	return errors.As(err, &terr)
}
