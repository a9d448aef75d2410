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

package chat

import (
	"sync"
	"time"
)

// Optimization strategies and preferences.
const (
	StrategyTruncate  = "truncate"
	StrategySummarize = "summarize"

	PreferenceFast     = "fast"
	PreferenceBalanced = "balanced"
	PreferenceQuality  = "quality"
)

// defaultSummaryInterval rate-limits summarization, which costs an
// extra model call per pass.
const defaultSummaryInterval = 2 * time.Minute

// StrategyPicker decides between truncating evicted history and
// summarizing it. Summarization is gated by preference, by how much
// history is being evicted, and by a frequency cap.
type StrategyPicker struct {
	preference string
	interval   time.Duration

	mu          sync.Mutex
	lastSummary time.Time
	now         func() time.Time
}

// NewStrategyPicker creates a picker for the given preference (fast,
// balanced, or quality).
func NewStrategyPicker(preference string) *StrategyPicker {
	return &StrategyPicker{
		preference: preference,
		interval:   defaultSummaryInterval,
		now:        time.Now,
	}
}

// Pick returns the strategy for a pass evicting evictedTokens out of
// totalTokens.
func (p *StrategyPicker) Pick(evictedTokens, totalTokens int) string {
	if evictedTokens <= 0 {
		return StrategyTruncate
	}

	switch p.preference {
	case PreferenceFast:
		return StrategyTruncate
	case PreferenceQuality:
		// Quality always summarizes, frequency cap permitting.
	default:
		// Balanced summarizes only when a meaningful share of the
		// conversation is being dropped.
		if totalTokens == 0 || evictedTokens*4 < totalTokens {
			return StrategyTruncate
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastSummary.IsZero() && p.now().Sub(p.lastSummary) < p.interval {
		return StrategyTruncate
	}
	p.lastSummary = p.now()
	return StrategySummarize
}
