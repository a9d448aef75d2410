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
	"context"
	"log/slog"

	"github.com/tombee/converse/pkg/llm"
)

const (
	// maxResponseReserve is the largest slice of the window held back
	// for the model's response.
	maxResponseReserve = 2000

	// messageTokenOverhead approximates per-message framing cost.
	messageTokenOverhead = 4
)

// TokenEstimator approximates the token cost of a message.
type TokenEstimator interface {
	Estimate(msg llm.Message) int
}

// HeuristicEstimator estimates tokens from character count. Roughly
// 2.5 characters per token across mixed prose and code, plus framing
// overhead per message.
type HeuristicEstimator struct{}

// Estimate implements TokenEstimator.
func (HeuristicEstimator) Estimate(msg llm.Message) int {
	chars := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	return int(float64(chars)/2.5) + messageTokenOverhead
}

// Summarizer condenses evicted messages into a short digest.
type Summarizer interface {
	// Summarize renders msgs into at most targetTokens of text.
	Summarize(ctx context.Context, msgs []llm.Message, targetTokens int) (string, error)
}

// OptimizeStats reports what an optimization pass did.
type OptimizeStats struct {
	OriginalTokens   int
	FinalTokens      int
	Strategy         string
	MessagesRemoved  int
	SummaryGenerated bool
	CompressionRatio float64
}

// Optimizer fits a conversation into the model's context window.
// System messages and the last user message always survive; the
// current turn's messages after the last user message are kept next,
// then older history fills the remaining budget newest-first.
type Optimizer struct {
	estimator  TokenEstimator
	summarizer Summarizer
	strategy   *StrategyPicker
	maxTokens  int
	logger     *slog.Logger
}

// OptimizerOption customizes an Optimizer.
type OptimizerOption func(*Optimizer)

// WithEstimator replaces the default heuristic estimator.
func WithEstimator(e TokenEstimator) OptimizerOption {
	return func(o *Optimizer) { o.estimator = e }
}

// WithSummarizer enables the summarize strategy.
func WithSummarizer(s Summarizer) OptimizerOption {
	return func(o *Optimizer) { o.summarizer = s }
}

// WithStrategyPicker replaces the default picker.
func WithStrategyPicker(p *StrategyPicker) OptimizerOption {
	return func(o *Optimizer) { o.strategy = p }
}

// NewOptimizer creates an optimizer for a context window of maxTokens.
func NewOptimizer(maxTokens int, logger *slog.Logger, opts ...OptimizerOption) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Optimizer{
		estimator: HeuristicEstimator{},
		strategy:  NewStrategyPicker(PreferenceBalanced),
		maxTokens: maxTokens,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// available returns the budget left for the prompt after reserving
// room for the response.
func (o *Optimizer) available() int {
	reserve := o.maxTokens / 2
	if reserve > maxResponseReserve {
		reserve = maxResponseReserve
	}
	return o.maxTokens - reserve
}

// Optimize returns a message list that fits the window, and stats
// describing the pass. The input is never mutated.
func (o *Optimizer) Optimize(ctx context.Context, msgs []llm.Message) ([]llm.Message, OptimizeStats, error) {
	costs := make([]int, len(msgs))
	total := 0
	for i, m := range msgs {
		costs[i] = o.estimator.Estimate(m)
		total += costs[i]
	}

	stats := OptimizeStats{OriginalTokens: total, Strategy: "none", CompressionRatio: 1}
	available := o.available()
	if total <= available {
		stats.FinalTokens = total
		return msgs, stats, nil
	}

	keep := o.selectMessages(msgs, costs, available)

	var kept []llm.Message
	var evicted []llm.Message
	final := 0
	for i, m := range msgs {
		if keep[i] {
			kept = append(kept, m)
			final += costs[i]
		} else {
			evicted = append(evicted, m)
		}
	}

	stats.MessagesRemoved = len(evicted)
	stats.Strategy = "truncate"

	evictedTokens := total - final
	if o.summarizer != nil && o.strategy.Pick(evictedTokens, total) == StrategySummarize {
		target := summaryTarget(evictedTokens)
		summary, err := o.summarizer.Summarize(ctx, evicted, target)
		if err != nil {
			o.logger.Warn("history summarization failed, falling back to truncation",
				"error", err)
		} else if summary != "" {
			summaryMsg := llm.Message{
				Role:    llm.MessageRoleSystem,
				Content: "Summary of earlier conversation: " + summary,
			}
			kept = insertAfterSystem(kept, summaryMsg)
			stats.Strategy = StrategySummarize
			stats.SummaryGenerated = true
			final += o.estimator.Estimate(summaryMsg)
		}
	}

	stats.FinalTokens = final
	if total > 0 {
		stats.CompressionRatio = float64(final) / float64(total)
	}
	observeOptimization(stats)

	o.logger.Debug("context optimized",
		"original_tokens", total,
		"final_tokens", final,
		"removed", stats.MessagesRemoved,
		"strategy", stats.Strategy)
	return kept, stats, nil
}

// selectMessages marks which messages survive. System messages and the
// last user message are unconditional; messages after the last user
// message (the current turn's observations) fill next in order; older
// history fills backwards. If the unconditional set alone overflows,
// the emergency fallback keeps system messages plus the last two.
func (o *Optimizer) selectMessages(msgs []llm.Message, costs []int, available int) []bool {
	keep := make([]bool, len(msgs))

	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.MessageRoleUser {
			lastUser = i
			break
		}
	}

	budget := available
	for i, m := range msgs {
		if m.Role == llm.MessageRoleSystem || i == lastUser {
			keep[i] = true
			budget -= costs[i]
		}
	}

	if budget < 0 {
		// Emergency fallback: system plus the last two messages.
		for i := range keep {
			keep[i] = msgs[i].Role == llm.MessageRoleSystem
		}
		for i := len(msgs) - 1; i >= 0 && i >= len(msgs)-2; i-- {
			keep[i] = true
		}
		return keep
	}

	if lastUser >= 0 {
		for i := lastUser + 1; i < len(msgs); i++ {
			if keep[i] {
				continue
			}
			if costs[i] <= budget {
				keep[i] = true
				budget -= costs[i]
			} else {
				break
			}
		}
	}

	start := len(msgs) - 1
	if lastUser >= 0 {
		start = lastUser - 1
	}
	for i := start; i >= 0; i-- {
		if keep[i] {
			continue
		}
		if costs[i] <= budget {
			keep[i] = true
			budget -= costs[i]
		} else {
			break
		}
	}

	return keep
}

// summaryTarget clamps the summary budget to 15% of the evicted
// tokens, between 100 and 800.
func summaryTarget(evictedTokens int) int {
	target := evictedTokens * 15 / 100
	if target < 100 {
		return 100
	}
	if target > 800 {
		return 800
	}
	return target
}

// insertAfterSystem places msg after the leading system messages.
func insertAfterSystem(msgs []llm.Message, msg llm.Message) []llm.Message {
	idx := 0
	for idx < len(msgs) && msgs[idx].Role == llm.MessageRoleSystem {
		idx++
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, msgs[:idx]...)
	out = append(out, msg)
	out = append(out, msgs[idx:]...)
	return out
}
