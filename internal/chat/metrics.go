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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_chat_turns_total",
		Help: "Conversation turns by outcome.",
	}, []string{"status"})

	turnIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converse_chat_turn_iterations",
		Help:    "Tool-calling iterations per turn.",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	})

	toolRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_chat_tool_rounds_total",
		Help: "Tool execution rounds by result.",
	}, []string{"status"})

	optimizerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converse_optimizer_runs_total",
		Help: "Context optimization passes by strategy.",
	}, []string{"strategy"})

	optimizerCompression = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converse_optimizer_compression_ratio",
		Help:    "Final over original token ratio per optimization pass.",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})
)

func observeOptimization(stats OptimizeStats) {
	optimizerRuns.WithLabelValues(stats.Strategy).Inc()
	optimizerCompression.Observe(stats.CompressionRatio)
}
