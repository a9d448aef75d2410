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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "converse_mcp_tool_call_duration_seconds",
			Help:    "Duration of MCP tool calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "status"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converse_mcp_tool_calls_total",
			Help: "Total MCP tool calls by server and status",
		},
		[]string{"server", "status"},
	)

	discoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "converse_mcp_discovery_duration_seconds",
			Help:    "Duration of capability discovery per server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "capability"},
	)

	sessionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "converse_mcp_session_failures_total",
			Help: "Total session and RPC failures by server",
		},
		[]string{"server"},
	)

	connectedServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "converse_mcp_connected_servers",
		Help: "Number of MCP servers with live connections",
	})
)

func recordSessionFailure(server string) {
	sessionFailures.WithLabelValues(server).Inc()
}
