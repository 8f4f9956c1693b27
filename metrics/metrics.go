// Package metrics defines the prometheus collectors shared across components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebhooksTotal counts inbound webhook deliveries by outcome
// (accepted, skipped, duplicate, unauthorized, error).
var WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_webhooks_total",
	Help: "counter of inbound webhook deliveries by outcome",
}, []string{"outcome"})

// WorkflowsTotal counts workflow terminal transitions by status.
var WorkflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_workflows_total",
	Help: "counter of workflows reaching a terminal status",
}, []string{"status"})

// WorkflowDuration observes end-to-end workflow runtime in seconds.
var WorkflowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "pullsmith_workflow_duration_seconds",
	Help:    "histogram of workflow runtime from start to terminal status",
	Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
})

// AgentRunsTotal counts agent runs by agent name and terminal status.
var AgentRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_agent_runs_total",
	Help: "counter of agent runs by agent and terminal status",
}, []string{"agent", "status"})

// AgentLatency observes per-agent execution latency in seconds.
var AgentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "pullsmith_agent_latency_seconds",
	Help:    "histogram of agent execution latency",
	Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 180},
}, []string{"agent"})

// LLMCallsTotal counts LLM completions by provider and outcome.
var LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_llm_calls_total",
	Help: "counter of LLM completion calls by provider and outcome",
}, []string{"provider", "outcome"})

// LLMTokensTotal counts tokens consumed by provider.
var LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_llm_tokens_total",
	Help: "counter of LLM tokens consumed by provider",
}, []string{"provider"})

// PublishesTotal counts provider publish attempts by artifact kind and outcome.
var PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_publishes_total",
	Help: "counter of provider publish attempts by artifact kind and outcome",
}, []string{"kind", "outcome"})

// WSConnections gauges currently open realtime connections.
var WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pullsmith_ws_connections",
	Help: "gauge of open realtime connections",
})

// WSMessagesTotal counts realtime messages by direction (inbound, outbound).
var WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_ws_messages_total",
	Help: "counter of realtime messages by direction",
}, []string{"direction"})

// DecisionsTotal counts recorded reviewer decisions by action.
var DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_decisions_total",
	Help: "counter of recorded reviewer decisions by action",
}, []string{"action"})

// PredictionsTotal counts prediction requests by source (model, heuristic).
var PredictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_predictions_total",
	Help: "counter of merge predictions by source",
}, []string{"source"})

// HTTPRequestsTotal counts API requests by route pattern and status class.
var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pullsmith_http_requests_total",
	Help: "counter of HTTP requests by route and status",
}, []string{"route", "status"})

// HTTPDuration observes API request latency by route pattern.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "pullsmith_http_request_duration_seconds",
	Help:    "histogram of HTTP request latency by route",
	Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10},
}, []string{"route"})
