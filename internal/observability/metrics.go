package observability

import "github.com/prometheus/client_golang/prometheus"

// Pipeline metrics. HTTP-level metrics live in the middleware package; these
// cover moderation, admission and upstream behaviour and keep labels to
// small closed sets.
var (
	// SafetyVerdicts counts classifier outcomes by stage (pre|post),
	// state (ALLOW|REFUSE_HARD) and category (empty for ALLOW).
	SafetyVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_safety_verdicts_total",
			Help: "Safety classifier verdicts by stage, state and category.",
		},
		[]string{"stage", "state", "category"},
	)

	// RateLimited counts turns rejected by the per-identity sliding window.
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_rate_limited_total",
			Help: "Chat turns rejected by the per-identity rate limit.",
		},
	)

	// Turns counts finished turns by terminal state.
	Turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Chat turns by terminal state.",
		},
		[]string{"mode", "state"},
	)

	// UpstreamInflight gauges calls currently holding an upstream slot.
	UpstreamInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_upstream_inflight",
			Help: "Upstream model calls currently holding a concurrency slot.",
		},
	)

	// UpstreamRequests counts upstream calls by dialect, mode and outcome.
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_upstream_requests_total",
			Help: "Upstream model calls by dialect, mode and outcome.",
		},
		[]string{"dialect", "mode", "outcome"},
	)

	// UpstreamLatency observes time to first byte for streams and total time
	// for blocking completions.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_upstream_latency_seconds",
			Help:    "Upstream latency (headers for streams, full body for completions).",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"dialect", "mode"},
	)

	// MalformedFrames counts upstream stream lines that failed to decode.
	MalformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_stream_malformed_frames_total",
			Help: "Upstream stream frames skipped because they could not be decoded.",
		},
		[]string{"dialect"},
	)
)

func init() {
	prometheus.MustRegister(
		SafetyVerdicts,
		RateLimited,
		Turns,
		UpstreamInflight,
		UpstreamRequests,
		UpstreamLatency,
		MalformedFrames,
	)
}
