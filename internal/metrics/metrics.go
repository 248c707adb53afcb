package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtnet_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gtnet_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Protocol metrics
	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtnet_messages_handled_total",
			Help: "Total protocol messages handled",
		},
		[]string{"opcode", "outcome"}, // outcome: "ok", "error", "unknown_opcode"
	)

	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtnet_handshakes_total",
			Help: "Total handshake requests",
		},
		[]string{"result"}, // "accepted" or "rejected"
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtnet_rule_evaluations_total",
			Help: "Total answer rule evaluations",
		},
		[]string{"result"}, // "matched", "no_match", "eval_error"
	)

	RequestViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gtnet_request_violations_total",
			Help: "Total instrument-limit violations across all peers",
		},
	)

	// Exchange metrics
	PushRecordsOffered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gtnet_push_records_offered_total",
			Help: "Total records offered by inbound pushes",
		},
	)

	PushRecordsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gtnet_push_records_accepted_total",
			Help: "Total records accepted from inbound pushes",
		},
	)

	// Delivery metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtnet_delivery_attempts_total",
			Help: "Total broadcast delivery attempts",
		},
		[]string{"result"}, // "sent" or "failed"
	)

	DeliveryBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gtnet_delivery_backlog",
			Help: "Delivery attempts still pending after the last scan",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gtnet_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gtnet_store_latency_seconds",
			Help:    "Relational store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
