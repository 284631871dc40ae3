package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records socket authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_auth_attempts_total",
			Help: "Total number of socket authentication attempts",
		},
		[]string{"result"},
	)

	// ConnectedSessions tracks live socket sessions.
	ConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_connected_sessions",
			Help: "Number of live socket sessions",
		},
	)

	// OnlineUsers tracks users with at least one live session.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_online_users",
			Help: "Number of users with at least one live session",
		},
	)

	// EventsDispatched counts inbound socket events by name and result (ok|error|unknown).
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_events_dispatched_total",
			Help: "Total number of inbound socket events dispatched",
		},
		[]string{"event", "result"},
	)

	// CallsByOutcome counts finished one-to-one calls by terminal state and reason.
	CallsByOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_calls_total",
			Help: "Total number of finished calls by outcome",
		},
		[]string{"state", "reason"},
	)

	// RingDuration measures how long calls spent ringing before a terminal or connected state.
	RingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signaling_call_ring_seconds",
			Help:    "Time spent in the ringing state",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60},
		},
	)

	// ActiveRooms tracks live video rooms.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_video_rooms",
			Help: "Number of live video rooms",
		},
	)

	// RoomParticipants tracks participants across all video rooms.
	RoomParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_video_room_participants",
			Help: "Number of participants across all video rooms",
		},
	)

	// UpstreamRequests counts upstream API calls by operation and result (ok|error|timeout).
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"operation", "result"},
	)

	// UpstreamLatency measures upstream API request latency.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signaling_upstream_latency_seconds",
			Help:    "Upstream API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// APILatency measures HTTP request latencies on the observability surface.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signaling_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
