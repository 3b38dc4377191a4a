package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of live websocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_active_sessions",
		Help: "Number of live websocket sessions",
	})

	// FramesTotal counts inbound frames by kind.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_frames_total",
		Help: "Inbound frames processed, by kind",
	}, []string{"kind"})

	// BroadcastsTotal counts fan-out cycles by mode.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_broadcasts_total",
		Help: "Fan-out cycles emitted, by mode",
	}, []string{"mode"})

	// BackpressureDrops counts messages dropped because a client's send
	// buffer was full or closed.
	BackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_backpressure_drops_total",
		Help: "Outbound messages dropped due to client backpressure",
	}, []string{"reason"})

	// RateLimitRejections counts rejected checks by resource.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_rate_limit_rejections_total",
		Help: "Rate limit rejections, by resource",
	}, []string{"resource"})

	// RedisErrors counts failed Redis commands by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_redis_errors_total",
		Help: "Redis command errors, by command",
	}, []string{"command"})
)
