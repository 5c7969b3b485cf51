package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// OnlineConnections counts websocket connections registered in the hub.
	OnlineConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_online_connections",
		Help: "Number of live realtime connections",
	})

	// HubEvents counts frames by type and direction (in = command, out = delivered event).
	HubEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_total",
			Help: "Realtime frames processed by the hub",
		},
		[]string{"type", "direction"},
	)

	// SlowClientDrops counts members disconnected because their send buffer was full.
	SlowClientDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_slow_client_drops_total",
		Help: "Connections dropped because they could not keep up with broadcasts",
	})

	MatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matches_created_total",
		Help: "Matches created by matchmaking",
	})

	MatchTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_transitions_total",
			Help: "Match status transitions",
		},
		[]string{"to"},
	)

	// ConflictRetries counts compare-and-swap attempts that lost a race.
	ConflictRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_conflict_retries_total",
			Help: "Conditional match updates retried after a lost race",
		},
		[]string{"operation"},
	)

	// TelegramNotifications counts bot notifications by outcome (sent, failed, dropped).
	TelegramNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_notifications_total",
			Help: "Friendship notifications pushed to Telegram",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			OnlineConnections,
			HubEvents,
			SlowClientDrops,
			MatchesCreated,
			MatchTransitions,
			ConflictRetries,
			TelegramNotifications,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
