// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ChatEventsReceived prometheus.Counter
	ChatEventsDropped  prometheus.Counter
	CommandsDispatched *prometheus.CounterVec // label: kind
	MessagesSent       *prometheus.CounterVec // label: result
	TokenRefreshes     *prometheus.CounterVec // labels: trigger, result
	SessionsTerminated prometheus.Counter
	CacheErrors        prometheus.Counter

	// Histograms (seconds)
	DispatchDuration prometheus.Observer
	SweepDuration    prometheus.Observer

	// Gauges
	ActiveSessions prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatEventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "milkyway_chat_events_received_total", Help: "Chat events received from all sockets"})
		ChatEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "milkyway_chat_events_dropped_total", Help: "Chat events dropped because a session buffer was full"})
		CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "milkyway_commands_dispatched_total", Help: "Chat lines answered, by command kind"}, []string{"kind"})
		MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "milkyway_messages_sent_total", Help: "Outbound chat sends by result"}, []string{"result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "milkyway_token_refreshes_total", Help: "Token refresh attempts by trigger and result"}, []string{"trigger", "result"})
		SessionsTerminated = promauto.NewCounter(prometheus.CounterOpts{Name: "milkyway_sessions_terminated_total", Help: "Sessions that gave up reconnecting"})
		CacheErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "milkyway_cache_errors_total", Help: "Cache operations that failed and fell back to storage"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "milkyway_dispatch_duration_seconds", Help: "Time to handle one chat line", Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5}})
		SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "milkyway_refresh_sweep_duration_seconds", Help: "Duration of a token refresh sweep", Buckets: prometheus.DefBuckets})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "milkyway_active_sessions", Help: "Registered channel sessions"})
	})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSend counts one outbound chat send.
func RecordSend(err error) {
	if MessagesSent != nil {
		MessagesSent.WithLabelValues(result(err)).Inc()
	}
}

// RecordRefresh counts one token refresh. trigger is sweep or on_demand.
func RecordRefresh(trigger string, err error) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(trigger, result(err)).Inc()
	}
}

// RecordDispatch counts a chat line answered by a command of kind.
func RecordDispatch(kind string) {
	if CommandsDispatched != nil {
		CommandsDispatched.WithLabelValues(kind).Inc()
	}
}

// IncChatReceived counts an inbound chat event.
func IncChatReceived() {
	if ChatEventsReceived != nil {
		ChatEventsReceived.Inc()
	}
}

// IncChatDropped counts an inbound chat event dropped on overflow.
func IncChatDropped() {
	if ChatEventsDropped != nil {
		ChatEventsDropped.Inc()
	}
}

// IncSessionTerminated counts a session that lost its socket for good.
func IncSessionTerminated() {
	if SessionsTerminated != nil {
		SessionsTerminated.Inc()
	}
}

// IncCacheError counts a cache failure.
func IncCacheError() {
	if CacheErrors != nil {
		CacheErrors.Inc()
	}
}

// SetActiveSessions records the registry size.
func SetActiveSessions(n int) {
	if ActiveSessions != nil {
		ActiveSessions.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
