package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vitalsync",
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhookPings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vitalsync",
			Name:      "webhook_pings_total",
			Help:      "Count of calendar webhook deliveries by resource state.",
		},
		[]string{"state"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vitalsync",
			Name:      "sync_runs_total",
			Help:      "Count of sync runs by final status.",
		},
		[]string{"status"},
	)

	eventsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vitalsync",
			Name:      "sync_events_processed_total",
			Help:      "Count of external calendar events processed.",
		},
	)

	duplicatesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vitalsync",
			Name:      "dedupe_blocks_removed_total",
			Help:      "Count of duplicate external blocks removed.",
		},
	)

	bookingDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vitalsync",
			Name:      "booking_decision_total",
			Help:      "Count of booking guard decisions.",
		},
		[]string{"decision"},
	)

	outboxPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vitalsync",
			Name:      "outbox_pushes_total",
			Help:      "Count of calendar outbox pushes by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, webhookPings, syncRuns,
			eventsProcessed, duplicatesRemoved, bookingDecision, outboxPushes)
	})
}

func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncWebhookPing(state string) {
	webhookPings.WithLabelValues(state).Inc()
}

func IncSyncRun(status string) {
	syncRuns.WithLabelValues(status).Inc()
}

func AddEventsProcessed(n int) {
	eventsProcessed.Add(float64(n))
}

func AddDuplicatesRemoved(n int) {
	duplicatesRemoved.Add(float64(n))
}

func IncBookingDecision(decision string) {
	bookingDecision.WithLabelValues(decision).Inc()
}

func IncOutboxPush(outcome string) {
	outboxPushes.WithLabelValues(outcome).Inc()
}
