package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Discovery metrics
	PeersDiscovered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peersync_peers_discovered",
			Help: "Current number of online peers, by provider",
		},
		[]string{"provider"},
	)

	PeersAddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_peers_added_total",
			Help: "Total number of peers reported added, by provider",
		},
		[]string{"provider"},
	)

	PeersRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_peers_removed_total",
			Help: "Total number of peers reported removed, by provider",
		},
		[]string{"provider"},
	)

	BrowsingActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peersync_browsing_active",
			Help: "Whether a discovery provider is actively browsing (1) or not (0)",
		},
		[]string{"provider"},
	)

	PublishingActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peersync_publishing_active",
			Help: "Whether a discovery provider is actively publishing (1) or not (0)",
		},
		[]string{"provider"},
	)

	// WebSocket framing metrics
	FramesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_ws_frames_sent_total",
			Help: "Total number of WebSocket frames sent, by opcode",
		},
		[]string{"opcode"},
	)

	FramesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_ws_frames_received_total",
			Help: "Total number of WebSocket frames received, by opcode",
		},
		[]string{"opcode"},
	)

	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_ws_bytes_sent_total",
			Help: "Total bytes sent over WebSocket sockets",
		},
	)

	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_ws_bytes_received_total",
			Help: "Total bytes received over WebSocket sockets",
		},
	)

	SocketsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_ws_sockets_closed_total",
			Help: "Total WebSocket sockets closed, by close reason",
		},
		[]string{"reason"},
	)

	// Mailbox/actor runtime metrics
	MailboxQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peersync_mailbox_queue_depth",
			Help: "Sum of queued tasks across all mailboxes",
		},
	)

	MailboxActiveActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peersync_mailbox_active_actors",
			Help: "Number of mailboxes with at least one queued task",
		},
	)

	MailboxWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peersync_mailbox_workers",
			Help: "Number of worker goroutines in the scheduler pool",
		},
	)

	MailboxPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_mailbox_panics_total",
			Help: "Total number of task panics recovered by the scheduler",
		},
	)

	// HTTP/Sync listener metrics
	ListenerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_listener_requests_total",
			Help: "Total HTTP requests handled by the listener, by method and status",
		},
		[]string{"method", "status"},
	)

	ListenerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peersync_listener_request_duration_seconds",
			Help:    "Listener HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ActiveTasksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peersync_listener_active_tasks",
			Help: "Number of currently registered (not yet retired) listener tasks",
		},
	)

	// Database pool metrics
	DBPoolRegisteredDatabases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peersync_dbpool_registered_databases",
			Help: "Number of databases currently registered in the pool",
		},
	)
)

func init() {
	prometheus.MustRegister(PeersDiscovered)
	prometheus.MustRegister(PeersAddedTotal)
	prometheus.MustRegister(PeersRemovedTotal)
	prometheus.MustRegister(BrowsingActive)
	prometheus.MustRegister(PublishingActive)

	prometheus.MustRegister(FramesSentTotal)
	prometheus.MustRegister(FramesReceivedTotal)
	prometheus.MustRegister(BytesSentTotal)
	prometheus.MustRegister(BytesReceivedTotal)
	prometheus.MustRegister(SocketsClosedTotal)

	prometheus.MustRegister(MailboxQueueDepth)
	prometheus.MustRegister(MailboxActiveActors)
	prometheus.MustRegister(MailboxWorkers)
	prometheus.MustRegister(MailboxPanicsTotal)

	prometheus.MustRegister(ListenerRequestsTotal)
	prometheus.MustRegister(ListenerRequestDuration)
	prometheus.MustRegister(ActiveTasksTotal)

	prometheus.MustRegister(DBPoolRegisteredDatabases)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
