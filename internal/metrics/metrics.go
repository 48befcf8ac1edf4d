package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ibase-go/reliabletcp/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requests_sent_total",
		Help: "Total requests submitted by the client (retransmissions are counted in request_retries_total).",
	})
	ResponsesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "responses_matched_total",
		Help: "Total responses matched to a pending request.",
	})
	RequestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "request_retries_total",
		Help: "Total request retransmissions due to timeout.",
	})
	RequestsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requests_exhausted_total",
		Help: "Total requests that exhausted their retry budget without a response.",
	})
	RequestsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requests_cancelled_total",
		Help: "Total requests cancelled by the caller before completion.",
	})
	NotificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Total publish_notification calls, counted once per call (not per session fan-out).",
	})
	NotificationPushesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_pushes_sent_total",
		Help: "Total per-session push frames written, including retries.",
	})
	NotificationPushesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_pushes_acked_total",
		Help: "Total per-session pushes acknowledged by the peer.",
	})
	NotificationPushesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_pushes_expired_total",
		Help: "Total per-session pushes dropped after exhausting retry attempts.",
	})
	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_delivered_total",
		Help: "Total notifications dispatched to a subscribed client handler.",
	})
	NotificationsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_duplicate_total",
		Help: "Total inbound push frames dropped by a client's dedup tracker.",
	})
	RequestsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requests_duplicate_total",
		Help: "Total inbound request frames dropped by a server session's dedup tracker.",
	})
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeats_sent_total",
		Help: "Total client heartbeat frames written.",
	})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconnect_attempts_total",
		Help: "Total client (re)connect attempts.",
	})
	SessionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_accepted_total",
		Help: "Total TCP connections accepted by the server.",
	})
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_evicted_total",
		Help: "Total sessions removed by the liveness sweep.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Current number of registered sessions.",
	})
	ParseResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parse_resyncs_total",
		Help: "Total bytes skipped by the packet parser while resynchronizing on garbage or a corrupt header.",
	})
	WriteQueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "write_queue_overflows_total",
		Help: "Total outbound frames dropped because a socket's write queue was full.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrConnRead     = "conn_read"
	ErrConnWrite    = "conn_write"
	ErrListenAccept = "listen_accept"
)

// StartHTTP serves Prometheus metrics at /metrics on a fresh mux, along
// with a /ready endpoint gated on the registered readiness function.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process snapshots (tests, periodic
// stat logging) without going through the Prometheus registry.
var (
	localRequestsSent       uint64
	localResponsesMatched   uint64
	localRequestRetries     uint64
	localRequestsExhausted  uint64
	localRequestsCancelled  uint64
	localNotifsPublished    uint64
	localPushesSent         uint64
	localPushesAcked        uint64
	localPushesExpired      uint64
	localNotifsDelivered    uint64
	localNotifsDuplicate    uint64
	localRequestsDuplicate  uint64
	localHeartbeatsSent     uint64
	localReconnectAttempts  uint64
	localSessionsAccepted   uint64
	localSessionsEvicted    uint64
	localSessionsActive     uint64
	localParseResyncs       uint64
	localWriteQueueOverflow uint64
	localErrors             uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RequestsSent       uint64
	ResponsesMatched   uint64
	RequestRetries     uint64
	RequestsExhausted  uint64
	RequestsCancelled  uint64
	NotifsPublished    uint64
	PushesSent         uint64
	PushesAcked        uint64
	PushesExpired      uint64
	NotifsDelivered    uint64
	NotifsDuplicate    uint64
	RequestsDuplicate  uint64
	HeartbeatsSent     uint64
	ReconnectAttempts  uint64
	SessionsAccepted   uint64
	SessionsEvicted    uint64
	SessionsActive     uint64
	ParseResyncs       uint64
	WriteQueueOverflow uint64
	Errors             uint64
}

func Snap() Snapshot {
	return Snapshot{
		RequestsSent:      atomic.LoadUint64(&localRequestsSent),
		ResponsesMatched:  atomic.LoadUint64(&localResponsesMatched),
		RequestRetries:    atomic.LoadUint64(&localRequestRetries),
		RequestsExhausted: atomic.LoadUint64(&localRequestsExhausted),
		RequestsCancelled: atomic.LoadUint64(&localRequestsCancelled),
		NotifsPublished:   atomic.LoadUint64(&localNotifsPublished),
		PushesSent:        atomic.LoadUint64(&localPushesSent),
		PushesAcked:       atomic.LoadUint64(&localPushesAcked),
		PushesExpired:     atomic.LoadUint64(&localPushesExpired),
		NotifsDelivered:   atomic.LoadUint64(&localNotifsDelivered),
		NotifsDuplicate:   atomic.LoadUint64(&localNotifsDuplicate),
		RequestsDuplicate: atomic.LoadUint64(&localRequestsDuplicate),
		HeartbeatsSent:    atomic.LoadUint64(&localHeartbeatsSent),
		ReconnectAttempts: atomic.LoadUint64(&localReconnectAttempts),
		SessionsAccepted:  atomic.LoadUint64(&localSessionsAccepted),
		SessionsEvicted:   atomic.LoadUint64(&localSessionsEvicted),
		SessionsActive:    atomic.LoadUint64(&localSessionsActive),
		ParseResyncs:      atomic.LoadUint64(&localParseResyncs),
		WriteQueueOverflow: atomic.LoadUint64(&localWriteQueueOverflow),
		Errors:            atomic.LoadUint64(&localErrors),
	}
}

func IncRequestsSent() {
	RequestsSent.Inc()
	atomic.AddUint64(&localRequestsSent, 1)
}

func IncResponsesMatched() {
	ResponsesMatched.Inc()
	atomic.AddUint64(&localResponsesMatched, 1)
}

func IncRequestRetries() {
	RequestRetries.Inc()
	atomic.AddUint64(&localRequestRetries, 1)
}

func IncRequestsExhausted() {
	RequestsExhausted.Inc()
	atomic.AddUint64(&localRequestsExhausted, 1)
}

func IncRequestsCancelled() {
	RequestsCancelled.Inc()
	atomic.AddUint64(&localRequestsCancelled, 1)
}

func IncNotificationsPublished() {
	NotificationsPublished.Inc()
	atomic.AddUint64(&localNotifsPublished, 1)
}

func IncNotificationPushesSent() {
	NotificationPushesSent.Inc()
	atomic.AddUint64(&localPushesSent, 1)
}

func IncNotificationPushesAcked() {
	NotificationPushesAcked.Inc()
	atomic.AddUint64(&localPushesAcked, 1)
}

func IncNotificationPushesExpired() {
	NotificationPushesExpired.Inc()
	atomic.AddUint64(&localPushesExpired, 1)
}

func IncNotificationsDelivered() {
	NotificationsDelivered.Inc()
	atomic.AddUint64(&localNotifsDelivered, 1)
}

func IncNotificationsDuplicate() {
	NotificationsDuplicate.Inc()
	atomic.AddUint64(&localNotifsDuplicate, 1)
}

func IncRequestsDuplicate() {
	RequestsDuplicate.Inc()
	atomic.AddUint64(&localRequestsDuplicate, 1)
}

func IncHeartbeatsSent() {
	HeartbeatsSent.Inc()
	atomic.AddUint64(&localHeartbeatsSent, 1)
}

func IncReconnectAttempts() {
	ReconnectAttempts.Inc()
	atomic.AddUint64(&localReconnectAttempts, 1)
}

func IncSessionsAccepted() {
	SessionsAccepted.Inc()
	atomic.AddUint64(&localSessionsAccepted, 1)
}

func IncSessionsEvicted() {
	SessionsEvicted.Inc()
	atomic.AddUint64(&localSessionsEvicted, 1)
}

func SetSessionsActive(n int) {
	SessionsActive.Set(float64(n))
	atomic.StoreUint64(&localSessionsActive, uint64(n))
}

func AddParseResyncs(n int) {
	if n <= 0 {
		return
	}
	ParseResyncs.Add(float64(n))
	atomic.AddUint64(&localParseResyncs, uint64(n))
}

func IncWriteQueueOverflow() {
	WriteQueueOverflows.Inc()
	atomic.AddUint64(&localWriteQueueOverflow, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrConnRead, ErrConnWrite, ErrListenAccept} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
