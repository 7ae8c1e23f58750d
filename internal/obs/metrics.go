package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "divider_active_sessions", Help: "Sessions currently holding a gate slot"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "divider_sessions_total", Help: "Sessions admitted"})
	SessionsRejectedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "divider_sessions_rejected_total", Help: "Connections closed before a session started"}, []string{"reason"})
	SessionEndTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "divider_session_end_total", Help: "Session terminations by reason"}, []string{"reason"})
	DialFailuresTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "divider_dial_failures_total", Help: "Downstream dial failures by leg"}, []string{"leg"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "divider_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "divider_errors_total", Help: "Errors by type"}, []string{"type"})
	AdmissionWaitSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "divider_admission_wait_seconds", Help: "Time spent waiting for a gate slot", Buckets: prometheus.ExponentialBuckets(0.001, 2, 14)})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "divider_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

// Byte counter directions.
const (
	DirClientToPrimary = "client_to_primary"
	DirClientToShadow  = "client_to_shadow"
	DirPrimaryToClient = "primary_to_client"
	DirShadowDiscarded = "shadow_discarded"
)
