package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "devgate_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "gateway"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devgate_sessions_connected",
			Help: "Number of open device sessions",
		},
	)

	sessionConnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devgate_session_connects_total",
			Help: "Device sessions opened",
		},
	)

	sessionDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgate_session_disconnects_total",
			Help: "Device sessions closed, by reason",
		},
		[]string{"reason"},
	)

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgate_frames_received_total",
			Help: "Frames received from devices",
		},
		[]string{"device_type"},
	)

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgate_frames_sent_total",
			Help: "Frames sent to devices",
		},
		[]string{"device_type"},
	)

	routes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgate_route_total",
			Help: "Control requests routed, by outcome",
		},
		[]string{"outcome"},
	)

	routeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devgate_route_duration_seconds",
			Help:    "Time spent validating and delivering a control request",
			Buckets: prometheus.DefBuckets,
		},
	)

	handshakeRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devgate_handshake_rejections_total",
			Help: "Device connections refused during the handshake, by code",
		},
		[]string{"code"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsConnected, sessionConnects, sessionDisconnects,
		framesReceived, framesSent, routes, routeDuration, handshakeRejections)
}

// SetServerBuildInfo sets the build info metric.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SessionOpened counts a new device session.
func SessionOpened() {
	sessionConnects.Inc()
	sessionsConnected.Inc()
}

// SessionClosed counts an ended session. reason is a short label such as
// "closed" or "transport".
func SessionClosed(reason string) {
	sessionsConnected.Dec()
	sessionDisconnects.WithLabelValues(reason).Inc()
}

func RecordFrameReceived(deviceType string) { framesReceived.WithLabelValues(deviceType).Inc() }

func RecordFrameSent(deviceType string) { framesSent.WithLabelValues(deviceType).Inc() }

// ObserveRoute records the outcome and latency of one control request.
func ObserveRoute(outcome string, d time.Duration) {
	routes.WithLabelValues(outcome).Inc()
	routeDuration.Observe(d.Seconds())
}

func RecordHandshakeRejection(code string) { handshakeRejections.WithLabelValues(code).Inc() }
