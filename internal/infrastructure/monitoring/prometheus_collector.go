package monitoring

import (
	"strconv"
	"time"

	"duet/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records server and peer metrics. Every method is safe
// on a nil receiver so components can run without metrics.
type PrometheusCollector struct {
	// Registry
	roomsActive           prometheus.Gauge
	participantsTotal     prometheus.Gauge
	participantsConnected prometheus.Gauge
	sessionsActive        prometheus.Gauge
	sweepRemoved          *prometheus.CounterVec

	// Signaling
	signalConnections  prometheus.Counter
	signalActive       prometheus.Gauge
	signalAuthFailures prometheus.Counter
	signalMessages     *prometheus.CounterVec
	signalErrors       *prometheus.CounterVec

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Control channel
	controlCommands *prometheus.CounterVec
	controlAckDelay prometheus.Histogram
	clockOffset     prometheus.Gauge
	clockRTT        prometheus.Histogram
	assetLoads      *prometheus.CounterVec
}

// NewPrometheusCollector registers all metrics on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		roomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "duet_rooms_active",
			Help: "Number of rooms in the registry",
		}),
		participantsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "duet_participants",
			Help: "Number of joined participants across all rooms",
		}),
		participantsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "duet_participants_connected",
			Help: "Number of participants with an attached signaling socket",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "duet_auth_sessions_active",
			Help: "Number of live bearer token sessions",
		}),
		sweepRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_sweep_removed_total",
			Help: "Items removed by the inactivity sweeper",
		}, []string{"kind"}),

		signalConnections: f.NewCounter(prometheus.CounterOpts{
			Name: "duet_signal_connections_total",
			Help: "Total number of attached signaling connections",
		}),
		signalActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "duet_signal_connections_active",
			Help: "Number of currently attached signaling connections",
		}),
		signalAuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "duet_signal_auth_failures_total",
			Help: "Signaling connections closed before attach",
		}),
		signalMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_signal_messages_total",
			Help: "Signaling frames processed by type and outcome",
		}, []string{"type", "outcome"}),
		signalErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_signal_errors_total",
			Help: "Error frames sent to signaling clients by code",
		}, []string{"code"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duet_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		controlCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_control_commands_total",
			Help: "Control-channel commands handled by type and result",
		}, []string{"type", "ok"}),
		controlAckDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "duet_control_ack_latency_seconds",
			Help:    "Time from command send to matching ack",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		clockOffset: f.NewGauge(prometheus.GaugeOpts{
			Name: "duet_clock_offset_milliseconds",
			Help: "Current peer clock offset estimate",
		}),
		clockRTT: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "duet_clock_rtt_seconds",
			Help:    "Round-trip time of clock sync probes",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		assetLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_asset_loads_total",
			Help: "Asset load attempts by result",
		}, []string{"result"}),
	}
}

func (p *PrometheusCollector) UpdateRegistry(stats ports.RegistryStats) {
	if p == nil {
		return
	}
	p.roomsActive.Set(float64(stats.Rooms))
	p.participantsTotal.Set(float64(stats.Participants))
	p.participantsConnected.Set(float64(stats.Connected))
}

func (p *PrometheusCollector) UpdateSessions(n int) {
	if p == nil {
		return
	}
	p.sessionsActive.Set(float64(n))
}

func (p *PrometheusCollector) RecordSweep(tokens, participants int) {
	if p == nil {
		return
	}
	p.sweepRemoved.WithLabelValues("token").Add(float64(tokens))
	p.sweepRemoved.WithLabelValues("participant").Add(float64(participants))
}

func (p *PrometheusCollector) RecordSignalAttached() {
	if p == nil {
		return
	}
	p.signalConnections.Inc()
	p.signalActive.Inc()
}

func (p *PrometheusCollector) RecordSignalDetached() {
	if p == nil {
		return
	}
	p.signalActive.Dec()
}

func (p *PrometheusCollector) RecordSignalRejected() {
	if p == nil {
		return
	}
	p.signalAuthFailures.Inc()
}

func (p *PrometheusCollector) RecordSignalMessage(msgType, outcome string) {
	if p == nil {
		return
	}
	p.signalMessages.WithLabelValues(msgType, outcome).Inc()
}

func (p *PrometheusCollector) RecordSignalError(code string) {
	if p == nil {
		return
	}
	p.signalErrors.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordCommand(msgType string, ok bool) {
	if p == nil {
		return
	}
	p.controlCommands.WithLabelValues(msgType, strconv.FormatBool(ok)).Inc()
}

func (p *PrometheusCollector) RecordAckLatency(d time.Duration) {
	if p == nil {
		return
	}
	p.controlAckDelay.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordClockSample(offsetMs float64, rtt time.Duration) {
	if p == nil {
		return
	}
	p.clockOffset.Set(offsetMs)
	p.clockRTT.Observe(rtt.Seconds())
}

func (p *PrometheusCollector) RecordAssetLoad(ok bool) {
	if p == nil {
		return
	}
	result := "loaded"
	if !ok {
		result = "failed"
	}
	p.assetLoads.WithLabelValues(result).Inc()
}
