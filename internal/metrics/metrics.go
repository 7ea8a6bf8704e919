package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for a mesh node. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	originated  prometheus.Counter
	frames      *prometheus.CounterVec
	relays      *prometheus.CounterVec
	sends       *prometheus.CounterVec
	retries     prometheus.Counter
	evictions   *prometheus.CounterVec
	activePeers prometheus.Gauge
	seenEntries prometheus.Gauge
	backlog     prometheus.Gauge
	smsStatus   *prometheus.CounterVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		originated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sosmesh_alerts_originated_total",
			Help: "Alerts originated by this node",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosmesh_frames_received_total",
			Help: "Inbound frames grouped by outcome",
		}, []string{"outcome"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosmesh_relays_total",
			Help: "Relay decisions grouped by result",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosmesh_peer_sends_total",
			Help: "Per-peer frame sends grouped by result",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sosmesh_relay_retries_total",
			Help: "Relay fan-outs retried after the link was unavailable",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosmesh_evictions_total",
			Help: "Peers and envelopes dropped grouped by kind",
		}, []string{"kind"}),
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sosmesh_active_peers",
			Help: "Peers heard from within the active window",
		}),
		seenEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sosmesh_seen_entries",
			Help: "Envelope ids held in the seen set",
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sosmesh_relay_backlog",
			Help: "Relays waiting for rate limit capacity",
		}),
		smsStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosmesh_sms_fallback_total",
			Help: "SMS fallback attempts grouped by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		r.originated,
		r.frames,
		r.relays,
		r.sends,
		r.retries,
		r.evictions,
		r.activePeers,
		r.seenEntries,
		r.backlog,
		r.smsStatus,
	)
	return r
}

// Handler returns the HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (r *Recorder) ObserveOriginated() {
	if r == nil {
		return
	}
	r.originated.Inc()
}

// ObserveFrame counts an inbound frame. Outcomes used by the relay engine are
// new, duplicate, conflict, malformed and beacon.
func (r *Recorder) ObserveFrame(outcome string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(outcome).Inc()
}

// ObserveRelay counts a relay decision: sent, terminal, abandoned, cancelled
// or deferred.
func (r *Recorder) ObserveRelay(result string) {
	if r == nil {
		return
	}
	r.relays.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveSend(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "unreachable"
	}
	r.sends.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveRetry() {
	if r == nil {
		return
	}
	r.retries.Inc()
}

func (r *Recorder) ObserveEvictions(kind string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.evictions.WithLabelValues(kind).Add(float64(n))
}

func (r *Recorder) ObserveSMS(status string) {
	if r == nil {
		return
	}
	r.smsStatus.WithLabelValues(status).Inc()
}

// SetMeshState updates the gauges describing the core task's state.
func (r *Recorder) SetMeshState(activePeers, seenEntries, backlog int) {
	if r == nil {
		return
	}
	r.activePeers.Set(float64(activePeers))
	r.seenEntries.Set(float64(seenEntries))
	r.backlog.Set(float64(backlog))
}
