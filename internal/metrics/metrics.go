// Package metrics exposes the client-side counters of a session core.
// All methods are nil-safe so components can run without metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rescue"

type Metrics struct {
	reconnects      prometheus.Counter
	framesSent      prometheus.Counter
	sendErrors      *prometheus.CounterVec
	invalidFrames   *prometheus.CounterVec
	staleDropped    prometheus.Counter
	duplicateDrops  prometheus.Counter
	snapshotFetches *prometheus.CounterVec
}

// New registers the counters on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "reconnects_total",
			Help: "Network losses followed by an automatic reconnect attempt.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "frames_sent_total",
			Help: "Frames queued on the live channel.",
		}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "send_errors_total",
			Help: "Outbound frames rejected before reaching the wire.",
		}, []string{"reason"}),
		invalidFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "invalid_frames_total",
			Help: "Inbound frames dropped by validation.",
		}, []string{"event"}),
		staleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "board", Name: "stale_updates_total",
			Help: "Position updates not newer than the stored sample.",
		}),
		duplicateDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "duplicates_total",
			Help: "Messages ignored because their id was already known.",
		}),
		snapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "snapshot_fetches_total",
			Help: "Authoritative snapshot fetches by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(m.reconnects, m.framesSent, m.sendErrors, m.invalidFrames,
		m.staleDropped, m.duplicateDrops, m.snapshotFetches)
	return m
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) SendError(reason string) {
	if m == nil {
		return
	}
	m.sendErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) InvalidFrame(event string) {
	if m == nil {
		return
	}
	m.invalidFrames.WithLabelValues(event).Inc()
}

func (m *Metrics) StaleUpdate() {
	if m == nil {
		return
	}
	m.staleDropped.Inc()
}

func (m *Metrics) DuplicateMessage() {
	if m == nil {
		return
	}
	m.duplicateDrops.Inc()
}

func (m *Metrics) SnapshotFetch(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.snapshotFetches.WithLabelValues(kind, outcome).Inc()
}
