// Package metrics exposes Prometheus collectors for the track writer and the
// capture session. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trackcap"

// Metrics groups every collector the recorder updates.
type Metrics struct {
	PointsSubmitted prometheus.Counter
	PointsWritten   prometheus.Counter
	PointsDropped   prometheus.Counter
	WriteFailures   prometheus.Counter
	QueueDepth      prometheus.Gauge

	Capturing   prometheus.Gauge
	Sessions    *prometheus.CounterVec // by source kind
	SourceLost  *prometheus.CounterVec
	SignalAvg   prometheus.Gauge
	SatsUsed    prometheus.Gauge
	DistanceKm  prometheus.Counter
	StartErrors *prometheus.CounterVec // by reason
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PointsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "points_submitted_total",
			Help: "Track points handed to the writer.",
		}),
		PointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "points_written_total",
			Help: "Track points appended to a track log.",
		}),
		PointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "points_dropped_total",
			Help: "Track points dropped because the write queue was full or closed.",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "write_failures_total",
			Help: "Write tasks that failed to reach the file.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "writer", Name: "queue_depth",
			Help: "Tasks waiting for the writer worker.",
		}),
		Capturing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "capturing",
			Help: "1 while a capture session is active.",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "started_total",
			Help: "Capture sessions started, by source kind.",
		}, []string{"source"}),
		SourceLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "source_lost_total",
			Help: "Captures ended because the location source terminated.",
		}, []string{"source"}),
		SignalAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "signal_average_dbhz",
			Help: "Average of the strongest used-in-fix satellite signals.",
		}),
		SatsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "satellites_used",
			Help: "Satellites used in the latest fix.",
		}),
		DistanceKm: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "distance_km_total",
			Help: "Distance covered by recorded track points.",
		}),
		StartErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "start_errors_total",
			Help: "Rejected capture starts, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PointsSubmitted, m.PointsWritten, m.PointsDropped, m.WriteFailures, m.QueueDepth,
			m.Capturing, m.Sessions, m.SourceLost, m.SignalAvg, m.SatsUsed, m.DistanceKm, m.StartErrors,
		)
	}
	return m
}

func (m *Metrics) Submitted() {
	if m != nil {
		m.PointsSubmitted.Inc()
	}
}

func (m *Metrics) Written() {
	if m != nil {
		m.PointsWritten.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.PointsDropped.Inc()
	}
}

func (m *Metrics) Failed() {
	if m != nil {
		m.WriteFailures.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

// SessionStarted marks a capture as active for the given source kind.
func (m *Metrics) SessionStarted(source string) {
	if m != nil {
		m.Capturing.Set(1)
		m.Sessions.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) SessionStopped() {
	if m != nil {
		m.Capturing.Set(0)
	}
}

func (m *Metrics) Lost(source string) {
	if m != nil {
		m.SourceLost.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) StartRejected(reason string) {
	if m != nil {
		m.StartErrors.WithLabelValues(reason).Inc()
	}
}

// Signal records the latest signal summary.
func (m *Metrics) Signal(average float64, used int) {
	if m != nil {
		m.SignalAvg.Set(average)
		m.SatsUsed.Set(float64(used))
	}
}

func (m *Metrics) Distance(km float64) {
	if m != nil && km > 0 {
		m.DistanceKm.Add(km)
	}
}
