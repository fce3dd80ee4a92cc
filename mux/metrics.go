package mux

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/progrium/mxstream/mux/frame"
)

// Metrics collects stream statistics. One Metrics may be shared by any
// number of streams. A nil *Metrics records nothing.
type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	openChannels   prometheus.Gauge
	failures       prometheus.Counter
}

// NewMetrics creates the stream collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mxstream",
				Subsystem: "frames",
				Name:      "sent_total",
				Help:      "Frames written to the transport.",
			},
			[]string{"code"},
		),
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mxstream",
				Subsystem: "frames",
				Name:      "received_total",
				Help:      "Frames read from the transport.",
			},
			[]string{"code"},
		),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mxstream",
			Subsystem: "content",
			Name:      "sent_bytes_total",
			Help:      "Channel content bytes sent.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mxstream",
			Subsystem: "content",
			Name:      "received_bytes_total",
			Help:      "Channel content bytes received.",
		}),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxstream",
			Subsystem: "channels",
			Name:      "open",
			Help:      "Channels registered and not yet terminated.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mxstream",
			Subsystem: "streams",
			Name:      "failures_total",
			Help:      "Streams that ended with a fatal error, handshakes included.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.framesSent,
		m.framesReceived,
		m.bytesSent,
		m.bytesReceived,
		m.openChannels,
		m.failures,
	}
}

func (m *Metrics) frameSent(f frame.Frame) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(f.Code.String()).Inc()
}

func (m *Metrics) frameReceived(f frame.Frame) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(f.Code.String()).Inc()
}

func (m *Metrics) contentSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) contentReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) channelOpened() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

func (m *Metrics) channelClosed() {
	if m == nil {
		return
	}
	m.openChannels.Dec()
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
