package relayserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a per-server registry so several servers can run
// in one process (tests, embedded use).
type metrics struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	rooms       prometheus.Gauge
	frames      *prometheus.CounterVec
	bytes       prometheus.Counter
	rejected    prometheus.Counter
	deliveries  *prometheus.CounterVec
	replayed    prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay sockets.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one open socket.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames received from clients, by message kind.",
		}, []string{"kind"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "received_bytes_total",
			Help:      "Frame bytes received from clients.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "auth_rejected_total",
			Help:      "Sockets closed for a bad room token.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "key_deliveries_total",
			Help:      "Key delivery requests, by response status.",
		}, []string{"status"}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "relay",
			Name:      "replayed_frames_total",
			Help:      "Stored updates replayed to joining sockets.",
		}),
	}
	m.registry.MustRegister(m.connections, m.rooms, m.frames, m.bytes, m.rejected, m.deliveries, m.replayed)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
