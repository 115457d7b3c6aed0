package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "todufit_relay_connections_active",
			Help: "Currently open sync connections",
		},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "todufit_relay_frames_total",
			Help: "Protocol frames received by message kind",
		},
		[]string{"kind"},
	)

	documentsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "todufit_relay_documents_saved_total",
			Help: "Document blobs persisted after an incoming change",
		},
	)

	broadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "todufit_relay_broadcasts_total",
			Help: "Update signals published to document topics",
		},
	)
)

func init() {
	prometheus.MustRegister(
		connectionsActive,
		framesTotal,
		documentsSavedTotal,
		broadcastsTotal,
	)
}
