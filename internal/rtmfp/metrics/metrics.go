// Package metrics exposes Prometheus collectors for session, flow, writer,
// and NetGroup traffic, wired the way the facebook-time and katzenpost
// example services expose their own process metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rtmfp",
		Name:      "sessions_active",
		Help:      "Number of RTMFP sessions currently connected.",
	})

	HandshakesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rtmfp",
		Name:      "handshakes_started_total",
		Help:      "Total number of handshakes initiated (as initiator or responder).",
	})

	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtmfp",
		Name:      "handshake_failures_total",
		Help:      "Total handshake failures, by reason.",
	}, []string{"reason"})

	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtmfp",
		Name:      "packets_dropped_total",
		Help:      "Total datagrams dropped, by reason (short, crc, framing, unroutable).",
	}, []string{"reason"})

	WriterCongestionEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rtmfp",
		Name:      "writer_congestion_total",
		Help:      "Total writers that exhausted their retransmission cycle cap.",
	})

	GroupFragmentsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtmfp",
		Name:      "group_fragments_delivered_total",
		Help:      "Total GroupMedia fragments delivered to consumers, by delivery mode (push, pull).",
	}, []string{"mode"})

	GroupBestListSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rtmfp",
		Name:      "group_best_list_size",
		Help:      "Current size of a NetGroup's best-list, by group id.",
	}, []string{"group_id"})

	RTTSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rtmfp",
		Name:      "session_rtt_seconds",
		Help:      "Timestamp-echo-derived RTT samples across sessions.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register adds every collector in this package to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		SessionsActive,
		HandshakesStarted,
		HandshakeFailures,
		PacketsDropped,
		WriterCongestionEvents,
		GroupFragmentsDelivered,
		GroupBestListSize,
		RTTSeconds,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
