package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for voice playout.
type Metrics struct {
	// Playout
	FramesSent    prometheus.Counter
	SilenceFrames prometheus.Counter
	Underruns     prometheus.Counter
	TickOverruns  prometheus.Counter
	TracksEnded   prometheus.Counter

	// Transport
	SendErrors     prometheus.Counter
	DroppedPackets *prometheus.CounterVec
	DiscoveryTries prometheus.Counter

	// Signaling
	HeartbeatLatency  prometheus.Histogram
	Recoveries        *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_frames_sent_total",
			Help: "Total number of audio frames sent to the media server",
		}),
		SilenceFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_silence_frames_sent_total",
			Help: "Total number of silence marker frames sent",
		}),
		Underruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_underruns_total",
			Help: "Ticks where the audio source had no frame ready within the grace window",
		}),
		TickOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_tick_overruns_total",
			Help: "Ticks whose processing exceeded the frame duration",
		}),
		TracksEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_tracks_ended_total",
			Help: "Total number of audio sources that reached end of track",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_send_errors_total",
			Help: "Total number of failed UDP sends",
		}),
		DroppedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_dropped_packets_total",
			Help: "Inbound UDP packets dropped by reason",
		}, []string{"reason"}),
		DiscoveryTries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_discovery_probes_total",
			Help: "Total number of IP discovery probes sent",
		}),
		HeartbeatLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_heartbeat_latency_seconds",
			Help:    "Round trip time between heartbeat and acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		Recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_recoveries_total",
			Help: "Link recoveries by outcome (resumed, reconnected, failed)",
		}, []string{"outcome"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_connections",
			Help: "Current number of connected voice sessions",
		}),
	}
}

// Discard returns collectors registered to a private registry. It is the
// default for components constructed without metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
