package trackerServer

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry         *prometheus.Registry
	Announces        *prometheus.CounterVec
	AnnounceDuration prometheus.Histogram
	Completions      prometheus.Counter
	BonusPoints      prometheus.Counter
	HitAndRunsMarked prometheus.Counter
	PeersEvicted     prometheus.Counter
	Scrapes          prometheus.Counter
	// Credited transfer, by direction.
	TransferredBytes *prometheus.CounterVec
}

// NewMetrics registers the tracker's metrics, plus the Go and process collectors and any extra
// collectors given, in a new registry.
func NewMetrics(extra ...prometheus.Collector) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Announces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_announces_total",
			Help: "Announces handled, by outcome.",
		}, []string{"result"}),
		AnnounceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_announce_duration_seconds",
			Help:    "Time to handle an announce.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Completions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_completions_total",
			Help: "Torrent completions recorded.",
		}),
		BonusPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_bonus_points_total",
			Help: "Bonus points awarded.",
		}),
		HitAndRunsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_hit_and_runs_marked_total",
			Help: "Hit-and-run records flagged by the sweep.",
		}),
		PeersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_peers_evicted_total",
			Help: "Peers dropped for not announcing within the peer TTL.",
		}),
		Scrapes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_scrapes_total",
			Help: "Scrape requests handled.",
		}),
		TransferredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_transferred_bytes_total",
			Help: "Bytes credited to users from announce deltas.",
		}, []string{"direction"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Announces,
		m.AnnounceDuration,
		m.Completions,
		m.BonusPoints,
		m.HitAndRunsMarked,
		m.PeersEvicted,
		m.Scrapes,
		m.TransferredBytes,
	)
	m.Registry.MustRegister(extra...)
	return m
}

func (m *Metrics) announceResult(err error) string {
	if err == nil {
		return "ok"
	}
	switch Classify(err).Status {
	case http.StatusBadRequest:
		return "protocol"
	case http.StatusForbidden:
		return "denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal"
	}
}
