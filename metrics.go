package pqvolume

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	UnlocksTotal    *prometheus.CounterVec
	BlocksRead      prometheus.Counter
	BlocksWritten   prometheus.Counter
	TagMismatches   prometheus.Counter
	RotationsTotal  *prometheus.CounterVec
	ErasePasses     prometheus.Counter
	HiddenCreated   prometheus.Counter
	KDFDuration     prometheus.Histogram
	OpenVolumes     prometheus.Gauge
	SnapshotsTotal  *prometheus.CounterVec
	IntegrityChecks *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UnlocksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pqvolume_unlocks_total",
			Help: "Unlock attempts by result",
		}, []string{"result"}),
		BlocksRead: f.NewCounter(prometheus.CounterOpts{
			Name: "pqvolume_blocks_read_total",
			Help: "Blocks decrypted",
		}),
		BlocksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pqvolume_blocks_written_total",
			Help: "Blocks encrypted and written",
		}),
		TagMismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "pqvolume_tag_mismatches_total",
			Help: "Block reads rejected by the AEAD tag",
		}),
		RotationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pqvolume_rotations_total",
			Help: "Passphrase rotations by result",
		}, []string{"result"}),
		ErasePasses: f.NewCounter(prometheus.CounterOpts{
			Name: "pqvolume_erase_passes_total",
			Help: "Completed secure-erase overwrite passes",
		}),
		HiddenCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "pqvolume_hidden_volumes_created_total",
			Help: "Hidden volumes created",
		}),
		KDFDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pqvolume_kdf_duration_seconds",
			Help:    "Argon2id derivation time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		OpenVolumes: f.NewGauge(prometheus.GaugeOpts{
			Name: "pqvolume_open_volumes",
			Help: "Volumes currently open",
		}),
		SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pqvolume_snapshots_total",
			Help: "Snapshot operations by kind",
		}, []string{"op"}),
		IntegrityChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pqvolume_integrity_checks_total",
			Help: "Whole-volume MAC verifications by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) unlock(result string) {
	if m == nil {
		return
	}
	m.UnlocksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) blockRead() {
	if m == nil {
		return
	}
	m.BlocksRead.Inc()
}

func (m *Metrics) blockWritten() {
	if m == nil {
		return
	}
	m.BlocksWritten.Inc()
}

func (m *Metrics) tagMismatch() {
	if m == nil {
		return
	}
	m.TagMismatches.Inc()
}

func (m *Metrics) rotation(result string) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) erasePass() {
	if m == nil {
		return
	}
	m.ErasePasses.Inc()
}

func (m *Metrics) hiddenCreated() {
	if m == nil {
		return
	}
	m.HiddenCreated.Inc()
}

func (m *Metrics) kdf(d time.Duration) {
	if m == nil {
		return
	}
	m.KDFDuration.Observe(d.Seconds())
}

func (m *Metrics) volumeOpened() {
	if m == nil {
		return
	}
	m.OpenVolumes.Inc()
}

func (m *Metrics) volumeClosed() {
	if m == nil {
		return
	}
	m.OpenVolumes.Dec()
}

func (m *Metrics) snapshot(op string) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) integrity(result string) {
	if m == nil {
		return
	}
	m.IntegrityChecks.WithLabelValues(result).Inc()
}
