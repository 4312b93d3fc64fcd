package blkmirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mirroredWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmirror_mirrored_writes",
		Help: "The total number of writes fanned out to both devices",
	})

	mirroredDiscards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmirror_mirrored_discards",
		Help: "The total number of discards fanned out to both devices",
	})

	mirroredErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmirror_mirrored_errors",
		Help: "The total number of mirrored operations that reported an error",
	})

	sourceReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmirror_source_reads",
		Help: "The total number of reads served from the source device",
	})

	dualCancels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmirror_canceled_ops",
		Help: "The total number of mirrored operations canceled in flight",
	})

	writeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blkmirror_write_time",
		Help:    "Time to complete a mirrored write on both devices",
		Buckets: prometheus.DefBuckets,
	})

	syncSectors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blkmirror_sync_sectors_copied",
		Help: "The total number of sectors copied by the background sync job",
	})
)
