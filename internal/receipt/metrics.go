package receipt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan outcomes
const (
	scanOK      = "ok"
	scanNoItems = "no_items"
	scanFailed  = "failed"
	scanTimeout = "timeout"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipt_splitter_scans_total",
		Help: "Receipt scans by outcome.",
	}, []string{"outcome"})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "receipt_splitter_scan_duration_seconds",
		Help:    "Time spent in the OCR backend per scan.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipt_splitter_events_total",
		Help: "Split edits by event and whether they were applied.",
	}, []string{"event", "outcome"})
)
