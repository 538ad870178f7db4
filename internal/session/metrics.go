package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// registerMetrics exposes the session counters as gauges labelled with the stream.
func (a *Aggregator) registerMetrics() {
	labels := prometheus.Labels{"stream": a.opts.StreamID}

	gauge := func(name, help string, f func() float64) {
		a.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        name,
				Help:        help,
				ConstLabels: labels,
			},
			a.read(f),
		))
	}

	// Frame processing
	gauge("ppe_frames_processed_total", "Total frames processed",
		func() float64 { return float64(a.frames) })
	gauge("ppe_frames_dropped_total", "Total frames dropped by the admission queue",
		func() float64 { return float64(a.dropped) })
	gauge("ppe_frames_failed_total", "Total frames dropped because a collaborator failed",
		func() float64 { return float64(a.failed) })
	gauge("ppe_detections_total", "Total detections kept after filtering",
		func() float64 { return float64(a.detections) })

	// Violations
	gauge("ppe_violations_opened_total", "Total violation events opened",
		func() float64 { return float64(a.opened) })
	gauge("ppe_violations_closed_total", "Total violation events closed",
		func() float64 { return float64(a.closed) })
	gauge("ppe_violations_open", "Violation events currently open",
		func() float64 { return float64(len(a.open)) })

	for _, it := range ppe.AllItems {
		item := it
		a.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "ppe_violations_by_item_total",
				Help:        "Violation events opened per missing item",
				ConstLabels: prometheus.Labels{"stream": a.opts.StreamID, "item": item.String()},
			},
			a.read(func() float64 { return float64(a.byType[item]) }),
		))
	}
}
