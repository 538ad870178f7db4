package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newProcessRegistry holds the process-wide collectors: runtime, gallery and
// persistence backlog. Per-stream collectors live on each stream's registry.
func (s *Server) newProcessRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if m := s.deps.Matcher; m != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ppe_gallery_workers",
			Help: "Registered workers in the face gallery",
		}, func() float64 { return float64(m.Gallery().Snapshot().Len()) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ppe_gallery_embeddings",
			Help: "Face embeddings in the gallery",
		}, func() float64 { return float64(m.Gallery().Snapshot().EmbeddingCount()) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ppe_similarity_threshold",
			Help: "Current face similarity threshold",
		}, m.Threshold))
	}

	if wr := s.deps.Writer; wr != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ppe_persistence_pending",
			Help: "Writes buffered after exhausting their retries",
		}, func() float64 { return float64(wr.Pending()) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ppe_persistence_dropped_total",
			Help: "Buffered writes dropped because the buffer was full",
		}, func() float64 { return float64(wr.Dropped()) }))
	}
	return reg
}

// metricsHandler serves the process registry merged with every stream's
// registry. Streams are looked up per scrape.
func (s *Server) metricsHandler() http.Handler {
	process := s.newProcessRegistry()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gatherers := prometheus.Gatherers{process}
		if s.deps.Streams != nil {
			gatherers = append(gatherers, s.deps.Streams.Gatherers()...)
		}
		promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
