// Package metrics exposes Prometheus counters for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements docsync.Recorder on Prometheus counters.
type Recorder struct {
	registry *prometheus.Registry

	saves         *prometheus.CounterVec
	remoteUpdates *prometheus.CounterVec
	echoes        prometheus.Counter
	staleDiscards *prometheus.CounterVec
	flushes       *prometheus.CounterVec
}

// New builds a Recorder backed by its own registry so tests and
// multiple sessions never collide on the default registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coscribe_saves_total",
			Help: "Save completions by result.",
		}, []string{"result"}),
		remoteUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coscribe_remote_updates_total",
			Help: "Remote update dispositions.",
		}, []string{"outcome"}),
		echoes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coscribe_echoes_suppressed_total",
			Help: "Broadcasts dropped because they carried our own origin token.",
		}),
		staleDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coscribe_stale_discards_total",
			Help: "Async results discarded because the document moved on.",
		}, []string{"kind"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coscribe_flushes_total",
			Help: "Flush requests by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(r.saves, r.remoteUpdates, r.echoes, r.staleDiscards, r.flushes)
	return r
}

func (r *Recorder) SaveCompleted(result string) {
	r.saves.WithLabelValues(result).Inc()
}

func (r *Recorder) RemoteUpdate(outcome string) {
	r.remoteUpdates.WithLabelValues(outcome).Inc()
}

func (r *Recorder) EchoSuppressed() {
	r.echoes.Inc()
}

func (r *Recorder) StaleDiscard(kind string) {
	r.staleDiscards.WithLabelValues(kind).Inc()
}

func (r *Recorder) FlushRequested(reason string) {
	r.flushes.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (r *Recorder) Gather() prometheus.Gatherer {
	return r.registry
}
