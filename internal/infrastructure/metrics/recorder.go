// Package metrics exposes engine state in the Prometheus text format.
//
// Counters are pushed by the components that own the events:
//   - optcore_events_total{kind,severity}
//   - optcore_route_decisions_total{action}
//   - optcore_sizing_results_total{result,step}
//
// Gauges are pulled from Sources on every scrape.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"optcore/internal/application/service/router"
	"optcore/internal/application/service/sizing"
	"optcore/internal/domain/entity/events"
	"optcore/internal/domain/interfaces"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "optcore"

// Recorder owns a private registry so several engines (or tests) never
// collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	events    *prometheus.CounterVec
	decisions *prometheus.CounterVec
	sizing    *prometheus.CounterVec
	lots      prometheus.Histogram
}

var _ interfaces.EventPublisher = (*Recorder)(nil)

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Engine events by kind and severity.",
			},
			[]string{"kind", "severity"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_decisions_total",
				Help:      "Conflict router decisions by action.",
			},
			[]string{"action"},
		),
		sizing: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sizing_results_total",
				Help:      "Sizing chain outcomes; step is the rejecting step or 'none'.",
			},
			[]string{"result", "step"},
		),
		lots: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sized_lots",
			Help:      "Lots approved per sized signal.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
	}
	r.registry.MustRegister(
		r.events,
		r.decisions,
		r.sizing,
		r.lots,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Publish counts an event. It never fails.
func (r *Recorder) Publish(_ context.Context, event events.Event) error {
	r.events.WithLabelValues(string(event.Kind), string(event.Severity)).Inc()
	return nil
}

func (r *Recorder) RecordRoute(_ context.Context, _ string, decisions []router.Decision) {
	for _, d := range decisions {
		r.decisions.WithLabelValues(string(d.Action)).Inc()
	}
}

func (r *Recorder) RecordSizing(_ context.Context, _ string, res sizing.Result) {
	if res.Approved {
		r.sizing.WithLabelValues("approved", "none").Inc()
		r.lots.Observe(float64(res.Lots))
		return
	}
	r.sizing.WithLabelValues("rejected", strconv.Itoa(res.RejectStep)).Inc()
}

// Watch registers the scrape-time gauges backed by src.
func (r *Recorder) Watch(src Sources) error {
	return r.registry.Register(newStateCollector(src))
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
