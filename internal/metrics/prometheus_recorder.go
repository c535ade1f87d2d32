package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	events        *prom.CounterVec
	cancellations *prom.CounterVec
	tracked       prom.Gauge
	resolveFails  prom.Counter
	reconfigs     *prom.CounterVec
	changes       *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		events: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildmaster",
			Name:      "events_received_total",
			Help:      "Bus events consumed by the canceller, by topic",
		}, []string{"topic"}),
		cancellations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildmaster",
			Name:      "cancellations_total",
			Help:      "Cancel commands issued for obsoleted build requests",
		}, []string{"builder"}),
		tracked: prom.NewGauge(prom.GaugeOpts{
			Namespace: "buildmaster",
			Name:      "tracked_buildrequests",
			Help:      "Build requests currently tracked for staleness",
		}),
		resolveFails: prom.NewCounter(prom.CounterOpts{
			Namespace: "buildmaster",
			Name:      "resolve_failures_total",
			Help:      "Build requests dropped because detail resolution failed",
		}),
		reconfigs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildmaster",
			Name:      "reconfigurations_total",
			Help:      "Canceller reconfiguration attempts by result",
		}, []string{"result"}),
		changes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildmaster",
			Name:      "changes_published_total",
			Help:      "Change events published by change sources",
		}, []string{"source"}),
	}
	reg.MustRegister(pr.events, pr.cancellations, pr.tracked, pr.resolveFails, pr.reconfigs, pr.changes)
	return pr
}

func (p *PrometheusRecorder) IncEventReceived(topic string) {
	if p == nil || p.events == nil {
		return
	}
	p.events.WithLabelValues(topic).Inc()
}

func (p *PrometheusRecorder) IncCancellation(builder string) {
	if p == nil || p.cancellations == nil {
		return
	}
	p.cancellations.WithLabelValues(builder).Inc()
}

func (p *PrometheusRecorder) SetTrackedBuildRequests(n int) {
	if p == nil || p.tracked == nil {
		return
	}
	p.tracked.Set(float64(n))
}

func (p *PrometheusRecorder) IncResolveFailure() {
	if p == nil || p.resolveFails == nil {
		return
	}
	p.resolveFails.Inc()
}

func (p *PrometheusRecorder) IncReconfig(result string) {
	if p == nil || p.reconfigs == nil {
		return
	}
	p.reconfigs.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncChangePublished(source string) {
	if p == nil || p.changes == nil {
		return
	}
	p.changes.WithLabelValues(source).Inc()
}

// HTTPHandler returns an http.Handler serving Prometheus metrics for the registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
