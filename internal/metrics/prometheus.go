package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgql"

// Collectors are the prometheus series fed by the Recorder and the pipeline
type Collectors struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pipelineBranch  *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

// NewRegistry creates a registry carrying the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewCollectors creates the request series and registers them with reg
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of handled requests",
			},
			[]string{"tool", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		pipelineBranch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_branch_total",
				Help:      "Answered questions by pipeline branch",
			},
			[]string{"branch"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests refused by the rate limiter",
			},
		),
	}

	for _, col := range []prometheus.Collector{c.requestsTotal, c.requestDuration, c.pipelineBranch, c.rateLimited} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler serves the registry in the prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collectors) observe(tool string, d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.requestsTotal.WithLabelValues(tool, status).Inc()
	c.requestDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Branch counts an answer produced by the named pipeline branch
func (c *Collectors) Branch(name string) {
	if c == nil {
		return
	}
	c.pipelineBranch.WithLabelValues(name).Inc()
}

// RateLimited counts a refused request
func (c *Collectors) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}
