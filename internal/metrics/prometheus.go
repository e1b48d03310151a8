package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const eventsMetricName = "saltyrtc_client_events_total"

// collector exports the registry as a single counter family with an `event`
// label.
type collector struct {
	m    *Metrics
	desc *prometheus.Desc
}

func newCollector(m *Metrics) *collector {
	return &collector{
		m:    m,
		desc: prometheus.NewDesc(eventsMetricName, "Internal event counters.", []string{"event"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(v), name)
	}
}

// PrometheusHandler exposes m in the Prometheus exposition format.
func PrometheusHandler(m *Metrics) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(m))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
