package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/controlplane/internal/domain"
)

const namespace = "controlplane"

// Metrics records control-plane outcomes as Prometheus collectors.
type Metrics struct {
	Routes       *prometheus.CounterVec
	Quota        *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	Provisioning *prometheus.HistogramVec
}

// Compile-time check: Metrics implements domain.Metrics.
var _ domain.Metrics = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_total",
			Help:      "Hostname routing decisions by outcome.",
		}, []string{"outcome"}),

		Quota: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Quota check-and-reserve decisions by resource kind.",
		}, []string{"kind", "decision"}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed lifecycle transitions by event.",
		}, []string{"event"}),

		Provisioning: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provisioning_seconds",
			Help:      "Duration of provisioning runs by final state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"outcome"}),
	}

	for _, c := range m.PrometheusCollectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// PrometheusCollectors returns every collector owned by m.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Routes, m.Quota, m.Transitions, m.Provisioning}
}

func (m *Metrics) ObserveRoute(outcome string) {
	m.Routes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveQuota(kind domain.ResourceKind, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.Quota.WithLabelValues(string(kind), decision).Inc()
}

func (m *Metrics) ObserveTransition(event domain.Event) {
	m.Transitions.WithLabelValues(string(event)).Inc()
}

func (m *Metrics) ObserveProvisioning(outcome domain.State, elapsed time.Duration) {
	m.Provisioning.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// TenantGauge exports the number of tenants in each lifecycle state, read
// on every scrape through count.
func TenantGauge(count func() map[domain.State]int) prometheus.Collector {
	return &stateCollector{
		count: count,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tenants"),
			"Tenants by lifecycle state.",
			[]string{"state"}, nil,
		),
	}
}

type stateCollector struct {
	count func() map[domain.State]int
	desc  *prometheus.Desc
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.count()
	for _, s := range domain.States {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}

