// Package metrics exports connection pool statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tomyedwab/sqlbind/database"
)

// PoolCollector reports a PoolFactory's Stats on every scrape.
type PoolCollector struct {
	pool *database.PoolFactory

	inUse   *prometheus.Desc
	idle    *prometheus.Desc
	waiters *prometheus.Desc
	max     *prometheus.Desc
	min     *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector describes pool under namespace, e.g. "sqlbind".
func NewPoolCollector(namespace string, pool *database.PoolFactory) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, nil, nil)
	}
	return &PoolCollector{
		pool:    pool,
		inUse:   desc("in_use_connections", "Connections checked out of the pool."),
		idle:    desc("idle_connections", "Connections waiting in the pool for reuse."),
		waiters: desc("waiters", "Callers blocked waiting for a connection."),
		max:     desc("max_connections", "Configured connection limit, 0 when unbounded."),
		min:     desc("min_connections", "Configured number of connections kept idle."),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waiters
	ch <- c.max
	ch <- c.min
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.waiters, prometheus.GaugeValue, float64(s.Waiters))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConnections))
	ch <- prometheus.MustNewConstMetric(c.min, prometheus.GaugeValue, float64(s.MinConnections))
}

// Outcomes counts finished transactions by outcome label.
type Outcomes struct {
	vec *prometheus.CounterVec
}

// NewOutcomes registers a transactions_total counter under namespace on reg.
func NewOutcomes(namespace string, reg prometheus.Registerer) (*Outcomes, error) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Transactions finished, by outcome.",
	}, []string{"outcome"})
	if err := reg.Register(vec); err != nil {
		return nil, err
	}
	return &Outcomes{vec: vec}, nil
}

// Inc counts one transaction with the given outcome.
func (o *Outcomes) Inc(outcome string) {
	o.vec.WithLabelValues(outcome).Inc()
}

// Count returns the number of transactions recorded for outcome.
func (o *Outcomes) Count(outcome string) float64 {
	var m dto.Metric
	if err := o.vec.WithLabelValues(outcome).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
