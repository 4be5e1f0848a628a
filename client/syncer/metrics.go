// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sealwallet"

type metrics struct {
	passes       prometheus.Counter
	passErrors   prometheus.Counter
	newTxs       prometheus.Counter
	claims       *prometheus.CounterVec
	activeClaims prometheus.Gauge
	height       prometheus.Gauge
	duration     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Sync passes run.",
		}),
		passErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "pass_errors_total",
			Help:      "Sync passes that ended in error.",
		}),
		newTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "new_txs_total",
			Help:      "Distinct transactions seen for the first time.",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "claims",
			Name:      "transitions_total",
			Help:      "Claim transitions by outcome.",
		}, []string{"outcome"}),
		activeClaims: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "claims",
			Name:      "active",
			Help:      "Claims still pending or matched after the last pass.",
		}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "tip_height",
			Help:      "Chain tip seen by the last refresh.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{m.passes, m.passErrors, m.newTxs, m.claims, m.activeClaims, m.height, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) record(r *SyncReport) {
	m.newTxs.Add(float64(r.NewTxCount))
	m.claims.WithLabelValues("advanced").Add(float64(r.ClaimsAdvanced))
	m.claims.WithLabelValues("failed").Add(float64(r.ClaimsFailed))
	m.claims.WithLabelValues("claimed").Add(float64(r.ClaimsClaimed))
	m.activeClaims.Set(float64(r.ActiveClaims))
	m.height.Set(float64(r.Height))
}
