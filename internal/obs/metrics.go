package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	RequestsTotal *prometheus.CounterVec // mode=last_known|current
	OutcomesTotal *prometheus.CounterVec // outcome=fast|slow|failed|timeout|canceled|unavailable

	DeliveryLatency *prometheus.HistogramVec // path=fast|slow

	WaitsTotal *prometheus.CounterVec // result=delivered|undelivered|timeout|interrupted|skipped|not_required
	InFlight   prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg falls back to the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "location_requests_total",
				Help: "Total location requests initiated by mode",
			},
			[]string{"mode"},
		),
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "location_outcomes_total",
				Help: "Terminal outcomes of location requests",
			},
			[]string{"outcome"},
		),
		DeliveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "location_delivery_seconds",
				Help:    "Time from request to listener delivery",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~40s
			},
			[]string{"path"},
		),
		WaitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "location_gate_waits_total",
				Help: "Gated request waits by result",
			},
			[]string{"result"},
		),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "location_requests_in_flight",
			Help: "Location requests holding a provider connection",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.OutcomesTotal,
		m.DeliveryLatency,
		m.WaitsTotal,
		m.InFlight,
	)

	return m
}
