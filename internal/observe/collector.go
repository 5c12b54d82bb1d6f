package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector adapts a Metrics snapshot to the Prometheus exposition format.
// Derived gauges (protection rate, health score, threat level) are computed
// at scrape time, so the text endpoint always reflects the live state.
type Collector struct {
	metrics *Metrics

	allowed            *prometheus.Desc
	blocked            *prometheus.Desc
	blockedStandard    *prometheus.Desc
	blockedMalicious   *prometheus.Desc
	threatsNeutralized *prometheus.Desc
	redisErrors        *prometheus.Desc
	failOpenEvents     *prometheus.Desc
	activeClients      *prometheus.Desc
	bannedClients      *prometheus.Desc
	healthScore        *prometheus.Desc
	protectionRate     *prometheus.Desc
	threatLevel        *prometheus.Desc
	responseTime       *prometheus.Desc
}

// NewCollector builds the collector for the shared metrics instance.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		metrics: m,
		allowed: prometheus.NewDesc("atlas_requests_allowed_total",
			"Requests admitted by the rate limiter.", nil, nil),
		blocked: prometheus.NewDesc("atlas_requests_blocked_total",
			"Requests denied by the rate limiter.", nil, nil),
		blockedStandard: prometheus.NewDesc("atlas_blocked_standard_total",
			"Denials of ordinary over-quota traffic.", nil, nil),
		blockedMalicious: prometheus.NewDesc("atlas_blocked_malicious_total",
			"Denials attributed to banned or newly banned clients.", nil, nil),
		threatsNeutralized: prometheus.NewDesc("atlas_threats_neutralized_total",
			"Clients escalated to a temporary ban.", nil, nil),
		redisErrors: prometheus.NewDesc("atlas_redis_errors_total",
			"Store errors encountered while deciding requests.", nil, nil),
		failOpenEvents: prometheus.NewDesc("atlas_fail_open_events_total",
			"Requests admitted without a store verdict.", nil, nil),
		activeClients: prometheus.NewDesc("atlas_active_clients",
			"Distinct principals observed this process lifetime.", nil, nil),
		bannedClients: prometheus.NewDesc("atlas_banned_clients",
			"Principals currently banned.", nil, nil),
		healthScore: prometheus.NewDesc("atlas_system_health_score",
			"Share of decided requests that reached a store verdict (0-100).", nil, nil),
		protectionRate: prometheus.NewDesc("atlas_protection_rate",
			"Share of decided requests that were denied (0-100).", nil, nil),
		threatLevel: prometheus.NewDesc("atlas_threat_level",
			"Threat level: 0=LOW 1=MEDIUM 2=HIGH 3=CRITICAL.", nil, nil),
		responseTime: prometheus.NewDesc("atlas_response_time_ms",
			"Middleware decision latency in milliseconds.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allowed
	ch <- c.blocked
	ch <- c.blockedStandard
	ch <- c.blockedMalicious
	ch <- c.threatsNeutralized
	ch <- c.redisErrors
	ch <- c.failOpenEvents
	ch <- c.activeClients
	ch <- c.bannedClients
	ch <- c.healthScore
	ch <- c.protectionRate
	ch <- c.threatLevel
	ch <- c.responseTime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()

	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.allowed, s.Allowed)
	counter(c.blocked, s.Blocked)
	counter(c.blockedStandard, s.BlockedStandard)
	counter(c.blockedMalicious, s.BlockedMalicious)
	counter(c.threatsNeutralized, s.ThreatsNeutralized)
	counter(c.redisErrors, s.RedisErrors)
	counter(c.failOpenEvents, s.FailOpenEvents)

	gauge(c.activeClients, float64(s.ActiveClients))
	gauge(c.bannedClients, float64(s.BannedClients))
	gauge(c.healthScore, s.HealthScore)
	gauge(c.protectionRate, s.ProtectionRate)
	gauge(c.threatLevel, ThreatLevelOrdinal(s.ThreatLevel))

	ch <- prometheus.MustNewConstSummary(c.responseTime, uint64(c.metrics.latency.Count()), 0, map[float64]float64{
		0.5:  s.LatencyP50,
		0.95: s.LatencyP95,
		0.99: s.LatencyP99,
	})
}

var _ prometheus.Collector = (*Collector)(nil)
