// Package observe owns every in-process counter, gauge, and sketch the
// gateway exposes. A single Metrics instance is constructed at startup and
// shared by reference; only its methods mutate the state.
package observe

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxActiveClients bounds the principal set so a churn attack cannot grow
// process memory without limit. Past the cap the gauge undercounts, which
// is the cheaper failure.
const maxActiveClients = 1 << 20

// Threat levels, ordinal for the atlas_threat_level gauge.
const (
	ThreatLow      = "LOW"
	ThreatMedium   = "MEDIUM"
	ThreatHigh     = "HIGH"
	ThreatCritical = "CRITICAL"
)

// BanCounter is the slice of the abuse guard the metrics need.
type BanCounter interface {
	BannedCount() int
}

// Metrics tracks admission decisions and degradation. Counters are atomic;
// the active-client set has its own lock.
type Metrics struct {
	allowed            atomic.Int64
	blocked            atomic.Int64
	blockedStandard    atomic.Int64
	blockedMalicious   atomic.Int64
	threatsNeutralized atomic.Int64
	redisErrors        atomic.Int64
	failOpenEvents     atomic.Int64

	clientsMu sync.Mutex
	clients   map[string]struct{}

	latency *LatencyBuffer
	bans    BanCounter
}

// NewMetrics wires the metrics to the ban index and sizes the latency
// buffer.
func NewMetrics(bans BanCounter, latencyHistorySize int) *Metrics {
	return &Metrics{
		clients: make(map[string]struct{}),
		latency: NewLatencyBuffer(latencyHistorySize),
		bans:    bans,
	}
}

// RecordAllowed counts an admitted request.
func (m *Metrics) RecordAllowed(principal string) {
	m.allowed.Add(1)
	m.seen(principal)
}

// RecordBlocked counts a denial. malicious marks denials attributed to a
// banned or newly banned principal; everything else is standard load
// shedding.
func (m *Metrics) RecordBlocked(principal string, malicious bool) {
	m.blocked.Add(1)
	if malicious {
		m.blockedMalicious.Add(1)
	} else {
		m.blockedStandard.Add(1)
	}
	m.seen(principal)
}

// RecordThreatNeutralized counts a violation-tracker escalation to banned.
func (m *Metrics) RecordThreatNeutralized() {
	m.threatsNeutralized.Add(1)
}

// RecordRedisError counts a store error (connection, timeout, script).
func (m *Metrics) RecordRedisError() {
	m.redisErrors.Add(1)
}

// RecordFailOpen counts a request admitted because the store could not
// produce a verdict. The request still counts as allowed: fail-open is an
// admission, just not an enforced one.
func (m *Metrics) RecordFailOpen(principal string) {
	m.failOpenEvents.Add(1)
	m.allowed.Add(1)
	m.seen(principal)
}

// ObserveLatency records one middleware pass.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.latency.Record(float64(d) / float64(time.Millisecond))
}

func (m *Metrics) seen(principal string) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if len(m.clients) >= maxActiveClients {
		if _, ok := m.clients[principal]; !ok {
			return
		}
	}
	m.clients[principal] = struct{}{}
}

// Snapshot is a consistent-enough read of every exposed quantity.
type Snapshot struct {
	Allowed            int64   `json:"requests_allowed"`
	Blocked            int64   `json:"requests_blocked"`
	BlockedStandard    int64   `json:"blocked_standard"`
	BlockedMalicious   int64   `json:"blocked_malicious"`
	ThreatsNeutralized int64   `json:"threats_neutralized"`
	RedisErrors        int64   `json:"redis_errors"`
	FailOpenEvents     int64   `json:"fail_open_events"`
	ActiveClients      int     `json:"active_clients"`
	BannedClients      int     `json:"banned_clients"`
	ProtectionRate     float64 `json:"protection_rate"`
	HealthScore        float64 `json:"system_health_score"`
	ThreatLevel        string  `json:"threat_level"`
	LatencyP50         float64 `json:"latency_p50_ms"`
	LatencyP95         float64 `json:"latency_p95_ms"`
	LatencyP99         float64 `json:"latency_p99_ms"`
}

// Snapshot computes the derived quantities on read. Protection rate tracks
// how much traffic was filtered; health score tracks how often the store
// produced a verdict. A store outage with fail-open leaves protection rate
// untouched while the health score drops, and heavy filtering is the
// reverse.
func (m *Metrics) Snapshot() Snapshot {
	allowed := m.allowed.Load()
	blocked := m.blocked.Load()
	redisErrs := m.redisErrors.Load()
	failOpen := m.failOpenEvents.Load()

	m.clientsMu.Lock()
	active := len(m.clients)
	m.clientsMu.Unlock()

	banned := 0
	if m.bans != nil {
		banned = m.bans.BannedCount()
	}

	total := allowed + blocked
	rate := 0.0
	health := 100.0
	if total > 0 {
		rate = 100 * float64(blocked) / float64(total)
		health = 100 - 100*float64(redisErrs+failOpen)/float64(total)
		if health < 0 {
			health = 0
		}
	}

	p50, p95, p99 := m.latency.Percentiles()

	return Snapshot{
		Allowed:            allowed,
		Blocked:            blocked,
		BlockedStandard:    m.blockedStandard.Load(),
		BlockedMalicious:   m.blockedMalicious.Load(),
		ThreatsNeutralized: m.threatsNeutralized.Load(),
		RedisErrors:        redisErrs,
		FailOpenEvents:     failOpen,
		ActiveClients:      active,
		BannedClients:      banned,
		ProtectionRate:     rate,
		HealthScore:        health,
		ThreatLevel:        threatLevel(banned, rate),
		LatencyP50:         p50,
		LatencyP95:         p95,
		LatencyP99:         p99,
	}
}

// threatLevel summarizes banned-client count and protection rate, taking
// whichever signal is worse.
func threatLevel(banned int, rate float64) string {
	switch {
	case banned >= 5 || rate >= 50:
		return ThreatCritical
	case banned >= 2 || rate >= 30:
		return ThreatHigh
	case banned >= 1 || rate >= 10:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// ThreatLevelOrdinal maps a threat level to its gauge value.
func ThreatLevelOrdinal(level string) float64 {
	switch level {
	case ThreatCritical:
		return 3
	case ThreatHigh:
		return 2
	case ThreatMedium:
		return 1
	default:
		return 0
	}
}
