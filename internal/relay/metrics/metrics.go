// Package metrics holds the relay's lifecycle counters and builds the health
// summary served on /api/status.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Counters are monotonically increasing since process start.
type Counters struct {
	mu            sync.Mutex
	wsCloseByCode map[string]int64

	graceReconnectHit atomic.Int64
	graceExpire       atomic.Int64
	clientIDConflict  atomic.Int64
}

// NewCounters creates zeroed counters.
func NewCounters() *Counters {
	return &Counters{wsCloseByCode: make(map[string]int64)}
}

// MarkWSClose counts a connection close by its close code.
func (c *Counters) MarkWSClose(code int) {
	k := strconv.Itoa(code)
	c.mu.Lock()
	c.wsCloseByCode[k]++
	c.mu.Unlock()
}

// IncGraceReconnectHit counts a reconnect that landed inside the grace period.
func (c *Counters) IncGraceReconnectHit() { c.graceReconnectHit.Add(1) }

// IncGraceExpire counts a client whose grace period ran out.
func (c *Counters) IncGraceExpire() { c.graceExpire.Add(1) }

// IncClientIDConflict counts a handshake that superseded a live binding.
func (c *Counters) IncClientIDConflict() { c.clientIDConflict.Add(1) }

// WSCloseByCode returns a copy of the close code histogram.
func (c *Counters) WSCloseByCode() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.wsCloseByCode))
	for k, v := range c.wsCloseByCode {
		out[k] = v
	}
	return out
}

// RelayMetrics are point-in-time gauges.
type RelayMetrics struct {
	ClientsOnline int `json:"clientsOnline"`
	TabsActive    int `json:"tabsActive"`
	WSConnections int `json:"wsConnections"`
}

// HealthSummary is the /api/status payload.
type HealthSummary struct {
	Metrics                RelayMetrics     `json:"metrics"`
	WSCloseByCode          map[string]int64 `json:"wsCloseByCode"`
	GraceReconnectHitTotal int64            `json:"graceReconnectHitTotal"`
	GraceExpireTotal       int64            `json:"graceExpireTotal"`
	ClientIDConflictTotal  int64            `json:"clientIdConflictTotal"`
}

// Summary combines the gauges with the current counter values.
func (c *Counters) Summary(m RelayMetrics) HealthSummary {
	return HealthSummary{
		Metrics:                m,
		WSCloseByCode:          c.WSCloseByCode(),
		GraceReconnectHitTotal: c.graceReconnectHit.Load(),
		GraceExpireTotal:       c.graceExpire.Load(),
		ClientIDConflictTotal:  c.clientIDConflict.Load(),
	}
}
