// Package lifecycle advances client and tab state on connection loss and on
// the periodic sweep.
package lifecycle

import (
	"time"

	"github.com/kandev/tabrelay/internal/relay/metrics"
	"github.com/kandev/tabrelay/internal/relay/registry"
)

// State bundles the registries lifecycle transitions touch.
type State struct {
	Conns    *registry.ConnectionManager
	Clients  *registry.ClientRegistry
	Tabs     *registry.TabRegistry
	Counters *metrics.Counters
}

// CloseResult describes what a connection close changed.
type CloseResult struct {
	ClientID string
	// WentOffline is false when the connection was unknown, never finished its
	// handshake, or had already been superseded by a newer connection.
	WentOffline bool
	StaleTabs   int
	Deadline    int64
}

// HandleClose unregisters connID, counts code, and moves its client into the
// grace period with its active tabs marked stale.
func HandleClose(s State, connID string, code int, now time.Time, grace time.Duration) CloseResult {
	s.Counters.MarkWSClose(code)

	conn, ok := s.Conns.Unregister(connID)
	if !ok || conn.ClientID == "" {
		return CloseResult{}
	}

	res := CloseResult{ClientID: conn.ClientID}
	client, moved := s.Clients.MarkOfflineGrace(conn.ClientID, connID, now, grace)
	if !moved {
		return res
	}
	res.WentOffline = true
	res.Deadline = client.GraceDeadline
	res.StaleTabs = s.Tabs.MarkStaleByClient(conn.ClientID, now)
	return res
}

// ExpireGrace expires every client whose grace deadline has passed and moves
// its active or stale tabs to stale_expired. It returns the ids that expired
// during this call.
func ExpireGrace(s State, now time.Time) []string {
	var expired []string
	for _, c := range s.Clients.List() {
		if _, changed := s.Clients.ExpireIfDeadlinePassed(c.ClientID, now); !changed {
			continue
		}
		s.Counters.IncGraceExpire()
		s.Tabs.RemoveActiveByClient(c.ClientID, now)
		expired = append(expired, c.ClientID)
	}
	return expired
}

// Retention holds the garbage collection TTLs.
type Retention struct {
	ExpiredClientTTL time.Duration
	ExpiredTabTTL    time.Duration
}

// SweepResult describes one sweep pass.
type SweepResult struct {
	Expired        []string
	RemovedClients []string
	RemovedTabs    int
}

// Changed reports whether the pass modified any state.
func (r SweepResult) Changed() bool {
	return len(r.Expired) > 0 || len(r.RemovedClients) > 0 || r.RemovedTabs > 0
}

// Sweep runs grace expiry and then garbage collection. Expiry comes first so
// tabs are moved within the same pass; TTLs are measured from expiredAt and
// updatedAt, so anything expired now is never collected now. A collected
// client takes its remaining tabs with it: clients restored as
// offline_expired never pass through grace expiry, so their tabs are still
// stale.
func Sweep(s State, now time.Time, r Retention) SweepResult {
	res := SweepResult{Expired: ExpireGrace(s, now)}
	res.RemovedClients = s.Clients.GCExpired(now, r.ExpiredClientTTL)
	for _, clientID := range res.RemovedClients {
		res.RemovedTabs += s.Tabs.RemoveByClient(clientID)
	}
	res.RemovedTabs += s.Tabs.GCExpired(now, r.ExpiredTabTTL)
	return res
}
