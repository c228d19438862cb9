package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/kandev/tabrelay/internal/relay/models"
)

// ClientRegistry owns the per-client lifecycle:
//
//	online -> offline_grace -> offline_expired -> removed
//
// with offline_grace and offline_expired both able to return to online on
// reconnect.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*models.ClientState
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*models.ClientState)}
}

// UpsertClient refreshes lastSeen and merges meta into the client. A client
// that was never seen is created as offline_expired since it has no
// connection bound yet.
func (r *ClientRegistry) UpsertClient(clientID string, meta map[string]string, now time.Time) models.ClientState {
	ts := models.UnixMs(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		c = &models.ClientState{
			ClientID:  clientID,
			Status:    models.ClientOfflineExpired,
			ExpiredAt: ts,
		}
		r.clients[clientID] = c
	}
	c.LastSeen = ts
	if len(meta) > 0 {
		if c.Meta == nil {
			c.Meta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			c.Meta[k] = v
		}
	}
	return c.Clone()
}

// Touch refreshes lastSeen of a known client.
func (r *ClientRegistry) Touch(clientID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	c.LastSeen = models.UnixMs(now)
	return true
}

// MarkOfflineGrace moves an online client into its grace period. Only the
// connection the client is bound to can do this; a close from a connection
// that has already been superseded is ignored.
func (r *ClientRegistry) MarkOfflineGrace(clientID, connID string, now time.Time, grace time.Duration) (models.ClientState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok || c.Status != models.ClientOnline || c.ConnID != connID {
		return models.ClientState{}, false
	}

	ts := models.UnixMs(now)
	c.Status = models.ClientOfflineGrace
	c.GraceDeadline = ts + grace.Milliseconds()
	c.LastSeen = ts
	c.ConnID = ""
	return c.Clone(), true
}

// MarkOnline binds clientID to connID, clearing any grace or expiry. It also
// returns the status the client had before, empty for a new client.
func (r *ClientRegistry) MarkOnline(clientID, connID string, now time.Time) (models.ClientState, models.ClientStatus) {
	ts := models.UnixMs(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	var prev models.ClientStatus
	c, ok := r.clients[clientID]
	if ok {
		prev = c.Status
	} else {
		c = &models.ClientState{ClientID: clientID}
		r.clients[clientID] = c
	}

	c.Status = models.ClientOnline
	c.ConnID = connID
	c.ConnectedAt = ts
	c.LastSeen = ts
	c.GraceDeadline = 0
	c.ExpiredAt = 0
	return c.Clone(), prev
}

// ExpireIfDeadlinePassed moves a client whose grace deadline has passed to
// offline_expired. The bool is true only when this call made the transition.
func (r *ClientRegistry) ExpireIfDeadlinePassed(clientID string, now time.Time) (models.ClientState, bool) {
	ts := models.UnixMs(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return models.ClientState{}, false
	}
	if c.Status != models.ClientOfflineGrace || c.GraceDeadline == 0 || ts < c.GraceDeadline {
		return c.Clone(), false
	}
	c.Status = models.ClientOfflineExpired
	c.GraceDeadline = 0
	c.ExpiredAt = ts
	return c.Clone(), true
}

// DetectConflict reports whether clientID is bound to a connection other
// than connID.
func (r *ClientRegistry) DetectConflict(clientID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	return ok && c.ConnID != "" && c.ConnID != connID
}

// ResolveConflict makes connID the canonical binding for clientID. The newest
// handshake always wins; clientIds are not authenticated, so any agent that
// presents an id takes it over.
func (r *ClientRegistry) ResolveConflict(clientID, connID string, now time.Time) (models.ClientState, models.ClientStatus) {
	return r.MarkOnline(clientID, connID, now)
}

// GCExpired removes clients that have been offline_expired for longer than
// ttl and returns their ids.
func (r *ClientRegistry) GCExpired(now time.Time, ttl time.Duration) []string {
	ts := models.UnixMs(now)
	limit := ttl.Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, c := range r.clients {
		if c.Status == models.ClientOfflineExpired && c.ExpiredAt != 0 && ts-c.ExpiredAt > limit {
			delete(r.clients, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns the client with clientID.
func (r *ClientRegistry) Get(clientID string) (models.ClientState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return models.ClientState{}, false
	}
	return c.Clone(), true
}

// List returns every client ordered by clientId.
func (r *ClientRegistry) List() []models.ClientState {
	r.mu.RLock()
	out := make([]models.ClientState, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// CountOnline returns the number of online clients.
func (r *ClientRegistry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.clients {
		if c.Status == models.ClientOnline {
			n++
		}
	}
	return n
}

// ExportSnapshot returns the clients for persistence.
func (r *ClientRegistry) ExportSnapshot() []models.ClientState {
	return r.List()
}

// ImportSnapshot loads persisted clients. A restarted relay has no live
// connections, so online clients come back as offline_expired without a
// connId.
func (r *ClientRegistry) ImportSnapshot(clients []models.ClientState, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, in := range clients {
		c := in.Clone()
		if c.Status == models.ClientOnline {
			c.Status = models.ClientOfflineExpired
			if c.ExpiredAt == 0 {
				c.ExpiredAt = models.UnixMs(now)
			}
		}
		c.ConnID = ""
		if c.Status != models.ClientOfflineGrace {
			c.GraceDeadline = 0
		}
		r.clients[c.ClientID] = &c
	}
}
