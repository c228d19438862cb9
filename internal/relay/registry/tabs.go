package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/kandev/tabrelay/internal/relay/models"
)

// TabPatch carries the fields of an upsert. Nil and empty fields inherit from
// the existing tab.
type TabPatch struct {
	WindowID *int
	URL      *string
	Title    *string
	Status   models.TabStatus
}

// TabRegistry owns the per-(clientId, tabId) lifecycle.
type TabRegistry struct {
	mu   sync.RWMutex
	tabs map[string]*models.TabState
}

// NewTabRegistry creates an empty tab registry.
func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[string]*models.TabState)}
}

// UpsertTab creates or updates the tab keyed by (clientID, tabID). New tabs
// default to active with empty url and title.
func (r *TabRegistry) UpsertTab(clientID, tabID string, patch TabPatch, now time.Time) models.TabState {
	ts := models.UnixMs(now)
	key := models.TabKey(clientID, tabID)

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tabs[key]
	if !ok {
		t = &models.TabState{ClientID: clientID, TabID: tabID, Status: models.TabActive}
		r.tabs[key] = t
	}
	if patch.WindowID != nil {
		w := *patch.WindowID
		t.WindowID = &w
	}
	if patch.URL != nil {
		t.URL = *patch.URL
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Status != "" {
		t.Status = patch.Status
	}
	t.LastSeen = ts
	t.UpdatedAt = ts
	return t.Clone()
}

// MarkStaleByClient moves every active tab of clientID to stale.
func (r *TabRegistry) MarkStaleByClient(clientID string, now time.Time) int {
	ts := models.UnixMs(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tabs {
		if t.ClientID == clientID && t.Status == models.TabActive {
			t.Status = models.TabStale
			t.LastSeen = ts
			n++
		}
	}
	return n
}

// RemoveActiveByClient moves every active or stale tab of clientID to
// stale_expired.
func (r *TabRegistry) RemoveActiveByClient(clientID string, now time.Time) int {
	ts := models.UnixMs(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tabs {
		if t.ClientID == clientID && (t.Status == models.TabActive || t.Status == models.TabStale) {
			t.Status = models.TabStaleExpired
			t.UpdatedAt = ts
			n++
		}
	}
	return n
}

// RemoveByClient deletes every tab of clientID, whatever its status, and
// returns how many were removed.
func (r *TabRegistry) RemoveByClient(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, t := range r.tabs {
		if t.ClientID == clientID {
			delete(r.tabs, key)
			n++
		}
	}
	return n
}

// CloseTab marks a known tab closed.
func (r *TabRegistry) CloseTab(clientID, tabID string, now time.Time) bool {
	ts := models.UnixMs(now)

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tabs[models.TabKey(clientID, tabID)]
	if !ok {
		return false
	}
	t.Status = models.TabClosed
	t.UpdatedAt = ts
	t.LastSeen = ts
	return true
}

// GCExpired removes closed and stale_expired tabs not updated for longer
// than ttl.
func (r *TabRegistry) GCExpired(now time.Time, ttl time.Duration) int {
	ts := models.UnixMs(now)
	limit := ttl.Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, t := range r.tabs {
		if t.Status.IsTerminal() && ts-t.UpdatedAt > limit {
			delete(r.tabs, key)
			n++
		}
	}
	return n
}

// Get returns a single tab.
func (r *TabRegistry) Get(clientID, tabID string) (models.TabState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tabs[models.TabKey(clientID, tabID)]
	if !ok {
		return models.TabState{}, false
	}
	return t.Clone(), true
}

// ListByClient returns the tabs of clientID ordered by tabId.
func (r *TabRegistry) ListByClient(clientID string) []models.TabState {
	r.mu.RLock()
	out := make([]models.TabState, 0)
	for _, t := range r.tabs {
		if t.ClientID == clientID {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sortTabs(out)
	return out
}

// List returns every tab ordered by clientId then tabId.
func (r *TabRegistry) List() []models.TabState {
	r.mu.RLock()
	out := make([]models.TabState, 0, len(r.tabs))
	for _, t := range r.tabs {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sortTabs(out)
	return out
}

// CountActive returns the number of active tabs across all clients.
func (r *TabRegistry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.tabs {
		if t.Status == models.TabActive {
			n++
		}
	}
	return n
}

// ExportSnapshot returns the tabs for persistence.
func (r *TabRegistry) ExportSnapshot() []models.TabState {
	return r.List()
}

// ImportSnapshot loads persisted tabs, demoting active tabs to stale.
func (r *TabRegistry) ImportSnapshot(tabs []models.TabState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, in := range tabs {
		t := in.Clone()
		if t.Status == models.TabActive {
			t.Status = models.TabStale
		}
		r.tabs[t.Key()] = &t
	}
}

func sortTabs(tabs []models.TabState) {
	sort.Slice(tabs, func(i, j int) bool {
		if tabs[i].ClientID != tabs[j].ClientID {
			return tabs[i].ClientID < tabs[j].ClientID
		}
		return tabs[i].TabID < tabs[j].TabID
	})
}
