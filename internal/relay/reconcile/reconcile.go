// Package reconcile folds agent tab reports into the tab registry.
package reconcile

import (
	"time"

	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/registry"
	"github.com/kandev/tabrelay/pkg/protocol"
)

// Result summarizes what a reconciliation changed.
type Result struct {
	Upserted int
	Closed   int
}

// Changed reports whether anything was written.
func (r Result) Changed() bool {
	return r.Upserted > 0 || r.Closed > 0
}

// FromSnapshot treats tabs as the full set of tabs clientID currently has
// open. Every reported tab becomes active; every other active or stale tab
// of the client is closed.
func FromSnapshot(tabs *registry.TabRegistry, clientID string, reported []protocol.SnapshotTab, now time.Time) Result {
	var res Result
	alive := make(map[string]struct{}, len(reported))

	for _, tab := range reported {
		if tab.TabID == "" {
			continue
		}
		alive[tab.TabID] = struct{}{}
		url, title := tab.URL, tab.Title
		tabs.UpsertTab(clientID, tab.TabID, registry.TabPatch{
			WindowID: tab.WindowID,
			URL:      &url,
			Title:    &title,
			Status:   models.TabActive,
		}, now)
		res.Upserted++
	}

	for _, existing := range tabs.ListByClient(clientID) {
		if _, ok := alive[existing.TabID]; ok {
			continue
		}
		if existing.Status == models.TabActive || existing.Status == models.TabStale {
			tabs.CloseTab(clientID, existing.TabID, now)
			res.Closed++
		}
	}
	return res
}

// ApplyEvent applies a single tab_open, tab_update or tab_close. Fields the
// event omits keep their previous values.
func ApplyEvent(tabs *registry.TabRegistry, clientID string, ev *protocol.TabEvent, now time.Time) Result {
	if ev.TabID == "" {
		return Result{}
	}
	if ev.IsClose() {
		if tabs.CloseTab(clientID, ev.TabID, now) {
			return Result{Closed: 1}
		}
		return Result{}
	}
	tabs.UpsertTab(clientID, ev.TabID, registry.TabPatch{
		WindowID: ev.WindowID,
		URL:      ev.URL,
		Title:    ev.Title,
		Status:   models.TabActive,
	}, now)
	return Result{Upserted: 1}
}
