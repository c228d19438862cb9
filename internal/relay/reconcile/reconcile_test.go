package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/registry"
	"github.com/kandev/tabrelay/pkg/protocol"
)

var now = time.UnixMilli(1_700_000_000_000)

func strPtr(s string) *string { return &s }

func TestFromSnapshotClosesMissingTabs(t *testing.T) {
	tabs := registry.NewTabRegistry()
	tabs.UpsertTab("c1", "old", registry.TabPatch{Status: models.TabActive}, now)

	res := FromSnapshot(tabs, "c1", []protocol.SnapshotTab{
		{TabID: "new", URL: "https://new.test", Title: "New"},
	}, now.Add(time.Second))

	assert.Equal(t, Result{Upserted: 1, Closed: 1}, res)

	newTab, ok := tabs.Get("c1", "new")
	require.True(t, ok)
	assert.Equal(t, models.TabActive, newTab.Status)
	assert.Equal(t, "https://new.test", newTab.URL)

	oldTab, ok := tabs.Get("c1", "old")
	require.True(t, ok)
	assert.Equal(t, models.TabClosed, oldTab.Status)
}

func TestFromSnapshotRevivesStaleAndLeavesOthersAlone(t *testing.T) {
	tabs := registry.NewTabRegistry()
	tabs.UpsertTab("c1", "1", registry.TabPatch{}, now)
	tabs.UpsertTab("c1", "2", registry.TabPatch{}, now)
	tabs.UpsertTab("c2", "9", registry.TabPatch{}, now)
	tabs.MarkStaleByClient("c1", now)
	tabs.RemoveActiveByClient("c1", now)
	tabs.UpsertTab("c1", "1", registry.TabPatch{Status: models.TabStale}, now)

	FromSnapshot(tabs, "c1", []protocol.SnapshotTab{{TabID: "1"}}, now.Add(time.Second))

	one, _ := tabs.Get("c1", "1")
	assert.Equal(t, models.TabActive, one.Status)
	two, _ := tabs.Get("c1", "2")
	assert.Equal(t, models.TabStaleExpired, two.Status, "terminal tabs are not closed again")
	other, _ := tabs.Get("c2", "9")
	assert.Equal(t, models.TabActive, other.Status)
}

func TestFromSnapshotEmptyClosesEverything(t *testing.T) {
	tabs := registry.NewTabRegistry()
	tabs.UpsertTab("c1", "1", registry.TabPatch{}, now)
	tabs.UpsertTab("c1", "2", registry.TabPatch{}, now)

	res := FromSnapshot(tabs, "c1", nil, now)
	assert.Equal(t, 2, res.Closed)
	assert.Zero(t, tabs.CountActive())
}

func TestApplyEvent(t *testing.T) {
	tabs := registry.NewTabRegistry()

	res := ApplyEvent(tabs, "c1", &protocol.TabEvent{
		Type: protocol.TypeTabOpen, TabID: "5", URL: strPtr("https://a.test"), Title: strPtr("A"),
	}, now)
	assert.True(t, res.Changed())

	ApplyEvent(tabs, "c1", &protocol.TabEvent{Type: protocol.TypeTabUpdate, TabID: "5", Title: strPtr("B")}, now)
	tab, _ := tabs.Get("c1", "5")
	assert.Equal(t, "https://a.test", tab.URL)
	assert.Equal(t, "B", tab.Title)
	assert.Equal(t, models.TabActive, tab.Status)

	ApplyEvent(tabs, "c1", &protocol.TabEvent{Type: protocol.TypeTabClose, TabID: "5"}, now)
	tab, _ = tabs.Get("c1", "5")
	assert.Equal(t, models.TabClosed, tab.Status)

	res = ApplyEvent(tabs, "c1", &protocol.TabEvent{Type: protocol.TypeTabClose, TabID: "unknown"}, now)
	assert.False(t, res.Changed())
	_, ok := tabs.Get("c1", "unknown")
	assert.False(t, ok)
}

func TestApplyEventUpdateRevivesStaleTab(t *testing.T) {
	tabs := registry.NewTabRegistry()
	tabs.ImportSnapshot([]models.TabState{{ClientID: "c1", TabID: "1", Status: models.TabActive}})

	ApplyEvent(tabs, "c1", &protocol.TabEvent{Type: protocol.TypeTabUpdate, TabID: "1"}, now)
	tab, _ := tabs.Get("c1", "1")
	assert.Equal(t, models.TabActive, tab.Status)
}
