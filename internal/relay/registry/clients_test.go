package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/tabrelay/internal/relay/models"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func assertOnlineIffBound(t *testing.T, r *ClientRegistry) {
	t.Helper()
	for _, c := range r.List() {
		assert.Equal(t, c.Status == models.ClientOnline, c.ConnID != "",
			"client %s: status=%s connId=%q", c.ClientID, c.Status, c.ConnID)
	}
}

func TestClientLifecycle(t *testing.T) {
	r := NewClientRegistry()
	grace := 90 * time.Second
	ttl := time.Hour

	c, prev := r.MarkOnline("c1", "conn-1", t0)
	assert.Equal(t, models.ClientStatus(""), prev)
	assert.Equal(t, models.ClientOnline, c.Status)
	assert.Equal(t, "conn-1", c.ConnID)
	assertOnlineIffBound(t, r)

	c, ok := r.MarkOfflineGrace("c1", "conn-1", t0.Add(time.Second), grace)
	require.True(t, ok)
	assert.Equal(t, models.ClientOfflineGrace, c.Status)
	assert.Empty(t, c.ConnID)
	assert.Equal(t, models.UnixMs(t0.Add(time.Second).Add(grace)), c.GraceDeadline)
	assertOnlineIffBound(t, r)

	_, expired := r.ExpireIfDeadlinePassed("c1", t0.Add(grace))
	assert.False(t, expired, "deadline not reached yet")

	expireAt := t0.Add(time.Second).Add(grace)
	c, expired = r.ExpireIfDeadlinePassed("c1", expireAt)
	require.True(t, expired)
	assert.Equal(t, models.ClientOfflineExpired, c.Status)
	assert.Equal(t, models.UnixMs(expireAt), c.ExpiredAt)
	assert.Zero(t, c.GraceDeadline)
	assertOnlineIffBound(t, r)

	_, expired = r.ExpireIfDeadlinePassed("c1", expireAt.Add(time.Second))
	assert.False(t, expired, "already expired")

	assert.Empty(t, r.GCExpired(expireAt.Add(ttl), ttl), "ttl measured strictly")
	assert.Equal(t, []string{"c1"}, r.GCExpired(expireAt.Add(ttl+time.Millisecond), ttl))
	_, found := r.Get("c1")
	assert.False(t, found)
}

func TestClientReconnectDuringGrace(t *testing.T) {
	r := NewClientRegistry()
	r.MarkOnline("c1", "conn-1", t0)
	_, ok := r.MarkOfflineGrace("c1", "conn-1", t0, time.Minute)
	require.True(t, ok)

	c, prev := r.MarkOnline("c1", "conn-2", t0.Add(10*time.Second))
	assert.Equal(t, models.ClientOfflineGrace, prev)
	assert.Equal(t, models.ClientOnline, c.Status)
	assert.Equal(t, "conn-2", c.ConnID)
	assert.Zero(t, c.GraceDeadline)
	assertOnlineIffBound(t, r)
}

func TestClientReconnectAfterExpiry(t *testing.T) {
	r := NewClientRegistry()
	r.MarkOnline("c1", "conn-1", t0)
	r.MarkOfflineGrace("c1", "conn-1", t0, time.Second)
	r.ExpireIfDeadlinePassed("c1", t0.Add(time.Second))

	c, prev := r.MarkOnline("c1", "conn-2", t0.Add(time.Minute))
	assert.Equal(t, models.ClientOfflineExpired, prev)
	assert.Equal(t, models.ClientOnline, c.Status)
	assert.Zero(t, c.ExpiredAt)
}

func TestClientConflictLastWriterWins(t *testing.T) {
	r := NewClientRegistry()
	r.MarkOnline("same", "conn-old", t0)

	assert.False(t, r.DetectConflict("same", "conn-old"))
	assert.True(t, r.DetectConflict("same", "conn-new"))

	r.ResolveConflict("same", "conn-new", t0.Add(time.Second))
	c, ok := r.Get("same")
	require.True(t, ok)
	assert.Equal(t, "conn-new", c.ConnID)
	assert.Equal(t, models.ClientOnline, c.Status)

	// The superseded connection closing later must not take the client offline.
	_, moved := r.MarkOfflineGrace("same", "conn-old", t0.Add(2*time.Second), time.Minute)
	assert.False(t, moved)
	c, _ = r.Get("same")
	assert.Equal(t, "conn-new", c.ConnID)
	assertOnlineIffBound(t, r)
}

func TestClientNoConflictWhenUnbound(t *testing.T) {
	r := NewClientRegistry()
	assert.False(t, r.DetectConflict("ghost", "conn-1"))

	r.MarkOnline("c1", "conn-1", t0)
	r.MarkOfflineGrace("c1", "conn-1", t0, time.Minute)
	assert.False(t, r.DetectConflict("c1", "conn-2"))
}

func TestClientUpsertMergesMeta(t *testing.T) {
	r := NewClientRegistry()
	r.MarkOnline("c1", "conn-1", t0)

	c := r.UpsertClient("c1", map[string]string{"version": "1.0.0"}, t0.Add(time.Second))
	assert.Equal(t, "1.0.0", c.Meta["version"])
	assert.Equal(t, models.ClientOnline, c.Status)
	assert.Equal(t, models.UnixMs(t0.Add(time.Second)), c.LastSeen)

	// Callers cannot mutate registry state through the returned copy.
	c.Meta["version"] = "tampered"
	got, _ := r.Get("c1")
	assert.Equal(t, "1.0.0", got.Meta["version"])

	fresh := r.UpsertClient("c2", nil, t0)
	assert.Equal(t, models.ClientOfflineExpired, fresh.Status)
	assertOnlineIffBound(t, r)
}

func TestClientTouch(t *testing.T) {
	r := NewClientRegistry()
	assert.False(t, r.Touch("c1", t0))

	r.MarkOnline("c1", "conn-1", t0)
	require.True(t, r.Touch("c1", t0.Add(5*time.Second)))
	c, _ := r.Get("c1")
	assert.Equal(t, models.UnixMs(t0.Add(5*time.Second)), c.LastSeen)
}

func TestClientImportDemotesOnline(t *testing.T) {
	r := NewClientRegistry()
	r.ImportSnapshot([]models.ClientState{
		{ClientID: "a", Status: models.ClientOnline, ConnID: "conn-x", LastSeen: 1, ConnectedAt: 1},
		{ClientID: "b", Status: models.ClientOfflineGrace, GraceDeadline: 99, LastSeen: 1},
	}, t0)

	a, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, models.ClientOfflineExpired, a.Status)
	assert.Empty(t, a.ConnID)
	assert.Equal(t, models.UnixMs(t0), a.ExpiredAt)

	b, _ := r.Get("b")
	assert.Equal(t, models.ClientOfflineGrace, b.Status)
	assert.Equal(t, int64(99), b.GraceDeadline)
	assertOnlineIffBound(t, r)
	assert.Zero(t, r.CountOnline())

	c, prev := r.MarkOnline("a", "conn-new", t0.Add(time.Second))
	assert.Equal(t, models.ClientOfflineExpired, prev)
	assert.Equal(t, models.ClientOnline, c.Status)
	assert.Equal(t, 1, r.CountOnline())
}

func TestClientListOrdered(t *testing.T) {
	r := NewClientRegistry()
	r.MarkOnline("b", "2", t0)
	r.MarkOnline("a", "1", t0)
	r.MarkOnline("c", "3", t0)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ClientID)
	assert.Equal(t, "b", list[1].ClientID)
	assert.Equal(t, "c", list[2].ClientID)
}
