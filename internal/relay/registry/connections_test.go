package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct{ sent [][]byte }

func (f *fakeSender) Send(data []byte) bool {
	f.sent = append(f.sent, data)
	return true
}

func TestConnectionManager(t *testing.T) {
	m := NewConnectionManager()
	s := &fakeSender{}

	conn := m.Register("conn-1", "", s, t0)
	assert.Equal(t, "conn-1", conn.ConnID)
	assert.Equal(t, 1, m.Count())

	require.True(t, m.Bind("conn-1", "c1"))
	assert.False(t, m.Bind("missing", "c1"))

	got, ok := m.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ClientID)
	require.True(t, got.Sender.Send([]byte("x")))
	assert.Len(t, s.sent, 1)

	removed, ok := m.Unregister("conn-1")
	require.True(t, ok)
	assert.Equal(t, "c1", removed.ClientID)
	assert.Zero(t, m.Count())

	_, ok = m.Unregister("conn-1")
	assert.False(t, ok)
	_, ok = m.Get("conn-1")
	assert.False(t, ok)
}
