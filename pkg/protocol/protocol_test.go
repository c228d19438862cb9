package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHello(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "valid", raw: `{"type":"hello","clientId":"c1","version":"1.2.0","ts":1}`},
		{name: "wrong type", raw: `{"type":"heartbeat","clientId":"c1","ts":1}`, wantErr: ErrNotHello},
		{name: "missing client", raw: `{"type":"hello","version":"1"}`, wantErr: ErrMissingClientID},
		{name: "blank client", raw: `{"type":"hello","clientId":"   "}`, wantErr: ErrMissingClientID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.raw))
			require.NoError(t, err)

			hello, err := ValidateHello(msg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "c1", hello.ClientID)
			assert.Equal(t, "1.2.0", hello.Version)
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"clientId":"c1"}`))
	assert.Error(t, err)
}

func TestDecodeTabEvent(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"tab_update","clientId":"c1","tabId":"7","windowId":3,"title":"Docs","ts":5}`))
	require.NoError(t, err)

	var ev TabEvent
	require.NoError(t, msg.Decode(&ev))
	assert.Equal(t, "7", ev.TabID)
	require.NotNil(t, ev.WindowID)
	assert.Equal(t, 3, *ev.WindowID)
	assert.Nil(t, ev.URL)
	require.NotNil(t, ev.Title)
	assert.Equal(t, "Docs", *ev.Title)
	assert.False(t, ev.IsClose())
}

func TestNewExecuteInTabDefaultsParams(t *testing.T) {
	frame := NewExecuteInTab("r1", "101", "extractText", "", nil, 8000)
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"execute_in_tab","requestId":"r1","tabId":"101","action":"extractText","params":{},"timeoutMs":8000}`, string(data))
}
