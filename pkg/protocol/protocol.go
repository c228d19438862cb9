// Package protocol defines the JSON frames exchanged between the relay and
// browser agents over the duplex channel. One JSON object per frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType is the "type" discriminator of every frame.
type MessageType string

// Agent to relay.
const (
	TypeHello              MessageType = "hello"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeTabSnapshot        MessageType = "tab_snapshot"
	TypeTabOpen            MessageType = "tab_open"
	TypeTabUpdate          MessageType = "tab_update"
	TypeTabClose           MessageType = "tab_close"
	TypeExecuteInTabResult MessageType = "execute_in_tab_result"
)

// Relay to agent.
const (
	TypeExecuteInTab MessageType = "execute_in_tab"
)

var (
	ErrNotHello        = errors.New("first message must be hello")
	ErrMissingClientID = errors.New("missing clientId")
)

// Hello must be the first frame on every connection.
type Hello struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId"`
	Version  string      `json:"version"`
	TS       int64       `json:"ts"`
}

// Heartbeat keeps lastSeen fresh.
type Heartbeat struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId"`
	TS       int64       `json:"ts"`
}

// SnapshotTab is one entry of a full tab report.
type SnapshotTab struct {
	TabID    string `json:"tabId"`
	WindowID *int   `json:"windowId,omitempty"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// TabSnapshot is the agent's authoritative list of open tabs.
type TabSnapshot struct {
	Type     MessageType   `json:"type"`
	ClientID string        `json:"clientId"`
	Tabs     []SnapshotTab `json:"tabs"`
	TS       int64         `json:"ts"`
}

// TabEvent is a single tab_open, tab_update or tab_close.
type TabEvent struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId"`
	TabID    string      `json:"tabId"`
	WindowID *int        `json:"windowId,omitempty"`
	URL      *string     `json:"url,omitempty"`
	Title    *string     `json:"title,omitempty"`
	TS       int64       `json:"ts"`
}

// IsClose reports whether the event closes its tab.
func (e *TabEvent) IsClose() bool {
	return e.Type == TypeTabClose
}

// ExecuteInTab asks the agent to run an action inside a tab. Params are
// opaque to the relay.
type ExecuteInTab struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId"`
	TabID     string          `json:"tabId"`
	Action    string          `json:"action"`
	Mode      string          `json:"mode,omitempty"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// NewExecuteInTab builds the outbound frame, defaulting params to {}.
func NewExecuteInTab(requestID, tabID, action, mode string, params json.RawMessage, timeoutMs int64) *ExecuteInTab {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}
	return &ExecuteInTab{
		Type:      TypeExecuteInTab,
		RequestID: requestID,
		TabID:     tabID,
		Action:    action,
		Mode:      mode,
		Params:    params,
		TimeoutMs: timeoutMs,
	}
}

// ExecuteError is the agent-reported failure. Relayed verbatim.
type ExecuteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ExecuteInTabResult correlates with an ExecuteInTab by RequestID.
type ExecuteInTabResult struct {
	Type      MessageType            `json:"type"`
	ClientID  string                 `json:"clientId,omitempty"`
	RequestID string                 `json:"requestId"`
	OK        bool                   `json:"ok"`
	Action    string                 `json:"action,omitempty"`
	TabID     string                 `json:"tabId,omitempty"`
	Data      json.RawMessage        `json:"data,omitempty"`
	Error     *ExecuteError          `json:"error,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	TS        int64                  `json:"ts,omitempty"`
}

// Inbound is a parsed frame whose body has not been decoded yet.
type Inbound struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId"`
	raw      []byte
}

// Parse reads the envelope of a frame. The full body is decoded on demand.
func Parse(raw []byte) (*Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if m.Type == "" {
		return nil, errors.New("invalid frame: missing type")
	}
	m.raw = raw
	return &m, nil
}

// Decode unmarshals the whole frame into v.
func (m *Inbound) Decode(v interface{}) error {
	return json.Unmarshal(m.raw, v)
}

// ValidateHello checks that m is a well-formed hello and returns it.
func ValidateHello(m *Inbound) (*Hello, error) {
	if m == nil || m.Type != TypeHello {
		return nil, ErrNotHello
	}
	var h Hello
	if err := m.Decode(&h); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}
	h.ClientID = strings.TrimSpace(h.ClientID)
	if h.ClientID == "" {
		return nil, ErrMissingClientID
	}
	return &h, nil
}
