// Package models holds the relay's value types. Registries hand out copies of
// these, never pointers into their own maps.
package models

import "time"

// ClientStatus is the lifecycle state of an agent.
type ClientStatus string

const (
	ClientOnline         ClientStatus = "online"
	ClientOfflineGrace   ClientStatus = "offline_grace"
	ClientOfflineExpired ClientStatus = "offline_expired"
)

// TabStatus is the lifecycle state of a tab.
type TabStatus string

const (
	TabActive       TabStatus = "active"
	TabStale        TabStatus = "stale"
	TabClosed       TabStatus = "closed"
	TabStaleExpired TabStatus = "stale_expired"
)

// IsTerminal reports whether the tab is eligible for garbage collection.
func (s TabStatus) IsTerminal() bool {
	return s == TabClosed || s == TabStaleExpired
}

// ClientState is the relay's view of one agent. Timestamps are unix
// milliseconds; zero means unset. ConnID is set iff Status is online.
type ClientState struct {
	ClientID      string            `json:"clientId" validate:"required"`
	Status        ClientStatus      `json:"status" validate:"required,oneof=online offline_grace offline_expired"`
	LastSeen      int64             `json:"lastSeen" validate:"gte=0"`
	GraceDeadline int64             `json:"graceDeadline,omitempty" validate:"gte=0"`
	ConnID        string            `json:"connId,omitempty"`
	ConnectedAt   int64             `json:"connectedAt,omitempty" validate:"gte=0"`
	ExpiredAt     int64             `json:"expiredAt,omitempty" validate:"gte=0"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// Clone returns a deep copy.
func (c ClientState) Clone() ClientState {
	if c.Meta != nil {
		meta := make(map[string]string, len(c.Meta))
		for k, v := range c.Meta {
			meta[k] = v
		}
		c.Meta = meta
	}
	return c
}

// TabState is one tab of one client. TabID is only unique within its client.
type TabState struct {
	ClientID  string    `json:"clientId" validate:"required"`
	TabID     string    `json:"tabId" validate:"required"`
	WindowID  *int      `json:"windowId,omitempty"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Status    TabStatus `json:"status" validate:"required,oneof=active stale closed stale_expired"`
	LastSeen  int64     `json:"lastSeen" validate:"gte=0"`
	UpdatedAt int64     `json:"updatedAt" validate:"gte=0"`
}

// Key returns the registry key of the tab.
func (t TabState) Key() string {
	return TabKey(t.ClientID, t.TabID)
}

// Clone returns a deep copy.
func (t TabState) Clone() TabState {
	if t.WindowID != nil {
		w := *t.WindowID
		t.WindowID = &w
	}
	return t
}

// TabKey builds the composite (clientId, tabId) key.
func TabKey(clientID, tabID string) string {
	return clientID + ":" + tabID
}

// Sender is the send capability of a live connection. Send reports false
// when the frame could not be queued, e.g. the connection is closing.
type Sender interface {
	Send(data []byte) bool
}

// ConnectionState is one physical agent connection.
type ConnectionState struct {
	ConnID      string `json:"connId"`
	ClientID    string `json:"clientId,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
	Sender      Sender `json:"-"`
}

// UnixMs converts t to unix milliseconds.
func UnixMs(t time.Time) int64 {
	return t.UnixMilli()
}
