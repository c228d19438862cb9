// Package events names the relay's bus subjects.
package events

// Client lifecycle
const (
	ClientOnline   = "relay.client.online"
	ClientOffline  = "relay.client.offline"
	ClientExpired  = "relay.client.expired"
	ClientConflict = "relay.client.conflict"
)

// Tabs and actions
const (
	TabsChanged      = "relay.tabs.changed"
	ExecuteCompleted = "relay.execute.completed"
)

// AllRelay matches every relay subject.
const AllRelay = "relay.>"

// Source is the Source field of events the relay publishes.
const Source = "tabrelay"
