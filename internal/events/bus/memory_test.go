package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kandev/tabrelay/internal/common/logger"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"relay.client.online", "relay.client.online", true},
		{"relay.client.*", "relay.client.online", true},
		{"relay.*", "relay.client.online", false},
		{"relay.>", "relay.client.online", true},
		{"relay.>", "relay.tabs.changed", true},
		{"relay.>", "relay", false},
		{"relay.client.*", "relay.tabs.changed", false},
		{"relay.client.online", "relay.client.offline", false},
	}
	for _, tt := range tests {
		if got := Matches(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	received := make(chan *Event, 4)
	sub, err := bus.Subscribe("relay.>", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("relay.client.online", "test", "c1", map[string]interface{}{"connId": "conn-1"})
	if err := bus.Publish(context.Background(), "relay.client.online", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != event.ID || got.ClientID != "c1" || got.Data["connId"] != "conn-1" {
			t.Errorf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription still valid after Unsubscribe")
	}
	_ = bus.Publish(context.Background(), "relay.client.online", event)
	select {
	case <-received:
		t.Error("received event after Unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_Closed(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	bus.Close()

	if bus.IsConnected() {
		t.Error("closed bus reports connected")
	}
	if err := bus.Publish(context.Background(), "x", NewEvent("x", "test", "", nil)); err != ErrBusClosed {
		t.Errorf("Publish after Close = %v, want ErrBusClosed", err)
	}
	if _, err := bus.Subscribe("x", nil); err != ErrBusClosed {
		t.Errorf("Subscribe after Close = %v, want ErrBusClosed", err)
	}
}

func TestMemoryEventBus_PreservesOrderPerSubscriber(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	const n = 100
	received := make(chan string, n)
	if _, err := bus.Subscribe("relay.client.*", func(ctx context.Context, event *Event) error {
		received <- event.ClientID
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < n; i++ {
		clientID := fmt.Sprintf("c%d", i)
		if err := bus.Publish(context.Background(), "relay.client.online", NewEvent("relay.client.online", "test", clientID, nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-received:
			if want := fmt.Sprintf("c%d", i); got != want {
				t.Fatalf("event %d = %s, want %s", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d events delivered", i, n)
		}
	}
}

func TestMemoryEventBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewMemoryEventBus(logger.NewNop())
	defer bus.Close()

	release := make(chan struct{})
	if _, err := bus.Subscribe("relay.>", func(ctx context.Context, event *Event) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueue*2; i++ {
			_ = bus.Publish(context.Background(), "relay.tabs.changed", NewEvent("relay.tabs.changed", "test", "c1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestNATSWireSubject(t *testing.T) {
	tests := []struct {
		prefix, subject, want string
	}{
		{"", "relay.client.online", "relay.client.online"},
		{"prod", "relay.client.online", "prod.relay.client.online"},
		{"prod", "relay.>", "prod.relay.>"},
	}
	for _, tt := range tests {
		b := &NATSEventBus{prefix: tt.prefix}
		if got := b.wireSubject(tt.subject); got != tt.want {
			t.Errorf("wireSubject(%q) with prefix %q = %q, want %q", tt.subject, tt.prefix, got, tt.want)
		}
	}
}
