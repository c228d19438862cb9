package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/config"
	"github.com/kandev/tabrelay/internal/common/logger"
)

// HeaderClientID carries Event.ClientID so consumers can filter without
// decoding the body.
const HeaderClientID = "Relay-Client-Id"

// NATSEventBus publishes relay events to NATS. Subjects are prefixed with
// the configured SubjectPrefix on the wire; subscribers see the same
// unprefixed subjects the relay publishes.
type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewNATSEventBus connects to cfg.URL. The connection reconnects up to
// cfg.MaxReconnects times; publishes during an outage are buffered by the
// client library.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithFields(zap.String("component", "nats_bus"))
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected, relay events are buffered", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS",
		zap.String("url", cfg.URL),
		zap.String("subject_prefix", cfg.SubjectPrefix))
	return &NATSEventBus{
		conn:   conn,
		prefix: strings.Trim(cfg.SubjectPrefix, "."),
		logger: log,
	}, nil
}

func (b *NATSEventBus) wireSubject(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

// Publish sends event as JSON. The event id doubles as the JetStream
// de-duplication id.
func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(b.wireSubject(subject))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	if event.ClientID != "" {
		msg.Header.Set(HeaderClientID, event.ClientID)
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers matching events on the NATS client's goroutine.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.wireSubject(subject), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close flushes pending publishes and closes the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports the NATS connection state.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }

func (s *natsSubscription) IsValid() bool { return s.sub.IsValid() }
