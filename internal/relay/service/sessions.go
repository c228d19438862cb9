package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/relay/lifecycle"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/reconcile"
	"github.com/kandev/tabrelay/pkg/protocol"
)

// Handshake binds a connection that sent a valid hello to its client. A
// client still bound to another live connection is taken over and the
// conflict counted.
func (s *Service) Handshake(connID string, sender models.Sender, hello *protocol.Hello) models.ClientState {
	clientID := hello.ClientID

	s.mu.Lock()
	now := s.now()
	s.conns.Register(connID, clientID, sender, now)

	var previousConn string
	if prev, ok := s.clients.Get(clientID); ok {
		previousConn = prev.ConnID
	}
	conflict := s.clients.DetectConflict(clientID, connID)
	if conflict {
		s.counters.IncClientIDConflict()
	}
	_, prevStatus := s.clients.ResolveConflict(clientID, connID, now)
	graceHit := prevStatus == models.ClientOfflineGrace
	if graceHit {
		s.counters.IncGraceReconnectHit()
	}

	var meta map[string]string
	if hello.Version != "" {
		meta = map[string]string{"version": hello.Version}
	}
	client := s.clients.UpsertClient(clientID, meta, now)
	s.mu.Unlock()

	log := s.logger.WithClientID(clientID).WithConnID(connID)
	if conflict {
		log.Warn("client id conflict, new connection wins", zap.String("previous_conn_id", previousConn))
		s.publish(clientConflictEvent(clientID, previousConn, connID))
	}
	log.Info("client online",
		zap.String("version", hello.Version),
		zap.Bool("grace_reconnect", graceHit))
	s.publish(clientOnlineEvent(client, graceHit))
	s.SchedulePersist()
	return client
}

// HandleMessage applies one post-handshake frame from clientID's connection.
// An error means the frame body was malformed; the caller drops it.
func (s *Service) HandleMessage(connID, clientID string, msg *protocol.Inbound) error {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		s.clients.Touch(clientID, s.now())
		return nil

	case protocol.TypeTabSnapshot:
		var snap protocol.TabSnapshot
		if err := msg.Decode(&snap); err != nil {
			return fmt.Errorf("decode tab_snapshot: %w", err)
		}
		s.mu.Lock()
		now := s.now()
		s.clients.Touch(clientID, now)
		res := reconcile.FromSnapshot(s.tabs, clientID, snap.Tabs, now)
		s.mu.Unlock()
		s.publish(tabsChangedEvent(clientID, "snapshot", res))
		s.SchedulePersist()
		return nil

	case protocol.TypeTabOpen, protocol.TypeTabUpdate, protocol.TypeTabClose:
		var ev protocol.TabEvent
		if err := msg.Decode(&ev); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.mu.Lock()
		now := s.now()
		s.clients.Touch(clientID, now)
		res := reconcile.ApplyEvent(s.tabs, clientID, &ev, now)
		s.mu.Unlock()
		if res.Changed() {
			s.publish(tabsChangedEvent(clientID, string(msg.Type), res))
			s.SchedulePersist()
		}
		return nil

	case protocol.TypeExecuteInTabResult:
		var res protocol.ExecuteInTabResult
		if err := msg.Decode(&res); err != nil {
			return fmt.Errorf("decode execute_in_tab_result: %w", err)
		}
		s.clients.Touch(clientID, s.now())
		res.Type = protocol.TypeExecuteInTabResult
		res.ClientID = ""
		res.TS = 0
		if !s.broker.SubmitResult(&res) {
			s.logger.Debug("dropped unmatched execute_in_tab_result",
				zap.String("client_id", clientID),
				zap.String("request_id", res.RequestID))
		}
		return nil

	default:
		s.clients.Touch(clientID, s.now())
		s.logger.Debug("ignoring unknown frame type",
			zap.String("conn_id", connID),
			zap.String("type", string(msg.Type)))
		return nil
	}
}

// HandleClose processes the close of connID with the given close code.
func (s *Service) HandleClose(connID string, code int) {
	s.mu.Lock()
	res := lifecycle.HandleClose(s.state(), connID, code, s.now(), s.cfg.Grace)
	s.mu.Unlock()

	if !res.WentOffline {
		if res.ClientID != "" {
			s.logger.Debug("superseded connection closed",
				zap.String("client_id", res.ClientID),
				zap.String("conn_id", connID),
				zap.Int("code", code))
		}
		return
	}

	s.logger.Info("client offline, grace period started",
		zap.String("client_id", res.ClientID),
		zap.String("conn_id", connID),
		zap.Int("code", code),
		zap.Int("stale_tabs", res.StaleTabs))
	s.publish(clientOfflineEvent(res, connID, code))
	s.SchedulePersist()
}
