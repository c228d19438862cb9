package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/events"
	"github.com/kandev/tabrelay/internal/events/bus"
	"github.com/kandev/tabrelay/internal/relay/lifecycle"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/reconcile"
)

type outbound struct {
	subject  string
	clientID string
	data     map[string]interface{}
}

// publish never holds registry locks; bus failures are only logged.
func (s *Service) publish(ev outbound) {
	if s.bus == nil {
		return
	}
	e := bus.NewEvent(ev.subject, events.Source, ev.clientID, ev.data)
	if err := s.bus.Publish(context.Background(), ev.subject, e); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", ev.subject), zap.Error(err))
	}
}

func clientOnlineEvent(c models.ClientState, graceReconnect bool) outbound {
	return outbound{events.ClientOnline, c.ClientID, map[string]interface{}{
		"connId":         c.ConnID,
		"version":        c.Meta["version"],
		"graceReconnect": graceReconnect,
	}}
}

func clientOfflineEvent(res lifecycle.CloseResult, connID string, code int) outbound {
	return outbound{events.ClientOffline, res.ClientID, map[string]interface{}{
		"connId":        connID,
		"code":          code,
		"graceDeadline": res.Deadline,
		"staleTabs":     res.StaleTabs,
	}}
}

func clientExpiredEvent(clientID string) outbound {
	return outbound{events.ClientExpired, clientID, nil}
}

func clientConflictEvent(clientID, previousConnID, connID string) outbound {
	return outbound{events.ClientConflict, clientID, map[string]interface{}{
		"previousConnId": previousConnID,
		"connId":         connID,
	}}
}

func tabsChangedEvent(clientID, reason string, res reconcile.Result) outbound {
	return outbound{events.TabsChanged, clientID, map[string]interface{}{
		"reason":   reason,
		"upserted": res.Upserted,
		"closed":   res.Closed,
	}}
}

func executeCompletedEvent(req ExecuteRequest, requestID string, ok bool, code string, durationMs int64) outbound {
	return outbound{events.ExecuteCompleted, req.ClientID, map[string]interface{}{
		"tabId":      req.TabID,
		"action":     req.Action,
		"requestId":  requestID,
		"ok":         ok,
		"code":       code,
		"durationMs": durationMs,
	}}
}
