package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/tabrelay/internal/common/errors"
	"github.com/kandev/tabrelay/internal/relay/broker"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/tracing"
	"github.com/kandev/tabrelay/pkg/protocol"
)

// MaxExecuteTimeout bounds a caller-supplied timeoutMs.
const MaxExecuteTimeout = 10 * time.Minute

// ExecuteRequest is a control-plane request to run an action in a tab.
type ExecuteRequest struct {
	ClientID  string          `json:"clientId"`
	TabID     string          `json:"tabId"`
	Action    string          `json:"action"`
	Mode      string          `json:"mode,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ExecuteResponse is returned on success. OK mirrors the agent's own ok flag;
// agent-side failures are passed through in Result.Error untouched.
type ExecuteResponse struct {
	OK        bool                         `json:"ok"`
	RequestID string                       `json:"requestId"`
	Result    *protocol.ExecuteInTabResult `json:"result"`
}

// ExecuteInTab forwards req to the agent bound to req.ClientID and waits for
// the correlated result. On failure the returned error is an
// *apperrors.AppError and the returned string is the request id, empty if
// the request was rejected before one was assigned.
func (s *Service) ExecuteInTab(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, string, error) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.TabID = strings.TrimSpace(req.TabID)
	req.Action = strings.TrimSpace(req.Action)
	req.Mode = strings.TrimSpace(req.Mode)
	if req.ClientID == "" || req.TabID == "" || req.Action == "" {
		return nil, "", apperrors.InvalidParams("clientId/tabId/action are required")
	}
	if req.TimeoutMs > MaxExecuteTimeout.Milliseconds() {
		return nil, "", apperrors.InvalidParams(fmt.Sprintf("timeoutMs must not exceed %d", MaxExecuteTimeout.Milliseconds()))
	}

	sender, appErr := s.route(req.ClientID, req.TabID)
	if appErr != nil {
		return nil, "", appErr
	}

	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	timeout := s.cfg.ExecuteTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	ctx, span := tracing.StartExecuteSpan(ctx, req.ClientID, req.TabID, req.Action, requestID)
	start := time.Now()
	resp, err := s.dispatch(ctx, sender, req, requestID, timeout)
	code := ""
	if err != nil {
		code = apperrors.Code(err)
	}
	tracing.EndSpan(span, code, err)

	s.logger.WithContext(ctx).Debug("execute_in_tab finished",
		zap.String("client_id", req.ClientID),
		zap.String("tab_id", req.TabID),
		zap.String("action", req.Action),
		zap.String("request_id", requestID),
		zap.String("error_code", code),
		zap.Duration("duration", time.Since(start)))
	s.publish(executeCompletedEvent(req, requestID, err == nil && resp.OK, code, time.Since(start).Milliseconds()))

	return resp, requestID, err
}

// route resolves the live sender for a client/tab pair.
func (s *Service) route(clientID, tabID string) (models.Sender, *apperrors.AppError) {
	client, ok := s.clients.Get(clientID)
	if !ok || client.Status != models.ClientOnline || client.ConnID == "" {
		return nil, apperrors.ClientNotFound(fmt.Sprintf("client not found or offline: %s", clientID))
	}

	tab, ok := s.tabs.Get(clientID, tabID)
	if !ok || tab.Status != models.TabActive {
		return nil, apperrors.TabNotFound(clientID, tabID)
	}

	conn, ok := s.conns.Get(client.ConnID)
	if !ok || conn.Sender == nil {
		return nil, apperrors.ClientNotFound(fmt.Sprintf("client connection unavailable: %s", clientID))
	}
	return conn.Sender, nil
}

func (s *Service) dispatch(ctx context.Context, sender models.Sender, req ExecuteRequest, requestID string, timeout time.Duration) (*ExecuteResponse, error) {
	waiter, err := s.broker.Register(requestID, timeout)
	if err != nil {
		if errors.Is(err, broker.ErrDuplicateRequest) {
			return nil, apperrors.InvalidParams(fmt.Sprintf("requestId already in flight: %s", requestID))
		}
		return nil, apperrors.InternalError("internal error", err)
	}

	frame := protocol.NewExecuteInTab(requestID, req.TabID, req.Action, req.Mode, req.Params, timeout.Milliseconds())
	data, err := json.Marshal(frame)
	if err != nil {
		waiter.Cancel()
		return nil, apperrors.InvalidParams("params must be valid JSON")
	}
	if !sender.Send(data) {
		waiter.Cancel()
		return nil, apperrors.ClientNotFound(fmt.Sprintf("client connection unavailable: %s", req.ClientID))
	}

	result, err := waiter.Wait(ctx)
	switch {
	case err == nil:
		return &ExecuteResponse{OK: result.OK, RequestID: requestID, Result: result}, nil
	case errors.Is(err, broker.ErrTimeout):
		return nil, apperrors.Timeout(fmt.Sprintf("execute_in_tab timed out after %dms", timeout.Milliseconds()), err)
	default:
		return nil, apperrors.InternalError("internal error", err)
	}
}
