package handlers

import (
	"encoding/json"

	"github.com/kandev/tabrelay/internal/common/errors"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/service"
)

// ExecuteInTabRequest is the body of POST /api/execute-in-tab.
type ExecuteInTabRequest struct {
	ClientID  string          `json:"clientId"`
	TabID     string          `json:"tabId"`
	Action    string          `json:"action"`
	Mode      string          `json:"mode,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

func (r ExecuteInTabRequest) toService() service.ExecuteRequest {
	return service.ExecuteRequest{
		ClientID:  r.ClientID,
		TabID:     r.TabID,
		Action:    r.Action,
		Mode:      r.Mode,
		Params:    r.Params,
		TimeoutMs: r.TimeoutMs,
		RequestID: r.RequestID,
	}
}

// ClientsResponse is the body of GET /api/clients.
type ClientsResponse struct {
	Clients []models.ClientState `json:"clients"`
}

// TabsResponse is the body of GET /api/tabs.
type TabsResponse struct {
	Tabs []models.TabState `json:"tabs"`
}

// ErrorBody carries the stable code callers branch on.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	OK        bool      `json:"ok"`
	RequestID string    `json:"requestId,omitempty"`
	Error     ErrorBody `json:"error"`
}

func newErrorResponse(requestID string, err error) ErrorResponse {
	return ErrorResponse{
		OK:        false,
		RequestID: requestID,
		Error:     ErrorBody{Code: errors.Code(err), Message: errors.Message(err)},
	}
}
