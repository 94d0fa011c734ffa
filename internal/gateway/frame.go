package gateway

import "encoding/json"

// Request is a client→server frame (§4.7). Type names the operation
// (e.g. "session.create"); Payload is operation-specific and decoded by the
// matching handler in dispatch.go.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is the server→client reply to exactly one Request, correlated by
// RequestID.
type Response struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Payload   any         `json:"payload,omitempty"`
	Error     *FrameError `json:"error,omitempty"`
}

// Notification is an unsolicited server→client push — one adapter or engine
// manager event, broadcast verbatim to every authenticated connection
// (§4.7 "one notification can serve all subscribed clients").
type Notification struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// FrameError is the error shape embedded in a Response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes a Response may carry. Adapter-originated errors propagate
// their Go error message under ErrCodeInternal unless a handler maps them to
// something more specific.
const (
	ErrCodeParse   = "PARSE_ERROR"
	ErrCodeUnknown = "UNKNOWN_REQUEST"
	ErrCodeInternal = "INTERNAL_ERROR"
)

func errorResponse(requestID, code, message string) Response {
	return Response{Type: "response", RequestID: requestID, Error: &FrameError{Code: code, Message: message}}
}

func okResponse(requestID string, payload any) Response {
	return Response{Type: "response", RequestID: requestID, Payload: payload}
}

// authFrame is the shape of the optional first text frame used to
// authenticate when no token query parameter was supplied at handshake.
type authFrame struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	RequestID string `json:"requestId,omitempty"`
}
