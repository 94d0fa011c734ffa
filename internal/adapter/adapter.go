// Package adapter defines the Engine Adapter contract (§4.1) every backend
// implementation satisfies, the canonical event topics adapters publish on
// the shared eventbus, and the MessageBuffer streaming assembler common to
// all of them.
//
// The interface plays the role the teacher's repositories.AgentManager
// interface plays for agentmanager.Manager: a tagged-variant-friendly
// contract the engine manager dispatches against without caring which
// concrete backend it is talking to (Design Notes §9: "a tagged variant
// {engineType, state} plus an interface over the operations... suffices; no
// inheritance depth required").
package adapter

import (
	"context"
	"errors"

	"github.com/codegateio/gateway/internal/model"
)

// Status is the adapter lifecycle state machine.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Topic names published on the eventbus by every adapter implementation.
const (
	TopicStatusChanged      = "status.changed"
	TopicSessionCreated     = "session.created"
	TopicSessionUpdated     = "session.updated"
	TopicMessagePartUpdated = "message.part.updated"
	TopicMessageUpdated     = "message.updated"
	TopicPermissionAsked    = "permission.asked"
	TopicPermissionReplied  = "permission.replied"
)

// StatusChangedEvent is the payload for TopicStatusChanged.
type StatusChangedEvent struct {
	EngineType string `json:"engineType"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// SessionEvent is the payload for TopicSessionCreated/TopicSessionUpdated.
type SessionEvent struct {
	EngineType string         `json:"engineType"`
	Session    *model.Session `json:"session"`
}

// MessagePartUpdatedEvent is the payload for TopicMessagePartUpdated.
type MessagePartUpdatedEvent struct {
	EngineType string      `json:"engineType"`
	SessionID  string      `json:"sessionId"`
	MessageID  string      `json:"messageId"`
	Part       *model.Part `json:"part"`
}

// MessageUpdatedEvent is the payload for TopicMessageUpdated.
type MessageUpdatedEvent struct {
	EngineType string         `json:"engineType"`
	SessionID  string         `json:"sessionId"`
	Message    *model.Message `json:"message"`
}

// PermissionEvent is the payload for TopicPermissionAsked/TopicPermissionReplied.
type PermissionEvent struct {
	EngineType string              `json:"engineType"`
	Permission *model.Permission   `json:"permission"`
	Reply      *model.PermissionReply `json:"reply,omitempty"`
}

// Common sentinel errors surfaced by adapter operations. The engine manager
// and gateway inspect these with errors.Is to assign response error codes.
var (
	// ErrNotRunning means an operation was attempted while the adapter's
	// status is not "running".
	ErrNotRunning = errors.New("adapter: not running")
	// ErrSessionNotFound means the given session id is unknown to this adapter.
	ErrSessionNotFound = errors.New("adapter: session not found")
	// ErrPermissionNotFound means replyPermission referenced an id this
	// adapter has no pending permission for (including a second reply to
	// an id already answered).
	ErrPermissionNotFound = errors.New("adapter: permission not found")
	// ErrCancelled marks a sendMessage result that completed because
	// cancelMessage was called, not because the backend finished normally.
	ErrCancelled = errors.New("adapter: cancelled")
	// ErrTimeout marks a sendMessage result that completed because a
	// watchdog or hard timeout fired.
	ErrTimeout = errors.New("adapter: timeout")
)

// SendOptions carries the optional parameters accepted by sendMessage.
type SendOptions struct {
	Mode    string
	ModelID string
}

// Model describes one selectable model reported by listModels.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Mode describes one selectable mode reported by getModes.
type Mode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Adapter is the uniform contract every backend implementation satisfies.
// All operations are safe for concurrent use; implementations guard their
// mutable state with a single internal mutex (§5: "shared-resource
// policy... a single per-adapter mutex").
type Adapter interface {
	// EngineType is this adapter's stable identifier (e.g. "claude", "opencode").
	EngineType() string

	// Start is idempotent: it brings the adapter to running or error and
	// emits status.changed. Calling it again while already running/starting
	// is a no-op.
	Start(ctx context.Context) error
	// Stop is idempotent: it cancels all pending RPCs with a terminal error
	// and emits status.changed. Calling it again while already stopped is a
	// no-op.
	Stop(ctx context.Context) error
	// HealthCheck performs a non-mutating liveness probe.
	HealthCheck(ctx context.Context) error

	ListSessions(ctx context.Context, directory string) ([]*model.Session, error)
	CreateSession(ctx context.Context, directory string) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	DeleteSession(ctx context.Context, id string) error

	SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (*model.Message, error)
	CancelMessage(ctx context.Context, sessionID string) error
	ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error)

	ListModels(ctx context.Context) ([]Model, error)
	SetModel(ctx context.Context, sessionID, modelID string) error
	GetModes(ctx context.Context) ([]Mode, error)
	SetMode(ctx context.Context, sessionID, modeID string) error

	ReplyPermission(ctx context.Context, permissionID string, reply model.PermissionReply) error

	ListProjects(ctx context.Context) ([]model.Project, error)
}
