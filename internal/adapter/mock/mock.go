// Package mock implements adapter.Adapter entirely in memory, with no child
// process and no network I/O. It exists to seed the gateway's test suite and
// to let the rest of the system (engine manager, gateway server) be
// exercised without a real backend installed.
//
// Its registry pattern — a mutex-guarded map keyed by session id — mirrors
// the teacher's
// agentmanager.Manager (server/internal/agentmanager/manager.go), adapted
// here to hold sessions and in-flight messages instead of connected agents.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/model"
)

const EngineType = "mock"

// Adapter is the in-memory Engine Adapter used by tests.
type Adapter struct {
	mu     sync.Mutex
	status adapter.Status
	logger *zap.Logger
	ids    *model.IDGenerator
	emit   adapter.Emitter

	sessions map[string]*model.Session
	history  map[string][]*model.Message // sessionID -> messages

	permissions map[string]pendingPermission
	cancelled   map[string]struct{}

	models []adapter.Model
	modes  []adapter.Mode
}

type pendingPermission struct {
	sessionID string
	reply     chan model.PermissionReply
}

// New creates an idle MockAdapter. Call Start before use.
func New(ids *model.IDGenerator, emit adapter.Emitter, logger *zap.Logger) *Adapter {
	return &Adapter{
		status:      adapter.StatusStopped,
		logger:      logger.Named("adapter.mock"),
		ids:         ids,
		emit:        emit,
		sessions:    make(map[string]*model.Session),
		history:     make(map[string][]*model.Message),
		permissions: make(map[string]pendingPermission),
		cancelled:   make(map[string]struct{}),
		models:      []adapter.Model{{ID: "mock-1", Name: "Mock Model 1"}},
		modes:       []adapter.Mode{{ID: "default", Name: "Default"}},
	}
}

func (a *Adapter) EngineType() string { return EngineType }

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status == adapter.StatusRunning || a.status == adapter.StatusStarting {
		a.mu.Unlock()
		return nil
	}
	a.status = adapter.StatusRunning
	a.mu.Unlock()

	a.logger.Info("started")
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: EngineType, Status: adapter.StatusRunning})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.status == adapter.StatusStopped {
		a.mu.Unlock()
		return nil
	}
	a.status = adapter.StatusStopped
	for id, p := range a.permissions {
		close(p.reply)
		delete(a.permissions, id)
	}
	a.mu.Unlock()

	a.logger.Info("stopped")
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: EngineType, Status: adapter.StatusStopped})
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != adapter.StatusRunning {
		return adapter.ErrNotRunning
	}
	return nil
}

func (a *Adapter) ListSessions(ctx context.Context, directory string) ([]*model.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.Session
	for _, s := range a.sessions {
		if directory == "" || model.NormalizeDirectory(s.Directory) == model.NormalizeDirectory(directory) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *Adapter) CreateSession(ctx context.Context, directory string) (*model.Session, error) {
	now := time.Now()
	sess := &model.Session{
		ID:         a.ids.New("ses"),
		EngineType: EngineType,
		Directory:  model.NormalizeDirectory(directory),
		Title:      "New session",
		Created:    now,
		Updated:    now,
	}

	a.mu.Lock()
	a.sessions[sess.ID] = sess
	a.mu.Unlock()

	a.publish(adapter.TopicSessionCreated, adapter.SessionEvent{EngineType: EngineType, Session: sess})
	return sess, nil
}

func (a *Adapter) GetSession(ctx context.Context, id string) (*model.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[id]
	if !ok {
		return nil, adapter.ErrSessionNotFound
	}
	return sess, nil
}

func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	a.mu.Lock()
	_, ok := a.sessions[id]
	delete(a.sessions, id)
	delete(a.history, id)
	a.mu.Unlock()
	if !ok {
		return adapter.ErrSessionNotFound
	}
	return nil
}

// SendMessage implements the two seed scenarios directly: a "2+2" style
// arithmetic expression gets evaluated, everything else is echoed back with
// a fixed prefix. Both responses complete synchronously since there is no
// real backend latency to simulate.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, content string, opts adapter.SendOptions) (*model.Message, error) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return nil, adapter.ErrSessionNotFound
	}
	delete(a.cancelled, sessionID)
	a.mu.Unlock()

	userMsg := &model.Message{
		ID:        a.ids.New("msg"),
		SessionID: sessionID,
		Role:      model.RoleUser,
		Created:   time.Now(),
		Parts: []*model.Part{{
			ID:        a.ids.New("prt"),
			MessageID: "",
			SessionID: sessionID,
			Kind:      model.PartText,
			Text:      content,
		}},
	}
	userMsg.Parts[0].MessageID = userMsg.ID
	completedAt := time.Now()
	userMsg.Completed = &completedAt

	buf := adapter.NewMessageBuffer(a.ids, a.publish, EngineType, sessionID, model.RoleAssistant)
	buf.TextDelta(replyFor(content))
	assistantMsg := buf.Finalize("")

	a.mu.Lock()
	if _, cancelled := a.cancelled[sessionID]; cancelled {
		a.mu.Unlock()
		return nil, adapter.ErrCancelled
	}
	a.history[sessionID] = append(a.history[sessionID], userMsg, assistantMsg)
	sess.Updated = time.Now()
	a.mu.Unlock()

	return assistantMsg, nil
}

// replyFor implements the mock's canned responses: a plain arithmetic
// expression is evaluated, everything else is echoed.
func replyFor(content string) string {
	if sum, ok := evalSimpleAddition(content); ok {
		return fmt.Sprintf("The answer is %d", sum)
	}
	return "This is a mock response to: " + content
}

// evalSimpleAddition recognises the "a+b" shape used by the math-echo seed
// scenario. It is intentionally narrow — this is a test fixture, not a
// calculator.
func evalSimpleAddition(content string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(content), "+", 2)
	if len(parts) != 2 {
		return 0, false
	}
	var a, b int
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &a); err != nil {
		return 0, false
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &b); err != nil {
		return 0, false
	}
	return a + b, true
}

func (a *Adapter) CancelMessage(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	a.cancelled[sessionID] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return nil, adapter.ErrSessionNotFound
	}
	return append([]*model.Message(nil), a.history[sessionID]...), nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]adapter.Model, error) {
	return a.models, nil
}

func (a *Adapter) SetModel(ctx context.Context, sessionID, modelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return adapter.ErrSessionNotFound
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	sess.Metadata["modelId"] = modelID
	return nil
}

func (a *Adapter) GetModes(ctx context.Context) ([]adapter.Mode, error) {
	return a.modes, nil
}

func (a *Adapter) SetMode(ctx context.Context, sessionID, modeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return adapter.ErrSessionNotFound
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	sess.Metadata["modeId"] = modeID
	return nil
}

// AskPermission is a test-only helper letting scenarios simulate a backend
// reverse-requesting permission; production adapters trigger this from their
// own reverse-request handling instead.
func (a *Adapter) AskPermission(sessionID, toolCallID, title string, kind model.PermissionKind, options []model.PermissionOption) string {
	id := a.ids.New("prm")
	perm := &model.Permission{
		ID:         id,
		SessionID:  sessionID,
		EngineType: EngineType,
		ToolCallID: toolCallID,
		Title:      title,
		Kind:       kind,
		Options:    options,
	}
	a.mu.Lock()
	a.permissions[id] = pendingPermission{sessionID: sessionID, reply: make(chan model.PermissionReply, 1)}
	a.mu.Unlock()

	a.publish(adapter.TopicPermissionAsked, adapter.PermissionEvent{EngineType: EngineType, Permission: perm})
	return id
}

func (a *Adapter) ReplyPermission(ctx context.Context, permissionID string, reply model.PermissionReply) error {
	a.mu.Lock()
	p, ok := a.permissions[permissionID]
	if ok {
		delete(a.permissions, permissionID)
	}
	a.mu.Unlock()
	if !ok {
		return adapter.ErrPermissionNotFound
	}
	p.reply <- reply
	close(p.reply)

	a.publish(adapter.TopicPermissionReplied, adapter.PermissionEvent{
		EngineType: EngineType,
		Permission: &model.Permission{ID: permissionID, SessionID: p.sessionID, EngineType: EngineType},
		Reply:      &reply,
	})
	return nil
}

func (a *Adapter) ListProjects(ctx context.Context) ([]model.Project, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]model.Project)
	for _, s := range a.sessions {
		dir := model.NormalizeDirectory(s.Directory)
		id := model.ProjectID(EngineType, dir)
		seen[id] = model.Project{ID: id, EngineType: EngineType, Directory: dir}
	}
	out := make([]model.Project, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out, nil
}

func (a *Adapter) publish(topic string, payload any) {
	if a.emit != nil {
		a.emit(topic, payload)
	}
}

var _ adapter.Adapter = (*Adapter)(nil)
