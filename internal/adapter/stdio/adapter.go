// Package stdio implements the Engine Adapter contract over a child
// process's stdio using line-delimited JSON-RPC 2.0 (§4.4). It spawns one
// backend process per adapter instance, performs the initialize handshake,
// routes session/update notifications into the shared MessageBuffer
// assembler, answers reverse requests (permission prompts, file I/O), and
// runs an activity watchdog that auto-cancels stuck prompts.
package stdio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/metrics"
	"github.com/codegateio/gateway/internal/model"
)

const (
	// watchdogInterval is how often the activity watchdog re-checks every
	// session with an in-flight prompt.
	watchdogInterval = 10 * time.Second
	// watchdogTimeout is how long a session may go without a session/update
	// before its active prompt is auto-cancelled.
	watchdogTimeout = 120 * time.Second
)

// sessionState is the adapter's live view of one session: its cached
// metadata, the in-flight assistant buffer (nil when idle), a replay-only
// user buffer, and the bookkeeping needed by the activity watchdog and
// cancellation.
type sessionState struct {
	session      *model.Session
	buffer       *adapter.MessageBuffer
	userBuffer   *adapter.MessageBuffer
	lastActivity time.Time
	loading      bool
	cancelCh     chan struct{}
	cancelOnce   sync.Once
}

// Adapter implements adapter.Adapter by speaking JSON-RPC to a spawned
// backend process. The zero value is not usable — create instances with New.
type Adapter struct {
	engineType string
	command    string
	args       []string
	logger     *zap.Logger
	ids        *model.IDGenerator
	emit       adapter.Emitter
	metrics    *metrics.Registry

	mu       sync.Mutex
	status   adapter.Status
	rpc      *client
	sessions map[string]*sessionState

	supportsLoadSession bool
	models              []adapter.Model
	modes               []adapter.Mode

	permissions map[string]pendingPermission

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

type pendingPermission struct {
	sessionID string
	resultCh  chan json.RawMessage
}

// Config configures how the backend process is spawned.
type Config struct {
	EngineType string
	Command    string
	Args       []string
	// Metrics is optional; nil disables reverse-request instrumentation.
	Metrics *metrics.Registry
}

// New creates an idle stdio adapter. Call Start to spawn the backend.
func New(cfg Config, ids *model.IDGenerator, emit adapter.Emitter, logger *zap.Logger) *Adapter {
	return &Adapter{
		engineType:  cfg.EngineType,
		command:     cfg.Command,
		args:        cfg.Args,
		logger:      logger.Named("adapter.stdio." + cfg.EngineType),
		ids:         ids,
		emit:        emit,
		metrics:     cfg.Metrics,
		status:      adapter.StatusStopped,
		sessions:    make(map[string]*sessionState),
		permissions: make(map[string]pendingPermission),
	}
}

func (a *Adapter) EngineType() string { return a.engineType }

// childEnv builds the subprocess environment per §6: inherit the parent
// environment, strip ELECTRON_RUN_AS_NODE, and force GIT_TERMINAL_PROMPT=0
// with an empty GIT_ASKPASS so a misbehaving credential helper never blocks
// the child on a prompt nobody can answer.
func childEnv() []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "ELECTRON_RUN_AS_NODE=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=")
	return out
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status == adapter.StatusRunning || a.status == adapter.StatusStarting {
		a.mu.Unlock()
		return nil
	}
	a.status = adapter.StatusStarting
	a.mu.Unlock()

	rpc := newClient(a.logger, a.handleNotification, a.handleReverseRequest)
	if err := rpc.start(ctx, a.command, a.args, childEnv()); err != nil {
		a.setStatus(adapter.StatusError, err.Error())
		return fmt.Errorf("stdio: spawn %s: %w", a.engineType, err)
	}

	initResult, err := rpc.call(ctx, "initialize", initializeParams{
		ProtocolVersion: 1,
		ClientInfo:      clientInfo{Name: "codegateio-gateway", Version: "1"},
		ClientCapabilities: clientCapabilities{
			Fs: fsCapabilities{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		rpc.close()
		a.setStatus(adapter.StatusError, err.Error())
		return fmt.Errorf("stdio: initialize %s: %w", a.engineType, err)
	}

	var initRes initializeResult
	if len(initResult) > 0 {
		_ = json.Unmarshal(initResult, &initRes)
	}

	a.mu.Lock()
	a.rpc = rpc
	a.supportsLoadSession = initRes.AgentCapabilities.LoadSession
	a.watchdogStop = make(chan struct{})
	a.watchdogDone = make(chan struct{})
	a.status = adapter.StatusRunning
	a.mu.Unlock()

	go a.watchdogLoop()

	a.logger.Info("started", zap.String("engineType", a.engineType), zap.Bool("loadSession", initRes.AgentCapabilities.LoadSession))
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: a.engineType, Status: adapter.StatusRunning})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.status == adapter.StatusStopped {
		a.mu.Unlock()
		return nil
	}
	rpc := a.rpc
	watchdogStop := a.watchdogStop
	a.status = adapter.StatusStopped
	for _, s := range a.sessions {
		s.cancelOnce.Do(func() {
			if s.cancelCh != nil {
				close(s.cancelCh)
			}
		})
	}
	// §7 "Permission fatal": any permission still awaiting a client reply
	// when the adapter is torn down resolves as rejected so the parked
	// handleReverseRequest goroutine never blocks forever.
	for id, p := range a.permissions {
		result, _ := json.Marshal(permissionOutcomeResult{Outcome: permissionOutcome{Outcome: "cancelled"}})
		p.resultCh <- result
		delete(a.permissions, id)
	}
	a.mu.Unlock()

	if watchdogStop != nil {
		close(watchdogStop)
		<-a.watchdogDone
	}
	if rpc != nil {
		rpc.close()
	}

	a.logger.Info("stopped")
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: a.engineType, Status: adapter.StatusStopped})
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

func (a *Adapter) publish(topic string, payload any) {
	if a.emit != nil {
		a.emit(topic, payload)
	}
}

func (a *Adapter) setStatus(status adapter.Status, errMsg string) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: a.engineType, Status: status, Error: errMsg})
}

func (a *Adapter) getSessionState(id string) (*sessionState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

// ListSessions asks the backend for its sessions under dir, falling back to
// the in-memory cache when the backend does not support session/list.
func (a *Adapter) ListSessions(ctx context.Context, directory string) ([]*model.Session, error) {
	a.mu.Lock()
	rpc := a.rpc
	a.mu.Unlock()
	if rpc == nil {
		return nil, adapter.ErrNotRunning
	}

	result, err := rpc.call(ctx, "session/list", sessionListParams{Cwd: directory})
	if err == nil {
		var res sessionListResult
		if jsonErr := json.Unmarshal(result, &res); jsonErr == nil {
			out := make([]*model.Session, 0, len(res.Sessions))
			for _, s := range res.Sessions {
				out = append(out, a.cacheSession(s.ID, directory, s.Title))
			}
			return out, nil
		}
	}

	// Unsupported or failed: fall back to whatever is cached in memory.
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.Session
	for _, s := range a.sessions {
		if directory == "" || model.NormalizeDirectory(s.session.Directory) == model.NormalizeDirectory(directory) {
			out = append(out, s.session)
		}
	}
	return out, nil
}

func (a *Adapter) cacheSession(id, directory, title string) *model.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[id]; ok {
		if title != "" {
			s.session.Title = title
		}
		return s.session
	}
	now := time.Now()
	sess := &model.Session{
		ID:         id,
		EngineType: a.engineType,
		Directory:  model.NormalizeDirectory(directory),
		Title:      title,
		Created:    now,
		Updated:    now,
	}
	if sess.Title == "" {
		sess.Title = "New session"
	}
	a.sessions[id] = &sessionState{session: sess, lastActivity: now}
	return sess
}

func (a *Adapter) CreateSession(ctx context.Context, directory string) (*model.Session, error) {
	a.mu.Lock()
	rpc := a.rpc
	a.mu.Unlock()
	if rpc == nil {
		return nil, adapter.ErrNotRunning
	}

	result, err := rpc.call(ctx, "session/new", sessionNewParams{Cwd: directory, McpServers: []any{}})
	if err != nil {
		return nil, fmt.Errorf("stdio: session/new: %w", err)
	}
	var res sessionNewResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("stdio: parse session/new result: %w", err)
	}

	sess := a.cacheSession(res.SessionID, directory, "New session")
	a.publish(adapter.TopicSessionCreated, adapter.SessionEvent{EngineType: a.engineType, Session: sess})
	return sess, nil
}

func (a *Adapter) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s, ok := a.getSessionState(id)
	if !ok {
		return nil, adapter.ErrSessionNotFound
	}
	return s.session, nil
}

func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	a.mu.Lock()
	rpc := a.rpc
	_, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if !ok {
		return adapter.ErrSessionNotFound
	}
	if rpc != nil {
		_, _ = rpc.call(ctx, "session/delete", sessionIDParams{SessionID: id})
	}
	return nil
}

// SendMessage issues session/prompt with no transport-level timeout (the
// activity watchdog bounds it instead), and races the RPC result against a
// local cancel channel so cancelMessage can unblock the caller immediately
// without waiting on the backend.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, content string, opts adapter.SendOptions) (*model.Message, error) {
	state, ok := a.getSessionState(sessionID)
	if !ok {
		return nil, adapter.ErrSessionNotFound
	}

	a.mu.Lock()
	rpc := a.rpc
	state.buffer = adapter.NewMessageBuffer(a.ids, a.emit, a.engineType, sessionID, model.RoleAssistant)
	state.cancelCh = make(chan struct{})
	state.cancelOnce = sync.Once{}
	state.lastActivity = time.Now()
	a.mu.Unlock()
	if rpc == nil {
		return nil, adapter.ErrNotRunning
	}

	resultCh := make(chan struct {
		result json.RawMessage
		err    error
	}, 1)
	go func() {
		result, err := rpc.call(ctx, "session/prompt", sessionPromptParams{
			SessionID: sessionID,
			Prompt:    content,
			ModelID:   opts.ModelID,
			ModeID:    opts.Mode,
		})
		resultCh <- struct {
			result json.RawMessage
			err    error
		}{result, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return state.buffer.Finalize(r.err.Error()), nil
		}
		var res sessionPromptResult
		_ = json.Unmarshal(r.result, &res)
		return state.buffer.Finalize(""), nil

	case <-state.cancelCh:
		return state.buffer.Finalize("Cancelled"), nil

	case <-ctx.Done():
		return state.buffer.Finalize(ctx.Err().Error()), ctx.Err()
	}
}

// CancelMessage resolves the active prompt locally first, then best-effort
// asks the backend to stop (§4.4 Cancellation).
func (a *Adapter) CancelMessage(ctx context.Context, sessionID string) error {
	state, ok := a.getSessionState(sessionID)
	if !ok {
		return adapter.ErrSessionNotFound
	}
	a.mu.Lock()
	rpc := a.rpc
	if state.cancelCh != nil {
		state.cancelOnce.Do(func() { close(state.cancelCh) })
	}
	a.mu.Unlock()

	if rpc != nil {
		go func() { _, _ = rpc.call(context.Background(), "session/cancel", sessionIDParams{SessionID: sessionID}) }()
	}
	return nil
}

func (a *Adapter) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	state, ok := a.getSessionState(sessionID)
	if !ok {
		return nil, adapter.ErrSessionNotFound
	}

	if !a.supportsLoadSessionEnabled() {
		return nil, nil
	}

	a.mu.Lock()
	rpc := a.rpc
	a.mu.Unlock()
	if rpc == nil {
		return nil, adapter.ErrNotRunning
	}

	state.loading = true
	if state.userBuffer != nil {
		state.userBuffer.SetSuppressed(true)
	}
	if state.buffer != nil {
		state.buffer.SetSuppressed(true)
	}

	_, err := rpc.call(ctx, "session/load", sessionLoadParams{SessionID: sessionID, Cwd: state.session.Directory, McpServers: []any{}})
	state.loading = false
	if state.userBuffer != nil {
		state.userBuffer.SetSuppressed(false)
		state.userBuffer.Finalize("")
	}
	if state.buffer != nil {
		state.buffer.SetSuppressed(false)
		state.buffer.Finalize("")
	}
	if err != nil {
		return nil, fmt.Errorf("stdio: session/load: %w", err)
	}
	return nil, nil
}

func (a *Adapter) supportsLoadSessionEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.supportsLoadSession
}

func (a *Adapter) ListModels(ctx context.Context) ([]adapter.Model, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.models, nil
}

func (a *Adapter) SetModel(ctx context.Context, sessionID, modelID string) error {
	state, ok := a.getSessionState(sessionID)
	if !ok {
		return adapter.ErrSessionNotFound
	}
	if state.session.Metadata == nil {
		state.session.Metadata = map[string]any{}
	}
	state.session.Metadata["modelId"] = modelID
	return nil
}

func (a *Adapter) GetModes(ctx context.Context) ([]adapter.Mode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modes, nil
}

func (a *Adapter) SetMode(ctx context.Context, sessionID, modeID string) error {
	state, ok := a.getSessionState(sessionID)
	if !ok {
		return adapter.ErrSessionNotFound
	}
	if state.session.Metadata == nil {
		state.session.Metadata = map[string]any{}
	}
	state.session.Metadata["modeId"] = modeID
	return nil
}

// ReplyPermission sends the client's decision back to the parked reverse
// request. A second reply for the same id fails with ErrPermissionNotFound
// since the entry is removed on first use (§8 Routing invariant).
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

	var outcome permissionOutcomeResult
	if reply.Cancelled || reply.OptionID == "" {
		outcome.Outcome.Outcome = "cancelled"
	} else {
		outcome.Outcome.Outcome = "selected"
		outcome.Outcome.OptionID = reply.OptionID
	}
	result, _ := json.Marshal(outcome)
	p.resultCh <- result

	a.publish(adapter.TopicPermissionReplied, adapter.PermissionEvent{
		EngineType: a.engineType,
		Permission: &model.Permission{ID: permissionID, SessionID: p.sessionID, EngineType: a.engineType},
		Reply:      &reply,
	})
	return nil
}

func (a *Adapter) ListProjects(ctx context.Context) ([]model.Project, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]model.Project)
	for _, s := range a.sessions {
		dir := model.NormalizeDirectory(s.session.Directory)
		id := model.ProjectID(a.engineType, dir)
		seen[id] = model.Project{ID: id, EngineType: a.engineType, Directory: dir}
	}
	out := make([]model.Project, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
