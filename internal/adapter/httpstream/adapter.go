// Package httpstream implements the Engine Adapter contract over a
// stateless REST API plus a single long-lived server-sent-event stream
// (§4.5). It optionally spawns and supervises the backend process itself,
// including the port-acquisition and cross-platform teardown logic in
// process.go.
package httpstream

import (
	"context"
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

// sendTimeout is the 5-minute hard timeout on a pending sendMessage (§4.5
// "Message completion").
const sendTimeout = 5 * time.Minute

// Config configures an HttpStreamAdapter instance.
type Config struct {
	EngineType      string
	Process         ProcessConfig // zero value: attach to an already-running instance at PreferredPort
	DirectoryHeader string        // e.g. "x-opencode-directory"; defaults if empty
	EventPath       string        // e.g. "/global/event"; defaults if empty
	// Metrics is optional; nil disables reverse-request instrumentation.
	Metrics *metrics.Registry
}

type pendingSend struct {
	resultCh chan *model.Message
	buffer   *adapter.MessageBuffer
	timer    *time.Timer
	done     sync.Once
}

// sessionEntry is the adapter's live view of one session.
type sessionEntry struct {
	session *model.Session
	client  *restClient // immutable once created; directory never mutates
}

// Adapter implements adapter.Adapter by talking REST + SSE to a backend
// server, per §4.5.
type Adapter struct {
	cfg    Config
	logger *zap.Logger
	ids    *model.IDGenerator
	emit   adapter.Emitter

	sup *supervisor

	mu        sync.Mutex
	status    adapter.Status
	sessions  map[string]*sessionEntry
	pending   map[string]*pendingSend // sessionID -> in-flight sendMessage
	cancelled map[string]struct{}     // sessionID -> gate closed for late events
	cachedParts map[string]*model.Part // partID -> last known part, for message.part.delta

	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// New creates an idle adapter. Call Start to spawn/attach and connect the
// event stream.
func New(cfg Config, ids *model.IDGenerator, emit adapter.Emitter, logger *zap.Logger) *Adapter {
	if cfg.DirectoryHeader == "" {
		cfg.DirectoryHeader = "x-opencode-directory"
	}
	if cfg.EventPath == "" {
		cfg.EventPath = "/global/event"
	}
	return &Adapter{
		cfg:         cfg,
		logger:      logger.Named("adapter.httpstream." + cfg.EngineType),
		ids:         ids,
		emit:        emit,
		status:      adapter.StatusStopped,
		sessions:    make(map[string]*sessionEntry),
		pending:     make(map[string]*pendingSend),
		cancelled:   make(map[string]struct{}),
		cachedParts: make(map[string]*model.Part),
	}
}

func (a *Adapter) EngineType() string { return a.cfg.EngineType }

func childEnv() []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "ELECTRON_RUN_AS_NODE=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=")
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status == adapter.StatusRunning || a.status == adapter.StatusStarting {
		a.mu.Unlock()
		return nil
	}
	a.status = adapter.StatusStarting
	a.mu.Unlock()

	var baseURL string
	if a.cfg.Process.Command != "" {
		port, attach, err := acquirePort(ctx, a.cfg.Process, a.logger)
		if err != nil {
			a.setStatus(adapter.StatusError, err.Error())
			return fmt.Errorf("httpstream: acquire port: %w", err)
		}
		if !attach {
			sup := newSupervisor(a.cfg.Process, a.logger)
			if err := sup.start(ctx, port, "", childEnv()); err != nil {
				a.setStatus(adapter.StatusError, err.Error())
				return fmt.Errorf("httpstream: start backend process: %w", err)
			}
			a.sup = sup
			go a.watchProcessExit(sup)
		}
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	} else {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", a.cfg.Process.PreferredPort)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.status = adapter.StatusRunning
	a.streamCancel = cancel
	a.streamDone = make(chan struct{})
	a.mu.Unlock()

	stream := newEventStream(baseURL, a.cfg.EventPath, a.logger)
	go func() {
		defer close(a.streamDone)
		stream.run(streamCtx, a.handleEvent)
	}()

	a.logger.Info("started", zap.String("baseURL", baseURL))
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: a.cfg.EngineType, Status: adapter.StatusRunning})
	return nil
}

// watchProcessExit fails all pending sends and transitions to stopped if
// the spawned backend process exits on its own (§4.5 Process supervision).
func (a *Adapter) watchProcessExit(sup *supervisor) {
	<-sup.exited
	a.mu.Lock()
	if a.status == adapter.StatusStopped {
		a.mu.Unlock()
		return
	}
	a.status = adapter.StatusStopped
	cancel := a.streamCancel
	pending := a.pending
	a.pending = make(map[string]*pendingSend)
	a.mu.Unlock()

	for _, p := range pending {
		p.resolveOnce(p.buffer.Finalize("backend process exited"))
	}
	if cancel != nil {
		cancel()
	}
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: a.cfg.EngineType, Status: adapter.StatusStopped, Error: "backend process exited"})
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.status == adapter.StatusStopped {
		a.mu.Unlock()
		return nil
	}
	a.status = adapter.StatusStopped
	cancel := a.streamCancel
	pending := a.pending
	a.pending = make(map[string]*pendingSend)
	a.mu.Unlock()

	for _, p := range pending {
		p.resolveOnce(p.buffer.Finalize("adapter stopped"))
	}
	if cancel != nil {
		cancel()
		<-a.streamDone
	}
	if a.sup != nil {
		a.sup.terminate()
	}

	a.logger.Info("stopped")
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: a.cfg.EngineType, Status: adapter.StatusStopped})
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
	a.publish(adapter.TopicStatusChanged, adapter.StatusChangedEvent{EngineType: a.cfg.EngineType, Status: status, Error: errMsg})
}

// clientFor returns a new immutable rest client bound to directory; clients
// are not cached, so each call builds a fresh one. A session keeps the
// client it was registered with, which never changes once set (§4.5).
func (a *Adapter) clientFor(baseURL, directory string) *restClient {
	return newRESTClient(baseURL, directory, a.cfg.DirectoryHeader)
}

func (a *Adapter) baseURL() string {
	if a.sup != nil {
		return a.sup.baseURLOf()
	}
	return fmt.Sprintf("http://127.0.0.1:%d", a.cfg.Process.PreferredPort)
}

func (a *Adapter) ListSessions(ctx context.Context, directory string) ([]*model.Session, error) {
	client := a.clientFor(a.baseURL(), directory)
	wireSessions, err := client.listSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("httpstream: list sessions: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*model.Session, 0, len(wireSessions))
	for _, ws := range wireSessions {
		sess := toModelSession(a.cfg.EngineType, ws)
		a.sessions[sess.ID] = &sessionEntry{session: sess, client: client}
		out = append(out, sess)
	}
	return out, nil
}

func (a *Adapter) CreateSession(ctx context.Context, directory string) (*model.Session, error) {
	client := a.clientFor(a.baseURL(), directory)
	ws, err := client.createSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("httpstream: create session: %w", err)
	}
	sess := toModelSession(a.cfg.EngineType, *ws)
	if sess.Directory == "" {
		sess.Directory = model.NormalizeDirectory(directory)
	}

	a.mu.Lock()
	a.sessions[sess.ID] = &sessionEntry{session: sess, client: client}
	a.mu.Unlock()

	a.publish(adapter.TopicSessionCreated, adapter.SessionEvent{EngineType: a.cfg.EngineType, Session: sess})
	return sess, nil
}

func (a *Adapter) GetSession(ctx context.Context, id string) (*model.Session, error) {
	a.mu.Lock()
	entry, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return nil, adapter.ErrSessionNotFound
	}
	return entry.session, nil
}

func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	a.mu.Lock()
	entry, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if !ok {
		return adapter.ErrSessionNotFound
	}
	return entry.client.deleteSession(ctx, id)
}

// SendMessage issues the REST POST that starts a turn and waits for
// completion to be signalled by the event stream (not by the POST response,
// which the backend returns immediately). A 5-minute hard timeout resolves
// with an error message (§4.5 "Message completion").
func (a *Adapter) SendMessage(ctx context.Context, sessionID, content string, opts adapter.SendOptions) (*model.Message, error) {
	a.mu.Lock()
	entry, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return nil, adapter.ErrSessionNotFound
	}
	delete(a.cancelled, sessionID)

	send := &pendingSend{
		resultCh: make(chan *model.Message, 1),
		buffer:   adapter.NewMessageBuffer(a.ids, a.emit, a.cfg.EngineType, sessionID, model.RoleAssistant),
	}
	send.timer = time.AfterFunc(sendTimeout, func() {
		send.resolveOnce(send.buffer.Finalize("Message timeout"))
	})
	a.pending[sessionID] = send
	a.mu.Unlock()

	if _, err := entry.client.sendMessage(ctx, sessionID, content, opts.ModelID, opts.Mode); err != nil {
		a.mu.Lock()
		delete(a.pending, sessionID)
		a.mu.Unlock()
		send.timer.Stop()
		return nil, fmt.Errorf("httpstream: send message: %w", err)
	}

	select {
	case msg := <-send.resultCh:
		send.timer.Stop()
		return msg, nil
	case <-ctx.Done():
		return send.buffer.Finalize(ctx.Err().Error()), ctx.Err()
	}
}

func (p *pendingSend) resolveOnce(msg *model.Message) {
	p.done.Do(func() {
		p.resultCh <- msg
	})
}

// CancelMessage resolves the pending send immediately and marks the session
// cancelled so late stream events are dropped (§4.5 "Cancelled-session gate").
func (a *Adapter) CancelMessage(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	a.cancelled[sessionID] = struct{}{}
	send, ok := a.pending[sessionID]
	if ok {
		delete(a.pending, sessionID)
	}
	entry, hasEntry := a.sessions[sessionID]
	a.mu.Unlock()

	if ok {
		send.timer.Stop()
		send.resolveOnce(send.buffer.Finalize("Cancelled"))
	}
	if hasEntry {
		go func() { _ = entry.client.abort(context.Background(), sessionID) }()
	}
	return nil
}

func (a *Adapter) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	a.mu.Lock()
	entry, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return nil, adapter.ErrSessionNotFound
	}

	wireMsgs, err := entry.client.listMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("httpstream: list messages: %w", err)
	}

	out := make([]*model.Message, 0, len(wireMsgs))
	for _, wm := range wireMsgs {
		// Merge top-level parts into info.parts when the latter is empty,
		// per §4.5 "History replay".
		parts := wm.Info.Parts
		if len(parts) == 0 {
			parts = wm.Parts
		}
		out = append(out, toModelMessage(wm.Info, parts))
	}
	return out, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]adapter.Model, error) {
	client := a.clientFor(a.baseURL(), "")
	p, err := client.provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("httpstream: list models: %w", err)
	}
	out := make([]adapter.Model, 0, len(p.Models))
	for _, m := range p.Models {
		out = append(out, adapter.Model{ID: m.ID, Name: m.Name})
	}
	return out, nil
}

func (a *Adapter) SetModel(ctx context.Context, sessionID, modelID string) error {
	a.mu.Lock()
	entry, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return adapter.ErrSessionNotFound
	}
	if entry.session.Metadata == nil {
		entry.session.Metadata = map[string]any{}
	}
	entry.session.Metadata["modelId"] = modelID
	return nil
}

func (a *Adapter) GetModes(ctx context.Context) ([]adapter.Mode, error) {
	return []adapter.Mode{{ID: "default", Name: "Default"}}, nil
}

func (a *Adapter) SetMode(ctx context.Context, sessionID, modeID string) error {
	a.mu.Lock()
	entry, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return adapter.ErrSessionNotFound
	}
	if entry.session.Metadata == nil {
		entry.session.Metadata = map[string]any{}
	}
	entry.session.Metadata["modeId"] = modeID
	return nil
}

func (a *Adapter) ReplyPermission(ctx context.Context, permissionID string, reply model.PermissionReply) error {
	start := time.Now()
	client := a.clientFor(a.baseURL(), "")
	err := client.replyPermission(ctx, permissionID, reply.OptionID, reply.Cancelled)
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ObserveReverseRequest(a.cfg.EngineType, "permission.reply", start)
	}
	if err != nil {
		return fmt.Errorf("httpstream: reply permission: %w", err)
	}
	a.publish(adapter.TopicPermissionReplied, adapter.PermissionEvent{
		EngineType: a.cfg.EngineType,
		Permission: &model.Permission{ID: permissionID, EngineType: a.cfg.EngineType},
		Reply:      &reply,
	})
	return nil
}

func (a *Adapter) ListProjects(ctx context.Context) ([]model.Project, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]model.Project)
	for _, entry := range a.sessions {
		dir := model.NormalizeDirectory(entry.session.Directory)
		id := model.ProjectID(a.cfg.EngineType, dir)
		seen[id] = model.Project{ID: id, EngineType: a.cfg.EngineType, Directory: dir}
	}
	out := make([]model.Project, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
