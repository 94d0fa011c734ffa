// Package enginemanager owns the routing tables that let the gateway
// server address adapters without knowing which backend owns a given
// session, project, or pending permission (§4.6).
package enginemanager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/eventbus"
	"github.com/codegateio/gateway/internal/metrics"
	"github.com/codegateio/gateway/internal/model"
	"github.com/codegateio/gateway/internal/store"
)

// titleMaxLen bounds the fallback title derived from a user's first message.
const titleMaxLen = 100

// Manager is the registry of connected Adapters plus the three routing
// tables described in §4.6. It is safe for concurrent use — the gateway
// server and every adapter's event-emitting goroutine call into it.
//
// The zero value is not usable — create instances with New.
type Manager struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	store   *store.Store
	bus     *eventbus.Bus
	metrics *metrics.Registry

	adapters            map[string]adapter.Adapter
	sessionEngineMap    map[string]string // sessionID -> engineType
	projectBindings     map[string]string // normalized directory -> engineType
	permissionEngineMap map[string]string // permissionID -> engineType
}

// New creates a Manager backed by the given session store. reg is optional —
// a nil Registry disables metric updates. Call RegisterAdapter for each
// backend, then LoadFromStore to restore routing state from disk before
// StartAll.
func New(st *store.Store, logger *zap.Logger, reg *metrics.Registry) *Manager {
	return &Manager{
		logger:              logger.Named("enginemanager"),
		store:               st,
		bus:                 eventbus.New(),
		metrics:             reg,
		adapters:            make(map[string]adapter.Adapter),
		sessionEngineMap:    make(map[string]string),
		projectBindings:     make(map[string]string),
		permissionEngineMap: make(map[string]string),
	}
}

// Run drives the manager's outbound eventbus until ctx is cancelled. Call
// this in its own goroutine before StartAll.
func (m *Manager) Run(ctx context.Context) {
	m.bus.Run(ctx)
}

// Subscribe exposes the manager's fan-in eventbus to the gateway server.
func (m *Manager) Subscribe(topics ...string) (eventbus.Subscriber, func()) {
	return m.bus.Subscribe(topics...)
}

// RegisterAdapter adds a to the manager's registry under its engine type.
// It does not bind any emitter: the adapter's events reach the manager only
// if it was constructed with Emitter(engineType).
func (m *Manager) RegisterAdapter(a adapter.Adapter) {
	m.mu.Lock()
	m.adapters[a.EngineType()] = a
	m.mu.Unlock()
}

// Emitter returns the callback an adapter of the given engine type should be
// constructed with, so its events flow through the manager's routing and
// fan-in logic.
func (m *Manager) Emitter(engineType string) adapter.Emitter {
	return func(topic string, payload any) {
		m.handleEvent(engineType, topic, payload)
	}
}

// LoadFromStore restores sessionEngineMap and projectBindings from
// previously persisted sessions, so routing survives a restart before any
// adapter has reported anything (§4.6 "restored from the Session Store at
// boot").
func (m *Manager) LoadFromStore() {
	for _, s := range m.store.List("", "") {
		m.mu.Lock()
		m.sessionEngineMap[s.ID] = s.EngineType
		m.mu.Unlock()
	}
	for _, p := range m.store.ListProjects() {
		m.mu.Lock()
		m.projectBindings[p.Directory] = p.EngineType
		m.mu.Unlock()
	}
	m.refreshRoutingMetrics()
}

func (m *Manager) handleEvent(engineType, topic string, payload any) {
	routingChanged := false
	switch topic {
	case adapter.TopicSessionCreated, adapter.TopicSessionUpdated:
		if ev, ok := payload.(adapter.SessionEvent); ok && ev.Session != nil {
			m.mu.Lock()
			m.sessionEngineMap[ev.Session.ID] = engineType
			m.projectBindings[model.NormalizeDirectory(ev.Session.Directory)] = engineType
			m.mu.Unlock()
			m.store.Put(ev.Session)
			routingChanged = true
		}
	case adapter.TopicPermissionAsked:
		if ev, ok := payload.(adapter.PermissionEvent); ok && ev.Permission != nil {
			m.mu.Lock()
			m.permissionEngineMap[ev.Permission.ID] = engineType
			m.mu.Unlock()
			routingChanged = true
		}
	case adapter.TopicPermissionReplied:
		if ev, ok := payload.(adapter.PermissionEvent); ok && ev.Permission != nil {
			m.mu.Lock()
			delete(m.permissionEngineMap, ev.Permission.ID)
			m.mu.Unlock()
			routingChanged = true
		}
	}
	if routingChanged {
		m.refreshRoutingMetrics()
	}
	m.bus.Publish(topic, payload)
}

// refreshRoutingMetrics sets the routing-table size gauges from the current
// map lengths. A no-op when no Registry was supplied to New.
func (m *Manager) refreshRoutingMetrics() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	sessions := len(m.sessionEngineMap)
	projects := len(m.projectBindings)
	pending := len(m.permissionEngineMap)
	m.mu.RUnlock()

	m.metrics.RoutedSessions.Set(float64(sessions))
	m.metrics.RoutedProjects.Set(float64(projects))
	m.metrics.PendingPermissions.Set(float64(pending))
}

// StartAll starts every registered adapter in parallel, logging per-adapter
// failures without aborting the rest (§4.6).
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	adapters := make([]adapter.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			if err := a.Start(ctx); err != nil {
				m.logger.Error("adapter failed to start", zap.String("engineType", a.EngineType()), zap.Error(err))
				m.setAdapterConnectedMetric(a.EngineType(), false)
				return
			}
			m.setAdapterConnectedMetric(a.EngineType(), true)
		}(a)
	}
	wg.Wait()
}

func (m *Manager) setAdapterConnectedMetric(engineType string, connected bool) {
	if m.metrics == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	m.metrics.AdaptersConnected.WithLabelValues(engineType).Set(v)
}

// StopAll stops every registered adapter in parallel, logging per-adapter
// failures without aborting the rest.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	adapters := make([]adapter.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			if err := a.Stop(ctx); err != nil {
				m.logger.Error("adapter failed to stop", zap.String("engineType", a.EngineType()), zap.Error(err))
			}
			m.setAdapterConnectedMetric(a.EngineType(), false)
		}(a)
	}
	wg.Wait()
}

func (m *Manager) adapterFor(engineType string) (adapter.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[engineType]
	if !ok {
		return nil, fmt.Errorf("enginemanager: unknown engine type %q", engineType)
	}
	return a, nil
}

func (m *Manager) adapterForSession(sessionID string) (adapter.Adapter, error) {
	m.mu.RLock()
	engineType, ok := m.sessionEngineMap[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, adapter.ErrSessionNotFound
	}
	return m.adapterFor(engineType)
}

func (m *Manager) adapterForPermission(permissionID string) (adapter.Adapter, error) {
	m.mu.RLock()
	engineType, ok := m.permissionEngineMap[permissionID]
	m.mu.RUnlock()
	if !ok {
		return nil, adapter.ErrPermissionNotFound
	}
	return m.adapterFor(engineType)
}

// ListEngines returns the engine type of every registered adapter.
func (m *Manager) ListEngines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.adapters))
	for t := range m.adapters {
		out = append(out, t)
	}
	return out
}

// ListSessions accepts either a known engine type (returns all of that
// engine's sessions) or a directory (routed to the bound adapter), per
// §4.6.
func (m *Manager) ListSessions(ctx context.Context, arg string) ([]*model.Session, error) {
	m.mu.RLock()
	a, isEngine := m.adapters[arg]
	if !isEngine {
		dir := model.NormalizeDirectory(arg)
		if engineType, ok := m.projectBindings[dir]; ok {
			a = m.adapters[engineType]
		}
	}
	m.mu.RUnlock()
	if a == nil {
		return nil, fmt.Errorf("enginemanager: no adapter bound to %q", arg)
	}

	directory := ""
	if !isEngine {
		directory = arg
	}
	sessions, err := a.ListSessions(ctx, directory)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, s := range sessions {
		m.sessionEngineMap[s.ID] = a.EngineType()
	}
	m.mu.Unlock()
	return sessions, nil
}

func (m *Manager) CreateSession(ctx context.Context, engineType, directory string) (*model.Session, error) {
	a, err := m.adapterFor(engineType)
	if err != nil {
		return nil, err
	}
	sess, err := a.CreateSession(ctx, directory)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessionEngineMap[sess.ID] = engineType
	m.projectBindings[model.NormalizeDirectory(directory)] = engineType
	m.mu.Unlock()
	m.store.Put(sess)
	m.refreshRoutingMetrics()
	return sess, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	a, err := m.adapterForSession(sessionID)
	if err != nil {
		return nil, err
	}
	return a.GetSession(ctx, sessionID)
}

func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	a, err := m.adapterForSession(sessionID)
	if err != nil {
		return err
	}
	if err := a.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessionEngineMap, sessionID)
	m.mu.Unlock()
	m.store.Delete(sessionID)
	m.refreshRoutingMetrics()
	return nil
}

// SendMessage routes to the owning adapter and applies the title fallback
// described in §4.6 once the turn completes successfully.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string, opts adapter.SendOptions) (*model.Message, error) {
	a, err := m.adapterForSession(sessionID)
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.InFlightPrompts.WithLabelValues(a.EngineType()).Inc()
		defer m.metrics.InFlightPrompts.WithLabelValues(a.EngineType()).Dec()
	}

	msg, err := a.SendMessage(ctx, sessionID, content, opts)
	if err != nil {
		return msg, err
	}

	m.applyTitleFallback(sessionID, content)
	return msg, nil
}

func (m *Manager) applyTitleFallback(sessionID, firstUserText string) {
	sess, ok := m.store.Get(sessionID)
	if !ok || (sess.Title != "" && !model.IsDefaultTitle(sess.Title)) {
		return
	}
	title := strings.TrimSpace(firstUserText)
	if runes := []rune(title); len(runes) > titleMaxLen {
		title = strings.TrimSpace(string(runes[:titleMaxLen])) + "…"
	}
	if title == "" {
		return
	}
	sess.Title = title
	m.store.Put(sess)
	m.bus.Publish(adapter.TopicSessionUpdated, adapter.SessionEvent{EngineType: sess.EngineType, Session: sess})
}

func (m *Manager) CancelMessage(ctx context.Context, sessionID string) error {
	a, err := m.adapterForSession(sessionID)
	if err != nil {
		return err
	}
	return a.CancelMessage(ctx, sessionID)
}

func (m *Manager) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	a, err := m.adapterForSession(sessionID)
	if err != nil {
		return nil, err
	}
	return a.ListMessages(ctx, sessionID)
}

func (m *Manager) ListModels(ctx context.Context, engineType string) ([]adapter.Model, error) {
	a, err := m.adapterFor(engineType)
	if err != nil {
		return nil, err
	}
	return a.ListModels(ctx)
}

func (m *Manager) SetModel(ctx context.Context, sessionID, modelID string) error {
	a, err := m.adapterForSession(sessionID)
	if err != nil {
		return err
	}
	return a.SetModel(ctx, sessionID, modelID)
}

func (m *Manager) GetModes(ctx context.Context, engineType string) ([]adapter.Mode, error) {
	a, err := m.adapterFor(engineType)
	if err != nil {
		return nil, err
	}
	return a.GetModes(ctx)
}

func (m *Manager) SetMode(ctx context.Context, sessionID, modeID string) error {
	a, err := m.adapterForSession(sessionID)
	if err != nil {
		return err
	}
	return a.SetMode(ctx, sessionID, modeID)
}

func (m *Manager) ReplyPermission(ctx context.Context, permissionID string, reply model.PermissionReply) error {
	a, err := m.adapterForPermission(permissionID)
	if err != nil {
		return err
	}
	return a.ReplyPermission(ctx, permissionID, reply)
}

func (m *Manager) ListProjects(ctx context.Context) ([]model.Project, error) {
	return m.store.ListProjects(), nil
}

// AdapterStatuses reports each registered adapter's liveness as a plain
// status string, for the gateway's /healthz endpoint.
func (m *Manager) AdapterStatuses(ctx context.Context) map[string]string {
	m.mu.RLock()
	adapters := make(map[string]adapter.Adapter, len(m.adapters))
	for t, a := range m.adapters {
		adapters[t] = a
	}
	m.mu.RUnlock()

	out := make(map[string]string, len(adapters))
	for t, a := range adapters {
		if err := a.HealthCheck(ctx); err != nil {
			out[t] = "error"
			continue
		}
		out[t] = "running"
	}
	return out
}

// SetProjectBinding explicitly binds directory to engineType, for clients
// that want to pin a project to a specific backend before any session
// exists there (§4.7 request type `project.setEngine`).
func (m *Manager) SetProjectBinding(directory, engineType string) error {
	if _, err := m.adapterFor(engineType); err != nil {
		return err
	}
	m.mu.Lock()
	m.projectBindings[model.NormalizeDirectory(directory)] = engineType
	m.mu.Unlock()
	m.refreshRoutingMetrics()
	return nil
}
