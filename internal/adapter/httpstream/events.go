package httpstream

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/model"
)

// eventPartDelta is the properties shape of a message.part.delta frame
// (§4.5): an incremental append to one field of an already-known part,
// distinct from a whole-part message.part.updated replacement.
type eventPartDelta struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
	Field     string `json:"field"`
	Delta     string `json:"delta"`
}

type wirePermissionOption struct {
	OptionID string `json:"optionID"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
}

type wirePermission struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"sessionID"`
	ToolCallID string                 `json:"toolCallID,omitempty"`
	Title      string                 `json:"title"`
	Kind       string                 `json:"kind,omitempty"`
	Diff       string                 `json:"diff,omitempty"`
	Input      any                    `json:"input,omitempty"`
	Options    []wirePermissionOption `json:"options,omitempty"`
}

type wirePermissionReply struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	OptionID  string `json:"optionID,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// handleEvent dispatches one parsed SSE frame by type, per §4.5's "Event
// stream" classification table.
func (a *Adapter) handleEvent(evt sseEvent) {
	switch evt.Type {
	case "message.part.updated":
		a.onPartUpdated(evt.Properties)
	case "message.part.delta":
		a.onPartDelta(evt.Properties)
	case "message.updated":
		a.onMessageUpdated(evt.Properties)
	case "session.created":
		a.onSessionMirror(evt.Properties, adapter.TopicSessionCreated)
	case "session.updated":
		a.onSessionMirror(evt.Properties, adapter.TopicSessionUpdated)
	case "permission.asked":
		a.onPermission(evt.Properties, adapter.TopicPermissionAsked)
	case "permission.replied":
		a.onPermissionReplied(evt.Properties)
	case "question.asked":
		a.onPermission(evt.Properties, adapter.TopicPermissionAsked)
	case "question.replied", "question.rejected":
		a.onPermissionReplied(evt.Properties)
	default:
		a.logger.Debug("unhandled event stream type", zap.String("type", evt.Type))
	}
}

func (a *Adapter) isCancelled(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, gated := a.cancelled[sessionID]
	return gated
}

func (a *Adapter) onPartUpdated(raw json.RawMessage) {
	var wp wirePart
	if err := json.Unmarshal(raw, &wp); err != nil {
		a.logger.Warn("malformed message.part.updated", zap.Error(err))
		return
	}
	if a.isCancelled(wp.SessionID) {
		return
	}
	part := toModelPart(wp)

	a.mu.Lock()
	a.cachedParts[part.ID] = part
	send, hasPending := a.pending[wp.SessionID]
	a.mu.Unlock()

	if hasPending {
		send.buffer.AbsorbPart(part)
	}

	a.publish(adapter.TopicMessagePartUpdated, adapter.MessagePartUpdatedEvent{
		EngineType: a.cfg.EngineType,
		SessionID:  wp.SessionID,
		MessageID:  wp.MessageID,
		Part:       part,
	})

	// §4.5: a step-finish part within the assistant message is one of the two
	// completion signals, independent of message.updated.
	if hasPending && part.Kind == model.PartStepFinish {
		a.resolvePendingSend(wp.SessionID, send)
	}
}

// resolvePendingSend resolves send if it is still the session's current
// pending send, finalizing its buffer with whatever parts it accumulated.
func (a *Adapter) resolvePendingSend(sessionID string, send *pendingSend) {
	a.mu.Lock()
	cur, ok := a.pending[sessionID]
	if ok && cur == send {
		delete(a.pending, sessionID)
	} else {
		ok = false
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	send.timer.Stop()
	send.resolveOnce(send.buffer.Finalize(""))
}

func (a *Adapter) onPartDelta(raw json.RawMessage) {
	var d eventPartDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		a.logger.Warn("malformed message.part.delta", zap.Error(err))
		return
	}
	if a.isCancelled(d.SessionID) {
		return
	}

	a.mu.Lock()
	part, ok := a.cachedParts[d.PartID]
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("delta for unknown part, dropping", zap.String("partID", d.PartID))
		return
	}
	part = appendDeltaField(part, d.Field, d.Delta)
	a.cachedParts[d.PartID] = part
	send, hasPending := a.pending[d.SessionID]
	a.mu.Unlock()

	if hasPending {
		send.buffer.AbsorbPart(part)
	}

	a.publish(adapter.TopicMessagePartUpdated, adapter.MessagePartUpdatedEvent{
		EngineType: a.cfg.EngineType,
		SessionID:  d.SessionID,
		MessageID:  d.MessageID,
		Part:       part,
	})
}

// appendDeltaField returns a copy of part with delta appended to the named
// field, so the cached pointer identity in cachedParts is replaced atomically
// rather than mutated while a reader might hold the old value.
func appendDeltaField(part *model.Part, field, delta string) *model.Part {
	cp := part.Clone()
	switch field {
	case "text":
		cp.Text += delta
	case "diff":
		cp.Diff += delta
	case "content":
		cp.Content += delta
	default:
		cp.Text += delta
	}
	return cp
}

func (a *Adapter) onMessageUpdated(raw json.RawMessage) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		a.logger.Warn("malformed message.updated", zap.Error(err))
		return
	}
	msg := toModelMessage(wm, wm.Parts)
	sessionID := a.sessionIDForMessage(wm, msg)
	if a.isCancelled(sessionID) {
		return
	}

	a.publish(adapter.TopicMessageUpdated, adapter.MessageUpdatedEvent{
		EngineType: a.cfg.EngineType,
		SessionID:  sessionID,
		Message:    msg,
	})

	if wm.Role != string(model.RoleAssistant) {
		return
	}
	if msg.Completed == nil && msg.Error == "" {
		return
	}

	a.mu.Lock()
	send, ok := a.pending[sessionID]
	if ok {
		delete(a.pending, sessionID)
	}
	a.mu.Unlock()
	if ok {
		send.timer.Stop()
		send.resolveOnce(msg)
	}
}

// sessionIDForMessage recovers the owning session id for a message.updated
// frame from the session id of its parts (toModelMessage copies the first
// part's onto msg). A frame with no parts yields "": the part cache and the
// pending sends are not consulted.
func (a *Adapter) sessionIDForMessage(wm wireMessage, msg *model.Message) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	if len(wm.Parts) > 0 {
		return wm.Parts[0].SessionID
	}
	return ""
}

func (a *Adapter) onSessionMirror(raw json.RawMessage, topic string) {
	var ws wireSession
	if err := json.Unmarshal(raw, &ws); err != nil {
		a.logger.Warn("malformed session event", zap.Error(err))
		return
	}
	sess := toModelSession(a.cfg.EngineType, ws)

	a.mu.Lock()
	entry, existed := a.sessions[sess.ID]
	var client *restClient
	if existed {
		client = entry.client
	} else {
		client = a.clientFor(a.baseURL(), sess.Directory)
	}
	a.sessions[sess.ID] = &sessionEntry{session: sess, client: client}
	a.mu.Unlock()

	a.publish(topic, adapter.SessionEvent{EngineType: a.cfg.EngineType, Session: sess})
}

func (a *Adapter) onPermission(raw json.RawMessage, topic string) {
	var wp wirePermission
	if err := json.Unmarshal(raw, &wp); err != nil {
		a.logger.Warn("malformed permission event", zap.Error(err))
		return
	}
	if a.isCancelled(wp.SessionID) {
		return
	}

	opts := make([]model.PermissionOption, 0, len(wp.Options))
	for _, o := range wp.Options {
		opts = append(opts, model.PermissionOption{OptionID: o.OptionID, Kind: o.Kind, Name: o.Name})
	}
	kind := model.PermissionOther
	switch wp.Kind {
	case "read":
		kind = model.PermissionRead
	case "edit":
		kind = model.PermissionEdit
	}

	a.publish(topic, adapter.PermissionEvent{
		EngineType: a.cfg.EngineType,
		Permission: &model.Permission{
			ID:         wp.ID,
			SessionID:  wp.SessionID,
			EngineType: a.cfg.EngineType,
			ToolCallID: wp.ToolCallID,
			Title:      wp.Title,
			Kind:       kind,
			Diff:       wp.Diff,
			RawInput:   wp.Input,
			Options:    opts,
		},
	})
}

func (a *Adapter) onPermissionReplied(raw json.RawMessage) {
	var wr wirePermissionReply
	if err := json.Unmarshal(raw, &wr); err != nil {
		a.logger.Warn("malformed permission reply event", zap.Error(err))
		return
	}
	if a.isCancelled(wr.SessionID) {
		return
	}
	a.publish(adapter.TopicPermissionReplied, adapter.PermissionEvent{
		EngineType: a.cfg.EngineType,
		Permission: &model.Permission{ID: wr.ID, SessionID: wr.SessionID, EngineType: a.cfg.EngineType},
		Reply:      &model.PermissionReply{OptionID: wr.OptionID, Cancelled: wr.Cancelled},
	})
}

func toModelSession(engineType string, ws wireSession) *model.Session {
	return &model.Session{
		ID:         ws.ID,
		EngineType: engineType,
		Directory:  model.NormalizeDirectory(ws.Directory),
		Title:      ws.Title,
		ParentID:   ws.ParentID,
		Created:    time.UnixMilli(ws.Time.Created),
		Updated:    time.UnixMilli(ws.Time.Updated),
	}
}

func toModelMessage(wm wireMessage, parts []wirePart) *model.Message {
	msg := &model.Message{
		ID:      wm.ID,
		Role:    model.Role(wm.Role),
		Created: time.UnixMilli(wm.Time.Created),
		ModelID: wm.ModelID,
		Mode:    wm.Mode,
		Error:   wm.Error,
		Parts:   make([]*model.Part, 0, len(parts)),
	}
	if wm.Time.Completed != nil {
		t := time.UnixMilli(*wm.Time.Completed)
		msg.Completed = &t
	}
	for _, wp := range parts {
		msg.Parts = append(msg.Parts, toModelPart(wp))
		if msg.SessionID == "" {
			msg.SessionID = wp.SessionID
		}
	}
	return msg
}

func toModelPart(wp wirePart) *model.Part {
	p := &model.Part{
		ID:             wp.ID,
		MessageID:      wp.MessageID,
		SessionID:      wp.SessionID,
		Kind:           model.PartKind(wp.Type),
		Text:           wp.Text,
		CallID:         wp.CallID,
		NormalizedTool: wp.NormalizedTool,
		OriginalTool:   wp.OriginalTool,
		Title:          wp.Title,
		ToolKind:       wp.Kind,
		Locations:      wp.Locations,
		Diff:           wp.Diff,
		Mime:           wp.Mime,
		Filename:       wp.Filename,
		URL:            wp.URL,
		Files:          wp.Files,
		Content:        wp.Content,
		Path:           wp.Path,
	}
	if wp.State != nil {
		p.State = &model.ToolState{
			Status: model.ToolStatus(wp.State.Status),
			Input:  wp.State.Input,
			Output: wp.State.Output,
			Error:  wp.State.Error,
		}
	}
	return p
}
