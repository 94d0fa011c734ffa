package stdio

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/model"
)

// handleNotification dispatches a session/update notification per §4.4's
// routing table. Every update also refreshes the session's activity
// watchdog timestamp, whatever its kind.
func (a *Adapter) handleNotification(method string, params json.RawMessage) {
	if method != "session/update" {
		return
	}
	var upd sessionUpdateParams
	if err := json.Unmarshal(params, &upd); err != nil {
		a.logger.Warn("malformed session/update", zap.Error(err))
		return
	}

	state, ok := a.getSessionState(upd.SessionID)
	if !ok {
		// session_info_update may be the very first thing we hear about a
		// session the backend created on its own initiative.
		if upd.Update.SessionUpdate != "session_info_update" {
			return
		}
		state = &sessionState{session: &model.Session{
			ID:         upd.SessionID,
			EngineType: a.engineType,
			Title:      "New session",
			Created:    time.Now(),
			Updated:    time.Now(),
		}}
		a.mu.Lock()
		a.sessions[upd.SessionID] = state
		a.mu.Unlock()
	}

	a.mu.Lock()
	state.lastActivity = time.Now()
	a.mu.Unlock()

	switch upd.Update.SessionUpdate {
	case "agent_message_chunk":
		if state.buffer != nil {
			state.buffer.TextDelta(upd.Update.Content.Text)
		}
	case "agent_thought_chunk":
		if state.buffer != nil {
			state.buffer.ReasoningDelta(upd.Update.Content.Text)
		}
	case "tool_call":
		if state.buffer != nil {
			state.buffer.ToolStart(upd.Update.CallID, upd.Update.NormalizedTool, upd.Update.OriginalTool, upd.Update.Title, upd.Update.Kind, upd.Update.RawInput)
		}
	case "tool_call_update":
		if state.buffer != nil {
			state.buffer.ToolUpdate(upd.Update.CallID, mapToolStatus(upd.Update.Status), upd.Update.RawInput, upd.Update.RawOutput, "", upd.Update.Diff, upd.Update.Locations)
		}
	case "user_message_chunk":
		// First non-user update flushes the user buffer (§4.4); here we
		// just keep appending to it while it is the active update kind.
		if state.userBuffer == nil {
			state.userBuffer = adapter.NewMessageBuffer(a.ids, a.emit, a.engineType, upd.SessionID, model.RoleUser)
			state.userBuffer.SetSuppressed(state.loading)
		}
		state.userBuffer.TextDelta(upd.Update.Content.Text)
	case "session_info_update":
		if upd.Update.Title2 != "" {
			state.session.Title = upd.Update.Title2
		}
		state.session.Updated = time.Now()
		a.publish(adapter.TopicSessionUpdated, adapter.SessionEvent{EngineType: a.engineType, Session: state.session})
	}

	// Any update kind other than user_message_chunk flushes a pending user
	// buffer, matching "first non-user update flushes the user buffer".
	if upd.Update.SessionUpdate != "user_message_chunk" && state.userBuffer != nil && !state.userBuffer.Finalised() {
		state.userBuffer.Finalize("")
	}
}

func mapToolStatus(backendStatus string) model.ToolStatus {
	switch backendStatus {
	case "completed":
		return model.ToolCompleted
	case "failed", "error":
		return model.ToolError
	case "running":
		return model.ToolRunning
	default:
		return model.ToolPending
	}
}

// handleReverseRequest answers a request initiated by the backend (§4.4
// Reverse requests). Permission prompts are parked until a client replies;
// file I/O is served directly from the local filesystem.
func (a *Adapter) handleReverseRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpcError) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.ObserveReverseRequest(a.engineType, method, start)
		}
	}()

	switch method {
	case "session/request_permission", "requestPermission":
		return a.handlePermissionRequest(params)
	case "fs/read_text_file":
		return a.handleReadTextFile(params)
	case "fs/write_text_file":
		return a.handleWriteTextFile(params)
	default:
		return nil, &rpcError{Code: errCodeMethodNotFound, Message: "method not found: " + method}
	}
}

func (a *Adapter) handlePermissionRequest(params json.RawMessage) (json.RawMessage, *rpcError) {
	var req requestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcError{Code: errCodeIOError, Message: err.Error()}
	}

	state, ok := a.getSessionState(req.SessionID)
	if ok && isAutopilotMode(state.session) {
		for _, opt := range req.Options {
			if strings.HasPrefix(opt.OptionID, "allow_") {
				result, _ := json.Marshal(permissionOutcomeResult{Outcome: permissionOutcome{Outcome: "selected", OptionID: opt.OptionID}})
				return result, nil
			}
		}
	}

	id := a.ids.New("prm")
	options := make([]model.PermissionOption, 0, len(req.Options))
	for _, opt := range req.Options {
		options = append(options, model.PermissionOption{OptionID: opt.OptionID, Kind: opt.Kind, Name: opt.Name})
	}
	kind := model.PermissionOther
	switch req.ToolCall.Kind {
	case "read":
		kind = model.PermissionRead
	case "edit":
		kind = model.PermissionEdit
	}

	perm := &model.Permission{
		ID:         id,
		SessionID:  req.SessionID,
		EngineType: a.engineType,
		Title:      req.ToolCall.Title,
		Kind:       kind,
		RawInput:   req.RawInput,
		Options:    options,
	}

	// This handler runs on its own goroutine (spawned by the rpc client for
	// every reverse request), so blocking here until a client calls
	// ReplyPermission holds the JSON-RPC response open without stalling the
	// reader loop or any other in-flight request.
	resultCh := make(chan json.RawMessage, 1)
	a.mu.Lock()
	a.permissions[id] = pendingPermission{sessionID: req.SessionID, resultCh: resultCh}
	a.mu.Unlock()

	a.publish(adapter.TopicPermissionAsked, adapter.PermissionEvent{EngineType: a.engineType, Permission: perm})

	result := <-resultCh
	return result, nil
}

func isAutopilotMode(sess *model.Session) bool {
	if sess == nil || sess.Metadata == nil {
		return false
	}
	mode, _ := sess.Metadata["modeId"].(string)
	return strings.Contains(mode, "autopilot")
}

func (a *Adapter) handleReadTextFile(params json.RawMessage) (json.RawMessage, *rpcError) {
	var req fsReadTextFileParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcError{Code: errCodeIOError, Message: err.Error()}
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, &rpcError{Code: errCodeIOError, Message: err.Error()}
	}
	content := string(data)
	if req.Line != nil {
		lines := strings.Split(content, "\n")
		start := *req.Line
		if start < 0 {
			start = 0
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if req.Limit != nil && start+*req.Limit < end {
			end = start + *req.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	result, _ := json.Marshal(fsReadTextFileResult{Content: content})
	return result, nil
}

func (a *Adapter) handleWriteTextFile(params json.RawMessage) (json.RawMessage, *rpcError) {
	var req fsWriteTextFileParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpcError{Code: errCodeIOError, Message: err.Error()}
	}
	if err := os.MkdirAll(dirOf(req.Path), 0o750); err != nil {
		return nil, &rpcError{Code: errCodeIOError, Message: err.Error()}
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0o640); err != nil {
		return nil, &rpcError{Code: errCodeIOError, Message: err.Error()}
	}
	result, _ := json.Marshal(fsWriteTextFileResult{Success: true})
	return result, nil
}

func dirOf(path string) string {
	idx := strings.LastIndexAny(path, `/\`)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// watchdogLoop checks every session with an in-flight prompt every
// watchdogInterval and auto-cancels any whose last activity exceeds
// watchdogTimeout (§4.4, §8 seed scenario 6).
func (a *Adapter) watchdogLoop() {
	defer close(a.watchdogDone)
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.watchdogStop:
			return
		case <-ticker.C:
			a.checkWatchdogs()
		}
	}
}

func (a *Adapter) checkWatchdogs() {
	now := time.Now()
	a.mu.Lock()
	var stuck []*sessionState
	for _, s := range a.sessions {
		if s.buffer != nil && !s.buffer.Finalised() && now.Sub(s.lastActivity) > watchdogTimeout {
			stuck = append(stuck, s)
		}
	}
	a.mu.Unlock()

	for _, s := range stuck {
		s.cancelOnce.Do(func() {
			if s.cancelCh != nil {
				close(s.cancelCh)
			}
		})
	}
}
