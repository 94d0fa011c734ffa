package stdio

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/model"
)

func newTestAdapter() *Adapter {
	return New(Config{EngineType: "fake"}, model.NewIDGenerator(), nil, zap.NewNop())
}

func TestPermissionRoundTrip(t *testing.T) {
	a := newTestAdapter()
	var asked []adapter.PermissionEvent
	a.emit = func(topic string, payload any) {
		if topic == adapter.TopicPermissionAsked {
			asked = append(asked, payload.(adapter.PermissionEvent))
		}
	}
	a.sessions["ses1"] = &sessionState{session: &model.Session{ID: "ses1"}}

	params, _ := json.Marshal(requestPermissionParams{
		SessionID: "ses1",
		ToolCall:  toolCallInfo{Title: "Write x", Kind: "edit"},
		Options: []permissionOption{
			{OptionID: "allow_once", Kind: "allow_once", Name: "Allow"},
			{OptionID: "reject_once", Kind: "reject_once", Name: "Reject"},
		},
	})

	resultCh := make(chan json.RawMessage, 1)
	go func() {
		result, rpcErr := a.handlePermissionRequest(params)
		if rpcErr != nil {
			t.Errorf("handlePermissionRequest returned error: %v", rpcErr)
			return
		}
		resultCh <- result
	}()

	// Wait for the permission to be published, then find its id and reply.
	var permID string
	deadline := time.After(time.Second)
	for permID == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for permission.asked event")
		default:
		}
		a.mu.Lock()
		for id := range a.permissions {
			permID = id
		}
		a.mu.Unlock()
	}

	if err := a.ReplyPermission(context.Background(), permID, model.PermissionReply{OptionID: "allow_once"}); err != nil {
		t.Fatalf("ReplyPermission: %v", err)
	}

	select {
	case raw := <-resultCh:
		var outcome permissionOutcomeResult
		if err := json.Unmarshal(raw, &outcome); err != nil {
			t.Fatalf("unmarshal outcome: %v", err)
		}
		if outcome.Outcome.Outcome != "selected" || outcome.Outcome.OptionID != "allow_once" {
			t.Fatalf("unexpected outcome: %+v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handlePermissionRequest to return")
	}

	if len(asked) != 1 || asked[0].Permission.SessionID != "ses1" {
		t.Fatalf("unexpected permission.asked events: %+v", asked)
	}

	if err := a.ReplyPermission(context.Background(), permID, model.PermissionReply{OptionID: "allow_once"}); err != adapter.ErrPermissionNotFound {
		t.Fatalf("second reply = %v, want ErrPermissionNotFound", err)
	}
}

func TestAutopilotModeAutoApprovesFirstAllowOption(t *testing.T) {
	a := newTestAdapter()
	a.sessions["ses1"] = &sessionState{session: &model.Session{
		ID:       "ses1",
		Metadata: map[string]any{"modeId": "autopilot"},
	}}

	params, _ := json.Marshal(requestPermissionParams{
		SessionID: "ses1",
		ToolCall:  toolCallInfo{Title: "Write x", Kind: "edit"},
		Options: []permissionOption{
			{OptionID: "reject_once", Kind: "reject_once", Name: "Reject"},
			{OptionID: "allow_once", Kind: "allow_once", Name: "Allow"},
		},
	})

	result, rpcErr := a.handlePermissionRequest(params)
	if rpcErr != nil {
		t.Fatalf("handlePermissionRequest: %v", rpcErr)
	}
	var outcome permissionOutcomeResult
	if err := json.Unmarshal(result, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Outcome.Outcome != "selected" || outcome.Outcome.OptionID != "allow_once" {
		t.Fatalf("expected auto-selected allow_once, got %+v", outcome)
	}
	if len(a.permissions) != 0 {
		t.Fatal("autopilot approval must not park a pending permission")
	}
}

func TestWatchdogAutoCancelsStuckSession(t *testing.T) {
	a := newTestAdapter()
	buf := adapter.NewMessageBuffer(a.ids, nil, a.engineType, "ses1", model.RoleAssistant)
	cancelCh := make(chan struct{})
	a.sessions["ses1"] = &sessionState{
		session:      &model.Session{ID: "ses1"},
		buffer:       buf,
		lastActivity: time.Now().Add(-watchdogTimeout - time.Second),
		cancelCh:     cancelCh,
	}

	a.checkWatchdogs()

	select {
	case <-cancelCh:
	default:
		t.Fatal("expected cancelCh to be closed for a stuck session")
	}
}

func TestWatchdogIgnoresFreshSessions(t *testing.T) {
	a := newTestAdapter()
	buf := adapter.NewMessageBuffer(a.ids, nil, a.engineType, "ses1", model.RoleAssistant)
	cancelCh := make(chan struct{})
	a.sessions["ses1"] = &sessionState{
		session:      &model.Session{ID: "ses1"},
		buffer:       buf,
		lastActivity: time.Now(),
		cancelCh:     cancelCh,
	}

	a.checkWatchdogs()

	select {
	case <-cancelCh:
		t.Fatal("did not expect cancelCh to be closed for a fresh session")
	default:
	}
}

func TestHandleNotificationRoutesAgentMessageChunk(t *testing.T) {
	a := newTestAdapter()
	buf := adapter.NewMessageBuffer(a.ids, nil, a.engineType, "ses1", model.RoleAssistant)
	a.sessions["ses1"] = &sessionState{session: &model.Session{ID: "ses1"}, buffer: buf}

	params, _ := json.Marshal(sessionUpdateParams{
		SessionID: "ses1",
		Update: sessionUpdateOp{
			SessionUpdate: "agent_message_chunk",
			Content:       contentChunk{Text: "The answer is 4"},
		},
	})
	a.handleNotification("session/update", params)

	msg := buf.Finalize("")
	if len(msg.Parts) != 1 || msg.Parts[0].Text != "The answer is 4" {
		t.Fatalf("unexpected parts: %+v", msg.Parts)
	}
}
