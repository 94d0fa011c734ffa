package httpstream

import (
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

func TestCancelledSessionGateDropsLateEvents(t *testing.T) {
	a := newTestAdapter()
	var events int
	a.emit = func(topic string, payload any) { events++ }
	a.cancelled["ses1"] = struct{}{}

	props, _ := json.Marshal(wirePart{ID: "prt1", SessionID: "ses1", MessageID: "msg1", Type: "text", Text: "late"})
	a.handleEvent(sseEvent{Type: "message.part.updated", Properties: props})

	permProps, _ := json.Marshal(wirePermission{ID: "p1", SessionID: "ses1", Title: "late permission"})
	a.handleEvent(sseEvent{Type: "permission.asked", Properties: permProps})

	if events != 0 {
		t.Fatalf("events = %d, want 0 for a gated session", events)
	}
}

func TestPartUpdatedThenDeltaAppendsField(t *testing.T) {
	a := newTestAdapter()
	var parts []*model.Part
	a.emit = func(topic string, payload any) {
		if topic == adapter.TopicMessagePartUpdated {
			parts = append(parts, payload.(adapter.MessagePartUpdatedEvent).Part)
		}
	}

	updated, _ := json.Marshal(wirePart{ID: "prt1", SessionID: "ses1", MessageID: "msg1", Type: "text", Text: "Hel"})
	a.handleEvent(sseEvent{Type: "message.part.updated", Properties: updated})

	delta, _ := json.Marshal(eventPartDelta{SessionID: "ses1", MessageID: "msg1", PartID: "prt1", Field: "text", Delta: "lo"})
	a.handleEvent(sseEvent{Type: "message.part.delta", Properties: delta})

	if len(parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(parts))
	}
	if parts[1].Text != "Hello" {
		t.Fatalf("accumulated text = %q, want %q", parts[1].Text, "Hello")
	}
	if parts[0].ID != parts[1].ID {
		t.Fatal("delta must target the same part id")
	}
}

func TestPartDeltaForUnknownPartIsDropped(t *testing.T) {
	a := newTestAdapter()
	var events int
	a.emit = func(topic string, payload any) { events++ }

	delta, _ := json.Marshal(eventPartDelta{SessionID: "ses1", PartID: "missing", Field: "text", Delta: "x"})
	a.handleEvent(sseEvent{Type: "message.part.delta", Properties: delta})

	if events != 0 {
		t.Fatalf("events = %d, want 0 for a delta targeting an uncached part", events)
	}
}

func TestMessageUpdatedResolvesPendingSend(t *testing.T) {
	a := newTestAdapter()
	buf := adapter.NewMessageBuffer(a.ids, nil, a.cfg.EngineType, "ses1", model.RoleAssistant)
	send := &pendingSend{resultCh: make(chan *model.Message, 1), buffer: buf, timer: time.NewTimer(time.Hour)}
	a.pending["ses1"] = send

	completedAt := int64(1000)
	wm := wireMessage{
		ID:   "msg1",
		Role: "assistant",
		Time: wireTimestamps{Created: 900, Completed: &completedAt},
		Parts: []wirePart{
			{ID: "prt1", SessionID: "ses1", MessageID: "msg1", Type: "text", Text: "The answer is 4"},
		},
	}
	raw, _ := json.Marshal(wm)
	a.handleEvent(sseEvent{Type: "message.updated", Properties: raw})

	select {
	case msg := <-send.resultCh:
		if len(msg.Parts) != 1 || msg.Parts[0].Text != "The answer is 4" {
			t.Fatalf("unexpected resolved message: %+v", msg.Parts)
		}
	default:
		t.Fatal("expected message.updated with Completed set to resolve the pending send")
	}

	a.mu.Lock()
	_, stillPending := a.pending["ses1"]
	a.mu.Unlock()
	if stillPending {
		t.Fatal("pending send should have been removed once resolved")
	}
}

func TestMessageUpdatedIgnoredWhenCancelled(t *testing.T) {
	a := newTestAdapter()
	a.cancelled["ses1"] = struct{}{}
	buf := adapter.NewMessageBuffer(a.ids, nil, a.cfg.EngineType, "ses1", model.RoleAssistant)
	send := &pendingSend{resultCh: make(chan *model.Message, 1), buffer: buf, timer: time.NewTimer(time.Hour)}
	a.pending["ses1"] = send

	completedAt := int64(1000)
	wm := wireMessage{
		ID:    "msg1",
		Role:  "assistant",
		Time:  wireTimestamps{Created: 900, Completed: &completedAt},
		Parts: []wirePart{{ID: "prt1", SessionID: "ses1", MessageID: "msg1", Type: "text", Text: "late"}},
	}
	raw, _ := json.Marshal(wm)
	a.handleEvent(sseEvent{Type: "message.updated", Properties: raw})

	select {
	case <-send.resultCh:
		t.Fatal("did not expect a gated session's late message.updated to resolve the pending send")
	default:
	}
}
