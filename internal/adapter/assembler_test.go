package adapter

import (
	"testing"

	"github.com/codegateio/gateway/internal/model"
)

func TestStreamingTextCoalescesIntoOnePart(t *testing.T) {
	var events []MessagePartUpdatedEvent
	emit := func(topic string, payload any) {
		if topic == TopicMessagePartUpdated {
			events = append(events, payload.(MessagePartUpdatedEvent))
		}
	}

	buf := NewMessageBuffer(model.NewIDGenerator(), emit, "stdio", "ses_1", model.RoleAssistant)
	buf.TextDelta("Hel")
	buf.TextDelta("lo ")
	buf.TextDelta("world")

	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Part.ID != events[0].Part.ID {
			t.Fatalf("event %d has a different part id: %q vs %q", i, events[i].Part.ID, events[0].Part.ID)
		}
	}

	msg := buf.Finalize("")
	if len(msg.Parts) != 1 {
		t.Fatalf("len(msg.Parts) = %d, want 1", len(msg.Parts))
	}
	if msg.Parts[0].Text != "Hello world" {
		t.Errorf("final text = %q, want %q", msg.Parts[0].Text, "Hello world")
	}
	if msg.Completed == nil {
		t.Error("expected Completed to be set after Finalize")
	}
}

func TestToolLifecycleDoesNotExtendPrecedingText(t *testing.T) {
	buf := NewMessageBuffer(model.NewIDGenerator(), nil, "stdio", "ses_1", model.RoleAssistant)
	buf.TextDelta("Reading ")
	buf.ToolStart("t1", "read", "read", "Read foo", "read", nil)
	buf.ToolUpdate("t1", model.ToolCompleted, nil, map[string]any{"content": "hi"}, "", "", nil)

	msg := buf.Finalize("")
	if len(msg.Parts) != 2 {
		t.Fatalf("len(msg.Parts) = %d, want 2", len(msg.Parts))
	}
	if msg.Parts[0].Kind != model.PartText || msg.Parts[0].Text != "Reading " {
		t.Errorf("text part = %+v", msg.Parts[0])
	}
	if msg.Parts[1].Kind != model.PartTool || msg.Parts[1].State.Status != model.ToolCompleted {
		t.Errorf("tool part = %+v", msg.Parts[1])
	}

	// A text delta arriving after the tool call must open a new part, not
	// extend the one emitted before the tool call.
	buf2 := NewMessageBuffer(model.NewIDGenerator(), nil, "stdio", "ses_1", model.RoleAssistant)
	buf2.TextDelta("before")
	buf2.ToolStart("t2", "read", "read", "Read bar", "read", nil)
	buf2.TextDelta("after")
	msg2 := buf2.Finalize("")
	if len(msg2.Parts) != 3 {
		t.Fatalf("len(msg2.Parts) = %d, want 3 (text, tool, text)", len(msg2.Parts))
	}
	if msg2.Parts[0].ID == msg2.Parts[2].ID {
		t.Error("text after a tool call must not reuse the pre-tool-call part id")
	}
}

func TestToolPartNeverReentersRunningAfterTerminal(t *testing.T) {
	buf := NewMessageBuffer(model.NewIDGenerator(), nil, "stdio", "ses_1", model.RoleAssistant)
	buf.ToolStart("t1", "edit", "edit", "Write x", "edit", nil)
	buf.ToolUpdate("t1", model.ToolCompleted, nil, "done", "", "", nil)
	buf.ToolUpdate("t1", model.ToolRunning, nil, nil, "", "", nil)

	msg := buf.Finalize("")
	if msg.Parts[0].State.Status != model.ToolCompleted {
		t.Fatalf("status = %q, want it to remain completed", msg.Parts[0].State.Status)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	calls := 0
	emit := func(topic string, payload any) {
		if topic == TopicMessageUpdated {
			calls++
		}
	}
	buf := NewMessageBuffer(model.NewIDGenerator(), emit, "stdio", "ses_1", model.RoleAssistant)
	buf.TextDelta("hi")

	first := buf.Finalize("")
	second := buf.Finalize("")
	if first != second {
		t.Error("expected Finalize to return the same message on repeated calls")
	}
	if calls != 1 {
		t.Errorf("message.updated emitted %d times, want 1", calls)
	}
	if !buf.Finalised() {
		t.Error("expected Finalised() to report true")
	}
}

func TestUnterminatedToolCompletesOnFinalize(t *testing.T) {
	buf := NewMessageBuffer(model.NewIDGenerator(), nil, "stdio", "ses_1", model.RoleAssistant)
	buf.ToolStart("t1", "read", "read", "Read foo", "read", nil)

	msg := buf.Finalize("")
	if msg.Parts[0].State.Status != model.ToolCompleted {
		t.Errorf("status = %q, want completed after finalize forces it", msg.Parts[0].State.Status)
	}
}

func TestSuppressedBufferEmitsNothingUntilUnsuppressed(t *testing.T) {
	var events int
	emit := func(topic string, payload any) { events++ }
	buf := NewMessageBuffer(model.NewIDGenerator(), emit, "stdio", "ses_1", model.RoleUser)
	buf.SetSuppressed(true)
	buf.TextDelta("hello")
	if events != 0 {
		t.Fatalf("events = %d while suppressed, want 0", events)
	}
	buf.Finalize("")
	if events != 0 {
		t.Fatalf("events = %d after suppressed finalize, want 0", events)
	}
}
