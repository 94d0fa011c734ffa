package mock

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/model"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	var events []string
	emit := func(topic string, payload any) { events = append(events, topic) }
	a := New(model.NewIDGenerator(), emit, zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func TestMathEcho(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	sess, err := a.CreateSession(ctx, "/tmp/proj")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	msg, err := a.SendMessage(ctx, sess.ID, "2+2", adapter.SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Completed == nil {
		t.Fatal("expected assistant message to be completed")
	}
	if len(msg.Parts) != 1 || msg.Parts[0].Kind != model.PartText {
		t.Fatalf("expected a single text part, got %+v", msg.Parts)
	}
	if msg.Parts[0].Text != "The answer is 4" {
		t.Errorf("text = %q, want %q", msg.Parts[0].Text, "The answer is 4")
	}

	history, err := a.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}

func TestTextEcho(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	sess, err := a.CreateSession(ctx, "/tmp/proj")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	msg, err := a.SendMessage(ctx, sess.ID, "Hello world", adapter.SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	want := "This is a mock response to: Hello world"
	if len(msg.Parts) != 1 || msg.Parts[0].Text != want {
		t.Fatalf("parts = %+v, want single text part %q", msg.Parts, want)
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.SendMessage(context.Background(), "nonexistent", "hi", adapter.SendOptions{})
	if err != adapter.ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSessionThenGet(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	sess, _ := a.CreateSession(ctx, "/tmp/proj")

	if err := a.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := a.GetSession(ctx, sess.ID); err != adapter.ErrSessionNotFound {
		t.Fatalf("GetSession after delete = %v, want ErrSessionNotFound", err)
	}
	if err := a.DeleteSession(ctx, sess.ID); err != adapter.ErrSessionNotFound {
		t.Fatalf("second DeleteSession = %v, want ErrSessionNotFound", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := a.HealthCheck(ctx); err != adapter.ErrNotRunning {
		t.Fatalf("HealthCheck after stop = %v, want ErrNotRunning", err)
	}
}
