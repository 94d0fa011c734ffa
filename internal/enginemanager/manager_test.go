package enginemanager

import (
	"context"
	"testing"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/adapter/mock"
	"github.com/codegateio/gateway/internal/metrics"
	"github.com/codegateio/gateway/internal/model"
	"github.com/codegateio/gateway/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	sched, err := gocron.NewScheduler()
	if err != nil {
		t.Fatalf("gocron.NewScheduler: %v", err)
	}
	t.Cleanup(func() { _ = sched.Shutdown() })

	st := store.New(t.TempDir(), sched, zap.NewNop())
	if err := st.Load(); err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	return New(st, zap.NewNop(), metrics.New())
}

func registerMockAndStart(t *testing.T, m *Manager) *mock.Adapter {
	t.Helper()
	a := mock.New(model.NewIDGenerator(), m.Emitter(mock.EngineType), zap.NewNop())
	m.RegisterAdapter(a)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("adapter Start: %v", err)
	}
	return a
}

func TestCreateSessionRoutingAndTitleFallback(t *testing.T) {
	m := newTestManager(t)
	registerMockAndStart(t, m)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, mock.EngineType, "/tmp/proj")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !model.IsDefaultTitle(sess.Title) {
		t.Fatalf("expected default title, got %q", sess.Title)
	}

	if _, err := m.SendMessage(ctx, sess.ID, "Fix the login bug", adapter.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	updated, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.Title != "Fix the login bug" {
		t.Errorf("title after fallback = %q, want %q", updated.Title, "Fix the login bug")
	}
}

func TestTitleFallbackTruncatesAndEllipsises(t *testing.T) {
	m := newTestManager(t)
	registerMockAndStart(t, m)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, mock.EngineType, "/tmp/proj")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	long := ""
	for i := 0; i < 150; i++ {
		long += "a"
	}
	if _, err := m.SendMessage(ctx, sess.ID, long, adapter.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	updated, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	runes := []rune(updated.Title)
	if len(runes) != 101 || runes[100] != '…' {
		t.Fatalf("title = %q (len %d), want 100 chars + ellipsis", updated.Title, len(runes))
	}
}

func TestTitleFallbackDoesNotOverwriteCustomTitle(t *testing.T) {
	m := newTestManager(t)
	registerMockAndStart(t, m)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, mock.EngineType, "/tmp/proj")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if stored, ok := m.store.Get(sess.ID); ok {
		stored.Title = "My custom title"
		m.store.Put(stored)
	}

	if _, err := m.SendMessage(ctx, sess.ID, "Fix the login bug", adapter.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	updated, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.Title != "My custom title" {
		t.Errorf("custom title was overwritten: got %q", updated.Title)
	}
}

func TestReplyPermissionRoutingAndSingleUse(t *testing.T) {
	m := newTestManager(t)
	a := registerMockAndStart(t, m)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, mock.EngineType, "/tmp/proj")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	permID := a.AskPermission(sess.ID, "t1", "Write x", model.PermissionEdit,
		[]model.PermissionOption{{OptionID: "allow_once", Kind: "allow_once", Name: "Allow"}})

	if err := m.ReplyPermission(ctx, permID, model.PermissionReply{OptionID: "allow_once"}); err != nil {
		t.Fatalf("ReplyPermission: %v", err)
	}
	if err := m.ReplyPermission(ctx, permID, model.PermissionReply{OptionID: "allow_once"}); err != adapter.ErrPermissionNotFound {
		t.Fatalf("second ReplyPermission = %v, want ErrPermissionNotFound", err)
	}
}

func TestListSessionsByEngineTypeAndDirectory(t *testing.T) {
	m := newTestManager(t)
	registerMockAndStart(t, m)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, mock.EngineType, "/tmp/proj-a"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	byEngine, err := m.ListSessions(ctx, mock.EngineType)
	if err != nil {
		t.Fatalf("ListSessions(engineType): %v", err)
	}
	if len(byEngine) != 1 {
		t.Fatalf("len(byEngine) = %d, want 1", len(byEngine))
	}

	byDir, err := m.ListSessions(ctx, "/tmp/proj-a")
	if err != nil {
		t.Fatalf("ListSessions(directory): %v", err)
	}
	if len(byDir) != 1 {
		t.Fatalf("len(byDir) = %d, want 1", len(byDir))
	}
}

func TestStartAllStopAllIdempotent(t *testing.T) {
	m := newTestManager(t)
	registerMockAndStart(t, m)
	ctx := context.Background()

	m.StartAll(ctx)
	m.StopAll(ctx)
	m.StopAll(ctx)
}
