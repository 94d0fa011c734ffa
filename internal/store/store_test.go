package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	sched, err := gocron.NewScheduler()
	if err != nil {
		t.Fatalf("gocron.NewScheduler: %v", err)
	}
	t.Cleanup(func() { _ = sched.Shutdown() })

	root := t.TempDir()
	st := New(root, sched, zap.NewNop())
	if err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return st, root
}

func sampleSession(id, engineType, dir string) *model.Session {
	now := time.Now()
	return &model.Session{ID: id, EngineType: engineType, Directory: dir, Title: "New session", Created: now, Updated: now}
}

func TestPutGet(t *testing.T) {
	st, _ := newTestStore(t)
	sess := sampleSession("ses_1", "mock", "/tmp/proj")
	st.Put(sess)

	got, ok := st.Get("ses_1")
	if !ok {
		t.Fatal("expected session to be present")
	}
	if got.ID != sess.ID {
		t.Errorf("got id %q, want %q", got.ID, sess.ID)
	}
}

func TestListProjectsDerivedGrouping(t *testing.T) {
	st, _ := newTestStore(t)
	st.Put(sampleSession("ses_1", "mock", "/tmp/a"))
	st.Put(sampleSession("ses_2", "mock", "/tmp/a"))
	st.Put(sampleSession("ses_3", "mock", "/tmp/b"))

	projects := st.ListProjects()
	if len(projects) != 2 {
		t.Fatalf("len(projects) = %d, want 2", len(projects))
	}
}

func TestFlushAllThenFlushAllAgainIsIdempotent(t *testing.T) {
	st, root := newTestStore(t)
	st.Put(sampleSession("ses_1", "mock", "/tmp/proj"))

	if err := st.FlushAll(); err != nil {
		t.Fatalf("first FlushAll: %v", err)
	}

	g := group{engineType: "mock", directory: model.NormalizeDirectory("/tmp/proj")}
	path := filepath.Join(g.folder(root), "sessions.json")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat sessions.json after first flush: %v", err)
	}
	firstModTime := info.ModTime()

	if err := st.FlushAll(); err != nil {
		t.Fatalf("second FlushAll: %v", err)
	}

	info, err = os.Stat(path)
	if err != nil {
		t.Fatalf("stat sessions.json after second flush: %v", err)
	}
	if !info.ModTime().Equal(firstModTime) {
		t.Fatalf("sessions.json was rewritten by a FlushAll with no intervening mutation")
	}
}

func TestReloadAfterFlush(t *testing.T) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		t.Fatalf("gocron.NewScheduler: %v", err)
	}
	defer sched.Shutdown() //nolint:errcheck

	root := t.TempDir()
	st := New(root, sched, zap.NewNop())
	if err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st.Put(sampleSession("ses_1", "mock", "/tmp/proj"))
	if err := st.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	reloaded := New(root, sched, zap.NewNop())
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload Load: %v", err)
	}
	got, ok := reloaded.Get("ses_1")
	if !ok {
		t.Fatal("expected session to survive a reload")
	}
	if got.EngineType != "mock" {
		t.Errorf("got engineType %q, want mock", got.EngineType)
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	st, _ := newTestStore(t)
	st.Put(sampleSession("ses_1", "mock", "/tmp/proj"))
	st.Delete("ses_1")

	if _, ok := st.Get("ses_1"); ok {
		t.Fatal("expected session to be gone after Delete")
	}
	if err := st.FlushAll(); err != nil {
		t.Fatalf("FlushAll after delete: %v", err)
	}
}
