// Package store implements the durable, file-backed Session Store: the
// single authority for session metadata across restarts. It keeps an
// in-memory cache for all reads, and debounces writes per (engineType,
// directory) key so a burst of streaming-delta-driven updates collapses into
// one disk write.
//
// The atomic write (temp file + rename) is the same idiom as the teacher's
// agent-state persistence (agent/internal/connection/manager.go's
// saveState); the debounce timer reuses gocron's one-shot job type rather
// than a hand-rolled time.AfterFunc bookkeeping table, consistent with using
// gocron as the gateway's general timer primitive.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/model"
)

// debounceDelay is how long a dirty (engineType, directory) group waits,
// after its last mutation, before being flushed to disk.
const debounceDelay = 500 * time.Millisecond

// invalidPathChars are replaced with underscores when deriving a filesystem
// folder name from a project id.
var invalidPathChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_",
	"/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// sanitiseProjectFolder makes a project id safe to use as a path component.
func sanitiseProjectFolder(projectID string) string {
	return invalidPathChars.Replace(projectID)
}

// group is the store's on-disk unit: every session sharing an (engineType,
// directory) pair lives in one sessions.json file.
type group struct {
	engineType string
	directory  string
}

func (g group) projectID() string {
	return model.ProjectID(g.engineType, g.directory)
}

func (g group) folder(root string) string {
	return filepath.Join(root, g.engineType, sanitiseProjectFolder(g.projectID()))
}

// fileRecordVersion is the current sessions.json schema version.
const fileRecordVersion = 1

// fileRecord is the on-disk shape of a sessions.json file: a versioned
// envelope identifying the (engineType, directory) group it belongs to, so
// an external reader can make sense of the file without cross-referencing
// its path.
type fileRecord struct {
	Version    int              `json:"version"`
	EngineType string           `json:"engineType"`
	Directory  string           `json:"directory"`
	Sessions   []*model.Session `json:"sessions"`
}

// Store is the durable Session Store described in §4.8. Create one with New
// and call Load once at startup before serving any queries.
type Store struct {
	root      string
	logger    *zap.Logger
	scheduler gocron.Scheduler

	mu       sync.Mutex
	sessions map[string]*model.Session // sessionID -> session
	dirty    map[group]struct{}
	timers   map[group]gocron.Job
}

// New creates a Store rooted at {userData}/sessions. The scheduler is used
// purely as a source of one-shot debounce timers; callers own its lifecycle.
func New(root string, scheduler gocron.Scheduler, logger *zap.Logger) *Store {
	return &Store{
		root:      root,
		scheduler: scheduler,
		logger:    logger.Named("store"),
		sessions:  make(map[string]*model.Session),
		dirty:     make(map[group]struct{}),
		timers:    make(map[group]gocron.Job),
	}
}

// Load reads every sessions.json under root into the in-memory cache, then
// performs the one-time migration to the project-id-based folder layout and
// removes any orphaned folders left behind by a previous layout.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.root, 0o750); err != nil {
		return fmt.Errorf("store: create root: %w", err)
	}

	engineDirs, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("store: read root: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	activeFolders := make(map[string]map[string]struct{}) // engineType -> folder set

	for _, ed := range engineDirs {
		if !ed.IsDir() {
			continue
		}
		engineType := ed.Name()
		enginePath := filepath.Join(s.root, engineType)
		projDirs, err := os.ReadDir(enginePath)
		if err != nil {
			s.logger.Warn("read engine dir", zap.String("engineType", engineType), zap.Error(err))
			continue
		}
		for _, pd := range projDirs {
			if !pd.IsDir() {
				continue
			}
			recPath := filepath.Join(enginePath, pd.Name(), "sessions.json")
			data, err := os.ReadFile(recPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				s.logger.Warn("read sessions file", zap.String("path", recPath), zap.Error(err))
				continue
			}
			var rec fileRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				s.logger.Warn("corrupt sessions file", zap.String("path", recPath), zap.Error(err))
				continue
			}
			for _, sess := range rec.Sessions {
				s.sessions[sess.ID] = sess
			}
		}
	}

	// One-time migration: re-flush every loaded session to its current
	// project-id-based folder, tracking which folders are now active so
	// stale ones can be removed below.
	for _, sess := range s.sessions {
		g := group{engineType: sess.EngineType, directory: model.NormalizeDirectory(sess.Directory)}
		folder := sanitiseProjectFolder(g.projectID())
		if activeFolders[g.engineType] == nil {
			activeFolders[g.engineType] = make(map[string]struct{})
		}
		activeFolders[g.engineType][folder] = struct{}{}
	}
	s.markAllDirtyLocked()
	if err := s.flushDirtyLocked(); err != nil {
		return fmt.Errorf("store: migration flush: %w", err)
	}

	for _, ed := range engineDirs {
		if !ed.IsDir() {
			continue
		}
		engineType := ed.Name()
		enginePath := filepath.Join(s.root, engineType)
		projDirs, err := os.ReadDir(enginePath)
		if err != nil {
			continue
		}
		active := activeFolders[engineType]
		for _, pd := range projDirs {
			if !pd.IsDir() {
				continue
			}
			if _, ok := active[pd.Name()]; ok {
				continue
			}
			orphan := filepath.Join(enginePath, pd.Name())
			if err := os.RemoveAll(orphan); err != nil {
				s.logger.Warn("remove orphaned project folder", zap.String("path", orphan), zap.Error(err))
				continue
			}
			s.logger.Info("removed orphaned session folder", zap.String("path", orphan))
		}
	}

	return nil
}

// Get returns a session by id.
func (s *Store) Get(id string) (*model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns every cached session, optionally filtered by engine type
// and/or directory (empty string means "no filter on that field").
func (s *Store) List(engineType, directory string) []*model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	normDir := ""
	if directory != "" {
		normDir = model.NormalizeDirectory(directory)
	}

	out := make([]*model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if engineType != "" && sess.EngineType != engineType {
			continue
		}
		if normDir != "" && model.NormalizeDirectory(sess.Directory) != normDir {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListProjects derives the project list by grouping the cache by
// (engineType, normalizedDirectory). Projects are never stored directly.
func (s *Store) ListProjects() []model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]model.Project)
	for _, sess := range s.sessions {
		dir := model.NormalizeDirectory(sess.Directory)
		id := model.ProjectID(sess.EngineType, dir)
		if _, ok := seen[id]; !ok {
			seen[id] = model.Project{ID: id, EngineType: sess.EngineType, Directory: dir}
		}
	}
	out := make([]model.Project, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put inserts or replaces a session unconditionally (used for local
// mutations originated by the gateway itself, e.g. createSession) and
// schedules a debounced flush of its group.
func (s *Store) Put(sess *model.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.markDirtyLocked(sess)
	s.mu.Unlock()
}

// Merge applies the §4.8 merge policy for a batch of backend-sourced
// sessions: an incoming session replaces the cached one iff there is no
// existing record or the incoming Updated timestamp is >= the existing one.
// This keeps backend data authoritative for recency while not clobbering
// local-only mutations made between adapter polls.
func (s *Store) Merge(incoming []*model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range incoming {
		existing, ok := s.sessions[sess.ID]
		if !ok || !sess.Updated.Before(existing.Updated) {
			s.sessions[sess.ID] = sess
			s.markDirtyLocked(sess)
		}
	}
}

// Delete removes a session from the cache and schedules its group's flush.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		s.markDirtyLocked(sess)
	}
	s.mu.Unlock()
}

// markDirtyLocked must be called with s.mu held. It marks sess's group dirty
// and (re)schedules its debounce timer.
func (s *Store) markDirtyLocked(sess *model.Session) {
	g := group{engineType: sess.EngineType, directory: model.NormalizeDirectory(sess.Directory)}
	s.dirty[g] = struct{}{}

	if existing, ok := s.timers[g]; ok {
		_ = s.scheduler.RemoveJob(existing.ID())
	}
	job, err := s.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(debounceDelay))),
		gocron.NewTask(func() { s.flushGroup(g) }),
	)
	if err != nil {
		s.logger.Error("schedule debounce flush", zap.Error(err))
		return
	}
	s.timers[g] = job
}

// flushGroup writes one group's sessions.json atomically. Any write
// error here is logged, not surfaced — the next mutation will re-dirty the
// group and retry.
func (s *Store) flushGroup(g group) {
	s.mu.Lock()
	delete(s.dirty, g)
	delete(s.timers, g)
	rec := s.collectGroupLocked(g)
	s.mu.Unlock()

	if err := writeAtomic(g.folder(s.root), rec); err != nil {
		s.logger.Error("flush session group", zap.String("engineType", g.engineType), zap.String("directory", g.directory), zap.Error(err))
	}
}

// collectGroupLocked must be called with s.mu held.
func (s *Store) collectGroupLocked(g group) fileRecord {
	rec := fileRecord{Version: fileRecordVersion, EngineType: g.engineType, Directory: g.directory}
	for _, sess := range s.sessions {
		if sess.EngineType == g.engineType && model.NormalizeDirectory(sess.Directory) == g.directory {
			rec.Sessions = append(rec.Sessions, sess)
		}
	}
	sort.Slice(rec.Sessions, func(i, j int) bool { return rec.Sessions[i].ID < rec.Sessions[j].ID })
	return rec
}

// FlushAll cancels every dirty group's pending debounce timer and writes it
// immediately; groups with no pending mutation since their last write are
// skipped. Intended for graceful shutdown.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushDirtyLocked()
}

// markAllDirtyLocked marks every group currently represented in the cache as
// dirty, must be called with s.mu held. Used by Load's one-time migration
// pass, which needs every group re-flushed to its current folder regardless
// of whether anything in it actually changed.
func (s *Store) markAllDirtyLocked() {
	for _, sess := range s.sessions {
		g := group{engineType: sess.EngineType, directory: model.NormalizeDirectory(sess.Directory)}
		s.dirty[g] = struct{}{}
	}
}

// flushDirtyLocked must be called with s.mu held. It writes exactly the
// groups marked dirty and clears their timers, so a FlushAll with no
// intervening mutation is a no-op.
func (s *Store) flushDirtyLocked() error {
	groups := make([]group, 0, len(s.dirty))
	for g := range s.dirty {
		groups = append(groups, g)
	}
	s.dirty = make(map[group]struct{})

	for _, g := range groups {
		if job, ok := s.timers[g]; ok {
			_ = s.scheduler.RemoveJob(job.ID())
			delete(s.timers, g)
		}
	}

	var firstErr error
	for _, g := range groups {
		rec := s.collectGroupLocked(g)
		if err := writeAtomic(g.folder(s.root), rec); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: flush group %s/%s: %w", g.engineType, g.directory, err)
		}
	}
	return firstErr
}

// writeAtomic marshals rec and writes it to folder/sessions.json via
// temp-file-then-rename, the same pattern as the teacher's agent state
// persistence.
func writeAtomic(folder string, rec fileRecord) error {
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(folder, "sessions.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	dest := filepath.Join(folder, "sessions.json")
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	return nil
}
