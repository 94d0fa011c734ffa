package model

import (
	"path"
	"strings"
	"time"
)

// Session is a persistent conversation bound to a directory and a single
// engine type. Its identity is the pair (ID, EngineType); ID alone is unique
// across every engine running in the process.
type Session struct {
	ID        string         `json:"id"`
	EngineType string        `json:"engineType"`
	Directory string         `json:"directory"`
	Title     string         `json:"title"`
	ParentID  string         `json:"parentId,omitempty"`
	Created   time.Time      `json:"created"`
	Updated   time.Time      `json:"updated"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NormalizeDirectory converts a filesystem path to the gateway's canonical
// forward-slash form, so "C:\\work\\repo" and "/work/repo" compare equal
// once normalized on their respective platforms.
func NormalizeDirectory(dir string) string {
	return path.Clean(strings.ReplaceAll(dir, `\`, "/"))
}

// IsDefaultTitle reports whether title is one the title-fallback logic in the
// engine manager is allowed to overwrite: "New session" or "Child session",
// optionally suffixed with " - <ISO timestamp>".
//
// Only English default patterns are recognised — see Open Questions in
// DESIGN.md for why this is accepted as-is rather than generalized.
func IsDefaultTitle(title string) bool {
	title = strings.TrimSpace(title)
	for _, base := range []string{"New session", "Child session"} {
		if title == base {
			return true
		}
		if rest, ok := strings.CutPrefix(title, base+" - "); ok {
			return looksLikeISOTimestamp(rest)
		}
	}
	return false
}

func looksLikeISOTimestamp(s string) bool {
	_, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return true
	}
	_, err = time.Parse("2006-01-02T15:04:05.000Z", s)
	return err == nil
}

// Project is a derived grouping of sessions by (EngineType, Directory). It is
// never stored directly — the Session Store and adapters compute it on
// demand from the live session set.
type Project struct {
	ID         string `json:"id"`
	EngineType string `json:"engineType"`
	Directory  string `json:"directory"`
}

// ProjectID returns the stable derived id for a project grouping.
func ProjectID(engineType, directory string) string {
	return engineType + "-" + NormalizeDirectory(directory)
}
