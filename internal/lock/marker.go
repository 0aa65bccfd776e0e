// Package lock keeps a zero-byte marker file per repository while a build
// request is in flight, so at most one build runs per target.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrHeld is returned when a live marker already exists for the repository.
var ErrHeld = errors.New("a build is already in flight for this repository")

// Guard manages markers under one directory.
type Guard struct {
	dir        string
	staleAfter time.Duration
	now        func() time.Time
}

// New returns a guard. Markers older than staleAfter are treated as leaked
// (for example by a worker killed at its hard limit) and ignored; zero never expires.
func New(dir string, staleAfter time.Duration) *Guard {
	return &Guard{dir: dir, staleAfter: staleAfter, now: time.Now}
}

// Normalize maps equivalent repository URLs to one marker name.
func Normalize(repoURL string) string {
	s := strings.ToLower(strings.TrimSpace(repoURL))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	if !strings.Contains(s, ".") || strings.Index(s, ".") > strings.Index(s, "/") {
		s = "github.com/" + s
	}
	return strings.NewReplacer("/", "_", ":", "_").Replace(s)
}

// Path is the marker file for repoURL.
func (g *Guard) Path(repoURL string) string {
	return filepath.Join(g.dir, Normalize(repoURL)+".lock")
}

// Held reports whether a live marker exists.
func (g *Guard) Held(repoURL string) (bool, error) {
	info, err := os.Stat(g.Path(repoURL))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat lock marker: %w", err)
	}
	return !g.stale(info), nil
}

// Acquire creates the marker, failing with ErrHeld if a live one exists.
func (g *Guard) Acquire(repoURL string) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	path := g.Path(repoURL)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		info, statErr := os.Stat(path)
		if statErr != nil || !g.stale(info) {
			return ErrHeld
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale lock marker: %w", err)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return ErrHeld
		}
	}
	if err != nil {
		return fmt.Errorf("create lock marker: %w", err)
	}
	return f.Close()
}

// Release removes the marker. A missing marker is not an error.
func (g *Guard) Release(repoURL string) error {
	if err := os.Remove(g.Path(repoURL)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	return nil
}

// Do holds the marker for the duration of fn and removes it afterwards
// whatever fn returns. A failed build therefore does not block a retry.
func (g *Guard) Do(repoURL string, fn func() error) (err error) {
	if err := g.Acquire(repoURL); err != nil {
		return err
	}
	defer func() {
		if relErr := g.Release(repoURL); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn()
}

func (g *Guard) stale(info fs.FileInfo) bool {
	return g.staleAfter > 0 && g.now().Sub(info.ModTime()) > g.staleAfter
}
