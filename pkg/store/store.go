// Package store persists still captures on disk: standalone timestamped
// files in the data directory, or grouped into named capture sessions, each
// session a folder with a JSON manifest.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNoActiveSession = errors.New("store: no active capture session")

// Record describes one persisted capture.
type Record struct {
	File   string    `json:"file"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Taken  time.Time `json:"taken"`
}

// Session groups captures under one folder with a manifest.
type Session struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Dir      string    `json:"dir"`
	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended,omitzero"`
	Captures []Record  `json:"captures"`
}

// Store manages the capture directory. All methods are safe for concurrent
// use; at most one session is active at a time.
type Store struct {
	baseDir string

	mu     sync.Mutex
	active *Session
}

// New creates the base directory if needed and returns a store rooted there.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// BaseDir returns the root capture directory.
func (s *Store) BaseDir() string { return s.baseDir }

// DefaultPath returns a timestamped filename in the capture root, the same
// naming the hardware vendor tooling uses.
func (s *Store) DefaultPath() string {
	name := fmt.Sprintf("capture_%s.jpg", time.Now().Format("20060102_150405"))
	return filepath.Join(s.baseDir, name)
}

// StartSession begins a named capture session. An already active session is
// ended first.
func (s *Store) StartSession(name string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if err := s.endLocked(); err != nil {
			return Session{}, err
		}
	}

	id := uuid.NewString()
	folder := sanitizeName(name)
	if folder == "" {
		folder = "session"
	}
	dir := filepath.Join(s.baseDir, "sessions", fmt.Sprintf("%s_%s", folder, id[:8]))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Session{}, fmt.Errorf("failed to create session directory: %w", err)
	}

	s.active = &Session{
		ID:      id,
		Name:    name,
		Dir:     dir,
		Started: time.Now(),
	}
	if err := s.writeManifestLocked(); err != nil {
		return Session{}, err
	}
	return *s.active, nil
}

// Active returns a copy of the current session, or ErrNoActiveSession.
func (s *Store) Active() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Session{}, ErrNoActiveSession
	}
	return *s.active, nil
}

// SaveCapture writes an encoded image into the active session folder (or the
// capture root when no session is active) and returns its path.
func (s *Store) SaveCapture(data []byte, width, height int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	name := fmt.Sprintf("capture_%s.jpg", now.Format("20060102_150405.000"))
	dir := s.baseDir
	if s.active != nil {
		dir = s.active.Dir
	}
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save capture: %w", err)
	}

	if s.active != nil {
		s.active.Captures = append(s.active.Captures, Record{
			File:   name,
			Width:  width,
			Height: height,
			Taken:  now,
		})
		if err := s.writeManifestLocked(); err != nil {
			return "", err
		}
	}
	return path, nil
}

// EndSession finalizes the active session's manifest and returns it.
func (s *Store) EndSession() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Session{}, ErrNoActiveSession
	}
	s.active.Ended = time.Now()
	if err := s.writeManifestLocked(); err != nil {
		return Session{}, err
	}
	ended := *s.active
	s.active = nil
	return ended, nil
}

func (s *Store) endLocked() error {
	s.active.Ended = time.Now()
	if err := s.writeManifestLocked(); err != nil {
		return err
	}
	s.active = nil
	return nil
}

func (s *Store) writeManifestLocked() error {
	data, err := json.MarshalIndent(s.active, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.active.Dir, "session.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session manifest: %w", err)
	}
	return nil
}

// sanitizeName keeps session folder names shell- and URL-friendly.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}
