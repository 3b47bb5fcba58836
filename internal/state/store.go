// Package state persists the authenticated session identity in a scoped
// local file — the only state the core keeps across restarts. Absence of the
// file means "not authenticated" and routes the user to login.
package state

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/converse/internal/api"
	"github.com/petervdpas/converse/internal/util"
)

// ErrNotAuthenticated means no session file exists.
var ErrNotAuthenticated = errors.New("state: not authenticated")

// Store reads and writes the session identity file.
type Store struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewStore creates a Store over the session file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the session file location.
func (s *Store) Path() string { return s.path }

// Load returns the persisted identity, or ErrNotAuthenticated when the file
// is absent.
func (s *Store) Load() (api.User, error) {
	var u api.User
	err := util.ReadJSONFile(s.path, &u)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return api.User{}, ErrNotAuthenticated
		}
		return api.User{}, fmt.Errorf("state: load session: %w", err)
	}
	if u.ID == "" {
		return api.User{}, ErrNotAuthenticated
	}
	return u, nil
}

// Save persists the identity, creating parent directories if needed.
func (s *Store) Save(u api.User) error {
	if err := util.WriteJSONFile(s.path, u); err != nil {
		return fmt.Errorf("state: save session: %w", err)
	}
	return nil
}

// Clear removes the session file. Missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("state: clear session: %w", err)
	}
	return nil
}

// Watch invokes onChange whenever the session file is rewritten or removed
// by anyone else (re-login, logout from another window). The app reacts by
// tearing down and recreating the connection session for the new identity.
func (s *Store) Watch(onChange func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("state: already watching")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("state: watch session: %w", err)
	}
	// Watch the directory: editors and os.WriteFile replace the file, which
	// would invalidate a watch on the path itself.
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("state: watch %s: %w", dir, err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if evt.Name != s.path {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Printf("STATE: session file changed (%s)", evt.Op)
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("STATE: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}
