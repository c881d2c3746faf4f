// Package prompt serves the system prompt, optionally from a file that is
// reloaded when it changes on disk.
package prompt

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

//go:embed default_prompt.txt
var defaultPrompt string

// Default returns the built-in system prompt.
func Default() string {
	return defaultPrompt
}

// Static is a PromptSource with a fixed prompt.
type Static string

func (s Static) SystemPrompt() string {
	return string(s)
}

// FileSource serves the contents of one file, falling back to the built-in
// prompt until the file has non-empty content.
type FileSource struct {
	path string

	mu      sync.RWMutex
	current string
}

func NewFileSource(path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve prompt path: %w", err)
	}
	s := &FileSource{path: abs, current: defaultPrompt}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSource) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *FileSource) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil
	}
	s.mu.Lock()
	changed := s.current != text
	s.current = text
	s.mu.Unlock()
	if changed {
		slog.Info("prompt_reloaded", "path", s.path, "bytes", len(text))
	}
	return nil
}

// Watch reloads the prompt on every write or replace of the file until ctx
// is done. The parent directory is watched so editor renames are seen.
func (s *FileSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch prompt dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				slog.Warn("prompt_reload_failed", "path", s.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("prompt_watcher_error", "error", err)
		}
	}
}
