package configdoc

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"calmweb/pkg/errs"
)

const (
	defaultPersistTimeout = 5 * time.Second
	watchDebounce         = 200 * time.Millisecond
)

// Store persists the config document on disk.
type Store struct {
	path    string
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	lastHash [sha256.Size]byte
}

// NewStore creates a Store for path.
func NewStore(path string, timeout time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	return &Store{path: filepath.Clean(path), timeout: timeout, log: log}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads and parses the document. A missing file yields an empty
// document and exists=false.
func (s *Store) Load() (Document, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		doc, _ := Parse(nil)
		return doc, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("read config document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return Document{}, true, err
	}
	s.remember(data)
	if len(doc.Rejected) > 0 {
		s.log.Warn("config document has invalid domains", "path", s.path, "rejected", len(doc.Rejected))
	}
	return doc, true, nil
}

// Save replaces the document with data. The write goes to a temp file that
// is renamed into place only if it completes before the persist timeout.
func (s *Store) Save(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errs.Persist("create config directory", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*")
	if err != nil {
		return errs.Persist("create temp config document", err)
	}
	tmpName := tmp.Name()

	done := make(chan error, 1)
	go func() {
		_, err := tmp.Write(data)
		if err == nil {
			err = tmp.Sync()
		}
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			_ = os.Remove(tmpName)
			return errs.Persist("write config document", err)
		}
	case <-ctx.Done():
		go func() {
			<-done
			_ = os.Remove(tmpName)
		}()
		return errs.Persist("write config document", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errs.Persist("replace config document", err)
	}
	s.lastHash = sha256.Sum256(data)
	return nil
}

func (s *Store) remember(data []byte) {
	s.mu.Lock()
	s.lastHash = sha256.Sum256(data)
	s.mu.Unlock()
}

// changed records data as seen and reports whether it differs from the
// last content read or written.
func (s *Store) changed(data []byte) bool {
	sum := sha256.Sum256(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sum == s.lastHash {
		return false
	}
	s.lastHash = sum
	return true
}

// Watch calls onChange for every edit of the document made outside this
// Store. It returns when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(Document)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.log.Info("watching config document", "path", s.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config document watcher error", "error", err)
		case <-fire:
			fire = nil
			s.reload(onChange)
		}
	}
}

func (s *Store) reload(onChange func(Document)) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to read edited config document", "path", s.path, "error", err)
		}
		return
	}
	if !s.changed(data) {
		return
	}
	doc, err := Parse(data)
	if err != nil {
		s.log.Error("ignoring edited config document", "path", s.path, "error", err)
		return
	}
	s.log.Info("config document edited externally", "path", s.path, "blocked", len(doc.Blocked), "allowed", len(doc.Allowed))
	onChange(doc)
}
