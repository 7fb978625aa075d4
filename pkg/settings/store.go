package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"calmweb/pkg/errs"
)

const defaultPersistTimeout = 5 * time.Second

// KV is the persistence channel used by Store.
type KV interface {
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string) error
}

// Options configures a Store.
type Options struct {
	PersistTimeout time.Duration
	Log            *slog.Logger
}

// Store keeps the current Settings and protection flag in memory and
// writes every change through to KV before making it visible.
type Store struct {
	mu         sync.Mutex
	kv         KV
	timeout    time.Duration
	log        *slog.Logger
	current    atomic.Pointer[Settings]
	protection atomic.Bool
	persisted  atomic.Bool
}

// Open loads the persisted values, falling back to Defaults.
func Open(ctx context.Context, kv KV, opts Options) (*Store, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	s := &Store{kv: kv, timeout: timeout, log: log}

	keys := append(append([]string{}, Keys...), keyProtectionEnabled)
	stored, err := kv.GetMany(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	current := Defaults()
	defaults := current.Map()
	partial := make(map[string]bool)
	for _, key := range Keys {
		if raw, ok := stored[key]; ok {
			partial[key] = decodeBool(raw, defaults[key])
			s.persisted.Store(true)
		}
	}
	current, _ = current.With(partial)
	s.current.Store(&current)

	s.protection.Store(true)
	if raw, ok := stored[keyProtectionEnabled]; ok {
		s.protection.Store(decodeBool(raw, true))
	}

	log.Debug("settings loaded", "persisted", s.persisted.Load(), "protection_enabled", s.protection.Load())
	return s, nil
}

// Get returns the current settings.
func (s *Store) Get() Settings {
	return *s.current.Load()
}

// Persisted reports whether a settings record exists in storage.
func (s *Store) Persisted() bool {
	return s.persisted.Load()
}

// Update applies partial and persists the result. Keys absent from partial
// keep their value. On failure the previous settings stay in effect.
func (s *Store) Update(ctx context.Context, partial map[string]bool) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.Get()
	next, err := prev.With(partial)
	if err != nil {
		return prev, err
	}
	if err := s.write(ctx, next); err != nil {
		return prev, err
	}
	s.current.Store(&next)
	s.log.Info("settings updated", "block_ip_direct", next.BlockIPDirect, "block_http_traffic", next.BlockHTTPTraffic, "block_http_other_ports", next.BlockHTTPOtherPorts)
	return next, nil
}

// Apply persists a partial options update together with an optional
// protection flag in one KV write. Nothing changes in memory unless the
// write succeeds.
func (s *Store) Apply(ctx context.Context, partial map[string]bool, protection *bool) (Settings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, prevProtection := s.Get(), s.protection.Load()
	next, err := prev.With(partial)
	if err != nil {
		return prev, prevProtection, err
	}
	enabled := prevProtection
	if protection != nil {
		enabled = *protection
	}

	values := make(map[string]string, len(Keys)+1)
	if len(partial) > 0 {
		for key, value := range next.Map() {
			values[key] = encodeBool(value)
		}
	}
	if protection != nil {
		values[keyProtectionEnabled] = encodeBool(enabled)
	}
	if len(values) == 0 {
		return prev, prevProtection, nil
	}

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.kv.SetMany(wctx, values); err != nil {
		return prev, prevProtection, errs.Persist("save settings", err)
	}
	if len(partial) > 0 {
		s.persisted.Store(true)
		s.current.Store(&next)
	}
	s.protection.Store(enabled)
	s.log.Info("settings applied", "block_ip_direct", next.BlockIPDirect, "block_http_traffic", next.BlockHTTPTraffic,
		"block_http_other_ports", next.BlockHTTPOtherPorts, "protection_enabled", enabled)
	return next, enabled, nil
}

// Replace persists settings as a whole.
func (s *Store) Replace(ctx context.Context, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(ctx, settings); err != nil {
		return err
	}
	s.current.Store(&settings)
	return nil
}

func (s *Store) write(ctx context.Context, settings Settings) error {
	values := make(map[string]string, len(Keys))
	for key, value := range settings.Map() {
		values[key] = encodeBool(value)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.kv.SetMany(ctx, values); err != nil {
		return errs.Persist("save settings", err)
	}
	s.persisted.Store(true)
	return nil
}

// Protection reports whether protection is enabled.
func (s *Store) Protection() bool {
	return s.protection.Load()
}

// SetProtection persists the protection flag.
func (s *Store) SetProtection(ctx context.Context, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setProtection(ctx, enabled)
}

// ToggleProtection flips the protection flag.
func (s *Store) ToggleProtection(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setProtection(ctx, !s.protection.Load())
}

func (s *Store) setProtection(ctx context.Context, enabled bool) (bool, error) {
	prev := s.protection.Load()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.kv.SetMany(ctx, map[string]string{keyProtectionEnabled: encodeBool(enabled)}); err != nil {
		return prev, errs.Persist("save protection flag", err)
	}
	s.protection.Store(enabled)
	s.log.Info("protection changed", "enabled", enabled)
	return enabled, nil
}
