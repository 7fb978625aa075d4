// Package sources keeps the user's selection of external domain lists.
//
// The selection starts from the configured lists and the built-in catalog.
// Once the dashboard changes it, the full selection is persisted in the
// app_settings table and wins over the configuration on later starts.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calmweb/pkg/errs"
	"calmweb/pkg/filtering"
)

const (
	keyLists              = "sources.lists"
	maxURLLength          = 2000
	defaultPersistTimeout = 5 * time.Second
)

var (
	// ErrInvalidURL reports a list location that is not an http(s) URL.
	ErrInvalidURL = errors.New("invalid list url")
	// ErrDuplicate reports a URL already present in the same list.
	ErrDuplicate = errors.New("list url already exists")
	// ErrNotFound reports a URL absent from the list.
	ErrNotFound = errors.New("list url not found")
)

// KV is the persistence channel used by Store.
type KV interface {
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string) error
}

// Entry is one selectable external list.
type Entry struct {
	ID      string         `json:"id"`
	URL     string         `json:"url"`
	Name    string         `json:"name"`
	Kind    filtering.Kind `json:"kind"`
	Enabled bool           `json:"enabled"`
	// Builtin entries come from the catalog or the configuration.
	Builtin bool `json:"builtin"`
}

// Options configures a Store.
type Options struct {
	// Configured are the sources built from the configuration file.
	Configured     []filtering.Source
	Catalog        map[string]filtering.ListDefinition
	PersistTimeout time.Duration
	Log            *slog.Logger
}

// Store holds the current selection and writes every change through to KV
// before making it visible.
type Store struct {
	mu       sync.Mutex
	kv       KV
	timeout  time.Duration
	log      *slog.Logger
	defaults []Entry
	auth     map[string]filtering.AuthConfig
	entries  []Entry
	saved    bool
}

// Open loads the persisted selection, falling back to the defaults derived
// from the configuration and the catalog.
func Open(ctx context.Context, kv KV, opts Options) (*Store, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = filtering.Catalog
	}

	s := &Store{
		kv:       kv,
		timeout:  timeout,
		log:      log,
		defaults: Defaults(catalog, opts.Configured),
		auth:     make(map[string]filtering.AuthConfig),
	}
	for _, source := range opts.Configured {
		s.auth[source.ID] = source.Auth
	}

	stored, err := kv.GetMany(ctx, keyLists)
	if err != nil {
		return nil, fmt.Errorf("load list selection: %w", err)
	}
	s.entries = slices.Clone(s.defaults)
	if raw, ok := stored[keyLists]; ok {
		var entries []Entry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			log.Warn("stored list selection unreadable, using defaults", "error", err)
		} else {
			s.entries = entries
			s.saved = true
		}
	}
	log.Debug("list selection loaded", "lists", len(s.entries), "stored", s.saved)
	return s, nil
}

// Defaults returns the configured sources, enabled, followed by the
// remaining catalog lists, disabled.
func Defaults(catalog map[string]filtering.ListDefinition, configured []filtering.Source) []Entry {
	entries := make([]Entry, 0, len(configured)+len(catalog))
	seen := make(map[string]bool, len(configured))
	for _, source := range configured {
		name := ""
		if def, ok := catalog[source.ID]; ok {
			name = def.Name
		}
		if name == "" {
			name = NameFor(source.Location)
		}
		entries = append(entries, Entry{
			ID:      source.ID,
			URL:     source.Location,
			Name:    name,
			Kind:    source.Kind,
			Enabled: source.Enabled,
			Builtin: true,
		})
		seen[source.ID] = true
	}

	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		def := catalog[id]
		entries = append(entries, Entry{ID: id, URL: def.URL, Name: def.Name, Kind: def.Kind, Builtin: true})
	}
	return entries
}

// List returns a copy of the current selection.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Sources returns the enabled entries as loadable sources.
func (s *Store) Sources() []filtering.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]filtering.Source, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.Enabled {
			continue
		}
		out = append(out, filtering.Source{
			ID:       entry.ID,
			Location: entry.URL,
			Kind:     entry.Kind,
			Enabled:  true,
			Auth:     s.auth[entry.ID],
		})
	}
	return out
}

// Add appends an enabled list. Adding a URL that is present but disabled
// enables it.
func (s *Store) Add(ctx context.Context, kind filtering.Kind, rawURL string) (Entry, error) {
	location, err := ValidateURL(rawURL)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.Clone(s.entries)
	if i := indexOf(next, kind, location); i >= 0 {
		if next[i].Enabled {
			return next[i], fmt.Errorf("%w: %s", ErrDuplicate, location)
		}
		next[i].Enabled = true
		if err := s.commit(ctx, next); err != nil {
			return Entry{}, err
		}
		return next[i], nil
	}

	entry := Entry{
		ID:      "user_" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(kind)+" "+location)).String()[:8],
		URL:     location,
		Name:    NameFor(location),
		Kind:    kind,
		Enabled: true,
	}
	next = append(next, entry)
	if err := s.commit(ctx, next); err != nil {
		return Entry{}, err
	}
	s.log.Info("external list added", "url", location, "kind", kind)
	return entry, nil
}

// Remove deletes the list with the given URL.
func (s *Store) Remove(ctx context.Context, kind filtering.Kind, rawURL string) (Entry, error) {
	location := strings.TrimSpace(rawURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.entries, kind, location)
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	removed := s.entries[i]
	next := slices.Delete(slices.Clone(s.entries), i, i+1)
	if err := s.commit(ctx, next); err != nil {
		return Entry{}, err
	}
	s.log.Info("external list removed", "url", location, "kind", kind)
	return removed, nil
}

// SetEnabled switches the list with the given URL on or off.
func (s *Store) SetEnabled(ctx context.Context, kind filtering.Kind, rawURL string, enabled bool) (Entry, error) {
	location := strings.TrimSpace(rawURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.entries, kind, location)
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if s.entries[i].Enabled == enabled {
		return s.entries[i], nil
	}
	next := slices.Clone(s.entries)
	next[i].Enabled = enabled
	if err := s.commit(ctx, next); err != nil {
		return Entry{}, err
	}
	s.log.Info("external list switched", "url", location, "kind", kind, "enabled", enabled)
	return next[i], nil
}

// Reset restores the default selection.
func (s *Store) Reset(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.Clone(s.defaults)
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	s.log.Info("external lists reset to defaults", "lists", len(next))
	return slices.Clone(next), nil
}

// commit persists next and makes it current. The caller holds mu.
func (s *Store) commit(ctx context.Context, next []Entry) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode list selection: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.kv.SetMany(ctx, map[string]string{keyLists: string(raw)}); err != nil {
		return errs.Persist("save list selection", err)
	}
	s.entries = next
	s.saved = true
	return nil
}

func indexOf(entries []Entry, kind filtering.Kind, location string) int {
	return slices.IndexFunc(entries, func(e Entry) bool {
		return e.Kind == kind && e.URL == location
	})
}

// ValidateURL trims raw and checks that it is an absolute http(s) URL.
func ValidateURL(raw string) (string, error) {
	location := strings.TrimSpace(raw)
	if location == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if len(location) > maxURLLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidURL, maxURLLength)
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, location)
	}
	return location, nil
}

// NameFor derives a readable name from a list URL: the file name without
// extension, or the host.
func NameFor(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return location
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if stem, _, ok := strings.Cut(base, "."); ok {
		words := strings.FieldsFunc(stem, func(r rune) bool { return r == '-' || r == '_' })
		for i, w := range words {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
		if len(words) > 0 {
			return strings.Join(words, " ")
		}
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
