package filtering

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultConcurrency = 4
	maxListBytes       = 64 << 20
)

// LoadOptions controls LoadSources.
type LoadOptions struct {
	CacheDir    string
	Log         *slog.Logger
	ErrorLimit  int
	MaxDomains  int
	Concurrency int
	Client      *http.Client
}

// EnsureCacheDir creates the cache directory if missing. Returns an empty string on failure.
func EnsureCacheDir(cacheDir string, log *slog.Logger) string {
	if cacheDir == "" {
		return ""
	}
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		if log != nil {
			log.Error("failed to create cache dir, caching disabled", "dir", cacheDir, "error", err)
		}
		return ""
	}
	return cacheDir
}

type sourceResult struct {
	set *DomainSet
	err error
}

// LoadSources fetches enabled sources concurrently and merges them in
// source order, so the merged order does not depend on download timing.
// Merging stops once MaxDomains entries are collected.
func LoadSources(ctx context.Context, sources []Source, opts LoadOptions) (*DomainSet, LoadReport, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	opts.Log = log
	opts.CacheDir = EnsureCacheDir(opts.CacheDir, log)
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	enabled := make([]Source, 0, len(sources))
	for _, source := range sources {
		if source.Enabled {
			enabled = append(enabled, source)
		}
	}

	workers := opts.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}
	mapper := iter.Mapper[Source, sourceResult]{MaxGoroutines: workers}
	results := mapper.Map(enabled, func(source *Source) sourceResult {
		set, err := loadSource(ctx, *source, opts)
		return sourceResult{set: set, err: err}
	})

	if err := ctx.Err(); err != nil {
		return nil, LoadReport{}, fmt.Errorf("load sources: %w", err)
	}

	merged := NewDomainSet()
	report := LoadReport{}
	for i, result := range results {
		if result.err != nil {
			report.Failed++
			log.Error("failed to load domain list", "list", enabled[i].ID, "error", result.err)
			continue
		}
		report.Loaded++
		if report.Truncated {
			continue
		}
		for _, entry := range result.set.order {
			if opts.MaxDomains > 0 && merged.Len() >= opts.MaxDomains {
				report.Truncated = true
				log.Warn("external domain cap reached, ignoring remaining entries", "cap", opts.MaxDomains, "list", enabled[i].ID)
				break
			}
			merged.AddEntry(entry)
		}
	}

	return merged, report, nil
}

func loadSource(ctx context.Context, source Source, opts LoadOptions) (*DomainSet, error) {
	data, fromCache, err := readSource(ctx, source, opts)
	if err != nil {
		return nil, err
	}

	set, _, err := parseList(bytes.NewReader(data), parseOptions{
		ListID:     source.ID,
		Logger:     opts.Log,
		ErrorLimit: opts.ErrorLimit,
	})
	if err != nil {
		return nil, err
	}

	if !fromCache && opts.CacheDir != "" && isURL(source.Location) {
		if err := writeCache(opts.CacheDir, source, data); err != nil {
			opts.Log.Warn("failed to write cache", "list", source.ID, "error", err)
		}
	}

	return set, nil
}

func readSource(ctx context.Context, source Source, opts LoadOptions) ([]byte, bool, error) {
	if isURL(source.Location) {
		data, err := download(ctx, opts.Client, source)
		if err == nil {
			return data, false, nil
		}
		if opts.CacheDir == "" {
			return nil, false, err
		}
		cached, cacheErr := readCache(opts.CacheDir, source)
		if cacheErr != nil {
			return nil, false, fmt.Errorf("download failed: %w; cache error: %s", err, cacheErr.Error())
		}
		opts.Log.Warn("download failed, using cached list", "list", source.ID, "error", err)
		return cached, true, nil
	}

	data, err := os.ReadFile(source.Location)
	if err != nil {
		return nil, false, fmt.Errorf("read file: %w", err)
	}
	return data, false, nil
}

func download(ctx context.Context, client *http.Client, source Source) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.Location, nil)
	if err != nil {
		return nil, err
	}
	applyAuth(req, source.Auth)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Default().Warn("failed to close list response body", "error", err)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
}

func applyAuth(req *http.Request, auth AuthConfig) {
	if auth.Username != "" || auth.Password != "" {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
	if auth.Token != "" {
		header := auth.Header
		if header == "" {
			header = "Authorization"
		}
		scheme := auth.Scheme
		if scheme == "" {
			scheme = "Bearer"
		}
		req.Header.Set(header, strings.TrimSpace(scheme+" "+auth.Token))
	}
}

func writeCache(cacheDir string, source Source, data []byte) error {
	path := filepath.Join(cacheDir, cacheFileName(source))
	return os.WriteFile(path, data, 0o600)
}

func readCache(cacheDir string, source Source) ([]byte, error) {
	path := filepath.Join(cacheDir, cacheFileName(source))
	// #nosec G304 -- cache path is derived from configured cache directory.
	return os.ReadFile(path)
}

func cacheFileName(source Source) string {
	id := sanitizeID(source.ID)
	if id == "" {
		hash := sha256.Sum256([]byte(source.Location))
		id = "custom-" + hex.EncodeToString(hash[:8])
	}
	return string(source.Kind) + "-" + id + ".txt"
}

func sanitizeID(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	return builder.String()
}

func isURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
