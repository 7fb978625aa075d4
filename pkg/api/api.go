// Package api exposes calmweb's state over HTTP for the dashboard views
// and the interception engine.
//
// Every read handler answers from one published snapshot, so a single
// response never mixes states. Mutations go through the snapshot
// publisher and are rate limited.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"calmweb/pkg/configdoc"
	"calmweb/pkg/errs"
	"calmweb/pkg/metrics"
	"calmweb/pkg/registry"
	"calmweb/pkg/settings"
	"calmweb/pkg/snapshot"
	"calmweb/pkg/sources"
	"calmweb/pkg/stats"
	"calmweb/pkg/updater"
)

const (
	maxBodyBytes = 1 << 20

	defaultMaxExternalBlocked = 1000
	defaultMaxExternalAllowed = 100
	defaultRateLimit          = 20
	defaultBurst              = 40
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// Publisher is the state the API reads and mutates.
type Publisher interface {
	Current() *snapshot.State
	Snapshot(ctx context.Context) (snapshot.Snapshot, error)
	Document() []byte
	AddDomain(ctx context.Context, list registry.List, domain string) (registry.AddResult, error)
	RemoveDomain(ctx context.Context, list registry.List, domain string) (registry.RemoveResult, error)
	ClearDomains(ctx context.Context, lists ...registry.List) (int, error)
	ApplySettings(ctx context.Context, partial map[string]bool, protection *bool) (settings.Settings, bool, error)
	SetProtection(ctx context.Context, enabled bool) (bool, error)
	ToggleProtection(ctx context.Context) (bool, error)
	ApplyText(ctx context.Context, data []byte) (configdoc.Document, error)
}

// EventRecorder stores usage events.
type EventRecorder interface {
	Record(ctx context.Context, events ...stats.Event) error
}

// UpdateJob is the external list refresh job.
type UpdateJob interface {
	Status() updater.Status
	Trigger(ctx context.Context) error
}

// LogSource returns recent log lines, newest last.
type LogSource interface {
	Lines() []string
}

// Options configures the router.
type Options struct {
	Publisher          Publisher
	Events             EventRecorder
	Updater            UpdateJob
	Sources            SourceCatalog
	Logs               LogSource
	Metrics            *metrics.Metrics
	Log                *slog.Logger
	Version            string
	MaxExternalBlocked int
	MaxExternalAllowed int
	RateLimit          float64
	Burst              int
}

type handlers struct {
	pub                Publisher
	events             EventRecorder
	updates            UpdateJob
	sources            SourceCatalog
	logs               LogSource
	log                *slog.Logger
	version            string
	maxExternalBlocked int
	maxExternalAllowed int
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	h := &handlers{
		pub:                opts.Publisher,
		events:             opts.Events,
		updates:            opts.Updater,
		sources:            opts.Sources,
		logs:               opts.Logs,
		log:                opts.Log,
		version:            opts.Version,
		maxExternalBlocked: opts.MaxExternalBlocked,
		maxExternalAllowed: opts.MaxExternalAllowed,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.maxExternalBlocked <= 0 {
		h.maxExternalBlocked = defaultMaxExternalBlocked
	}
	if h.maxExternalAllowed <= 0 {
		h.maxExternalAllowed = defaultMaxExternalAllowed
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))
	r.Use(noCache)

	r.Get("/health", h.health)
	r.Handle("/metrics", opts.Metrics.Handler())
	r.Get("/data.json", h.getStats)

	r.Route("/api", func(r chi.Router) {
		r.Get("/domains", h.listDomains)
		r.Get("/settings", h.getSettings)
		r.Get("/config", h.getConfig)
		r.Get("/stats", h.getStats)
		r.Get("/logs", h.getLogs)
		r.Get("/snapshot", h.getSnapshot)
		r.Get("/check", h.check)
		r.Get("/update/status", h.updateStatus)
		r.Post("/update/status", h.updateStatus)
		if h.sources != nil {
			r.Get("/blocklists", h.listBlocklists)
		}

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(rate.NewLimiter(rate.Limit(limit), burst)))
			r.Post("/domains/add", h.addDomain)
			r.Post("/domains/remove", h.removeDomain)
			r.Post("/domains/clear", h.clearDomains)
			r.Post("/settings", h.updateSettings)
			r.Post("/settings/update", h.updateSettings)
			r.Post("/config", h.saveConfig)
			r.Post("/protection/toggle", h.toggleProtection)
			r.Post("/update/trigger", h.triggerUpdate)
			r.Post("/events", h.recordEvents)
			if h.sources != nil {
				r.Post("/blocklists/add", h.addBlocklist)
				r.Post("/blocklists/remove", h.removeBlocklist)
				r.Post("/blocklists/toggle", h.toggleBlocklist)
				r.Post("/blocklists/reset", h.resetBlocklists)
			}
		})
	})
	return r
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, errorBody("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func readAll(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return nil, badRequest("body too large")
	}
	return body, nil
}

// readJSON reads a JSON body. An empty body is returned as "{}".
func readJSON(r *http.Request) (gjson.Result, error) {
	body, err := readAll(r)
	if err != nil {
		return gjson.Result{}, err
	}
	if len(body) == 0 {
		return gjson.Parse("{}"), nil
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, badRequest("malformed JSON")
	}
	return gjson.ParseBytes(body), nil
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, errs.ErrMalformedConfig),
		errors.Is(err, errs.ErrInvalidDomain),
		errors.Is(err, settings.ErrUnknownSetting),
		errors.Is(err, stats.ErrInvalidEvent),
		errors.Is(err, sources.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, sources.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrNotRemovable), errors.Is(err, updater.ErrInProgress), errors.Is(err, sources.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(message string) map[string]any {
	return map[string]any{"success": false, "error": message, "message": message}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
