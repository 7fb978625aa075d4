package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"calmweb/pkg/filtering"
	"calmweb/pkg/registry"
	"calmweb/pkg/sources"
	"calmweb/pkg/updater"
)

// SourceCatalog is the user's selection of external lists.
type SourceCatalog interface {
	List() []sources.Entry
	Add(ctx context.Context, kind filtering.Kind, url string) (sources.Entry, error)
	Remove(ctx context.Context, kind filtering.Kind, url string) (sources.Entry, error)
	SetEnabled(ctx context.Context, kind filtering.Kind, url string, enabled bool) (sources.Entry, error)
	Reset(ctx context.Context) ([]sources.Entry, error)
}

type blocklistsResponse struct {
	Blocklists    []sources.Entry `json:"blocklists"`
	Whitelists    []sources.Entry `json:"whitelists"`
	ManualBlocked []string        `json:"manual_blocked"`
	ManualAllowed []string        `json:"manual_allowed"`
	Counts        struct {
		ExternalBlocklists int `json:"external_blocklists"`
		ExternalWhitelists int `json:"external_whitelists"`
		ManualBlocked      int `json:"manual_blocked"`
		ManualAllowed      int `json:"manual_allowed"`
	} `json:"counts"`
}

func splitByKind(entries []sources.Entry) (block, allow []sources.Entry) {
	block = make([]sources.Entry, 0, len(entries))
	allow = make([]sources.Entry, 0)
	for _, entry := range entries {
		if entry.Kind == filtering.KindAllow {
			allow = append(allow, entry)
			continue
		}
		block = append(block, entry)
	}
	return block, allow
}

func (h *handlers) listBlocklists(w http.ResponseWriter, r *http.Request) {
	state := h.pub.Current()
	var resp blocklistsResponse
	resp.Blocklists, resp.Whitelists = splitByKind(h.sources.List())
	resp.ManualBlocked = nonNil(state.Domains.Manual(registry.Blocked))
	resp.ManualAllowed = nonNil(state.Domains.Manual(registry.Allowed))
	resp.Counts.ExternalBlocklists = len(resp.Blocklists)
	resp.Counts.ExternalWhitelists = len(resp.Whitelists)
	resp.Counts.ManualBlocked = len(resp.ManualBlocked)
	resp.Counts.ManualAllowed = len(resp.ManualAllowed)
	writeJSON(w, http.StatusOK, resp)
}

func sourceRequest(r *http.Request) (string, filtering.Kind, error) {
	body, err := readJSON(r)
	if err != nil {
		return "", "", err
	}
	location := strings.TrimSpace(body.Get("url").String())
	rawKind := strings.ToLower(strings.TrimSpace(body.Get("list_type").String()))
	if location == "" || rawKind == "" {
		return "", "", badRequest("missing 'url' or 'list_type' parameter")
	}
	kind, ok := filtering.ParseKind(rawKind)
	if !ok {
		return "", "", badRequest("list_type must be 'blocklist' or 'whitelist'")
	}
	return location, kind, nil
}

func kindLabel(kind filtering.Kind) string {
	if kind == filtering.KindAllow {
		return "whitelist"
	}
	return "blocklist"
}

func (h *handlers) addBlocklist(w http.ResponseWriter, r *http.Request) {
	location, kind, err := sourceRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.sources.Add(r.Context(), kind, location)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"url":            entry.URL,
		"list_type":      kindLabel(kind),
		"name":           entry.Name,
		"entry":          entry,
		"update_started": h.refreshLists(r),
		"message":        fmt.Sprintf("Added %s URL successfully", kindLabel(kind)),
	})
}

func (h *handlers) removeBlocklist(w http.ResponseWriter, r *http.Request) {
	location, kind, err := sourceRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.sources.Remove(r.Context(), kind, location)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"url":            entry.URL,
		"list_type":      kindLabel(kind),
		"update_started": h.refreshLists(r),
		"message":        fmt.Sprintf("Removed %s URL successfully", kindLabel(kind)),
	})
}

func (h *handlers) toggleBlocklist(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	enabled := body.Get("enabled")
	if !enabled.IsBool() {
		h.writeError(w, r, badRequest("'enabled' must be a boolean"))
		return
	}
	location := strings.TrimSpace(body.Get("url").String())
	kind, ok := filtering.ParseKind(strings.ToLower(strings.TrimSpace(body.Get("list_type").String())))
	if location == "" || !ok {
		h.writeError(w, r, badRequest("missing 'url' or invalid 'list_type' parameter"))
		return
	}
	entry, err := h.sources.SetEnabled(r.Context(), kind, location, enabled.Bool())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"entry":          entry,
		"update_started": h.refreshLists(r),
	})
}

func (h *handlers) resetBlocklists(w http.ResponseWriter, r *http.Request) {
	entries, err := h.sources.Reset(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	block, allow := splitByKind(entries)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"message":         "Reset to default blocklists",
		"blocklist_count": len(block),
		"whitelist_count": len(allow),
		"update_started":  h.refreshLists(r),
	})
}

// refreshLists starts an external refresh after the selection changed and
// reports whether one was started.
func (h *handlers) refreshLists(r *http.Request) bool {
	if h.updates == nil {
		return false
	}
	err := h.updates.Trigger(r.Context())
	switch {
	case err == nil:
		return true
	case errors.Is(err, updater.ErrInProgress):
		h.log.Info("list selection changed while an update runs, it applies on the next run")
	default:
		h.log.Warn("failed to start external lists update", "error", err)
	}
	return false
}
