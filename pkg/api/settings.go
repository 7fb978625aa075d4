package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"calmweb/pkg/settings"
)

// protectionKeys toggle the global switch instead of an option.
var protectionKeys = map[string]bool{"protection_enabled": true, "block_enabled": true}

func settingsBody(protection bool, s settings.Settings) map[string]any {
	body := map[string]any{
		"protection_enabled": protection,
		"block_enabled":      protection,
	}
	for key, value := range s.Map() {
		body[key] = value
	}
	return body
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	state := h.pub.Current()
	writeJSON(w, http.StatusOK, settingsBody(state.ProtectionEnabled, state.Settings))
}

func (h *handlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !body.IsObject() {
		h.writeError(w, r, badRequest("settings must be a JSON object"))
		return
	}

	partial := make(map[string]bool)
	var protection *bool
	var bad error
	body.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.True && value.Type != gjson.False {
			bad = badRequest("setting %q must be a boolean", key.String())
			return false
		}
		v := value.Bool()
		if protectionKeys[key.String()] {
			protection = &v
			return true
		}
		partial[key.String()] = v
		return true
	})
	if bad != nil {
		h.writeError(w, r, bad)
		return
	}
	if err := settings.CheckKeys(partial); err != nil {
		h.writeError(w, r, err)
		return
	}

	before := h.pub.Current()
	if protection != nil && *protection == before.ProtectionEnabled {
		protection = nil
	}
	changed := make([]string, 0, len(partial)+1)
	if len(partial) > 0 || protection != nil {
		next, _, err := h.pub.ApplySettings(r.Context(), partial, protection)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		for key := range partial {
			old, _ := before.Settings.Get(key)
			now, _ := next.Get(key)
			if old != now {
				changed = append(changed, key)
			}
		}
		if protection != nil {
			changed = append(changed, "protection_enabled")
		}
	}
	sort.Strings(changed)

	after := h.pub.Current()
	message := "No settings changed"
	if len(changed) > 0 {
		message = fmt.Sprintf("Updated %d setting(s)", len(changed))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"settings": settingsBody(after.ProtectionEnabled, after.Settings),
		"changed":  changed,
		"message":  message,
	})
}

func (h *handlers) toggleProtection(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var enabled bool
	switch v := body.Get("enabled"); v.Type {
	case gjson.True, gjson.False:
		enabled, err = h.pub.SetProtection(r.Context(), v.Bool())
	case gjson.Null:
		enabled, err = h.pub.ToggleProtection(r.Context())
	default:
		err = badRequest("'enabled' must be a boolean")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	message := "Protection disabled"
	if enabled {
		message = "Protection enabled"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"protection_enabled": enabled,
		"message":            message,
	})
}

func (h *handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.pub.Document())
}

// saveConfig replaces the manual lists and options with a full config
// document. The body is either the raw text or {"content": "..."}.
func (h *handlers) saveConfig(w http.ResponseWriter, r *http.Request) {
	data, err := readConfigBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc, err := h.pub.ApplyText(r.Context(), data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  fmt.Sprintf("Configuration saved: %d blocked, %d allowed", len(doc.Blocked), len(doc.Allowed)),
		"rejected": nonNil(doc.Rejected),
	})
}

func readConfigBody(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, err := readJSON(r)
		if err != nil {
			return nil, err
		}
		content := body.Get("content")
		if content.Type != gjson.String {
			return nil, badRequest("missing 'content' parameter")
		}
		return []byte(content.String()), nil
	}
	return readAll(r)
}
