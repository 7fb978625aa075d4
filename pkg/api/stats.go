package api

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"calmweb/pkg/registry"
	"calmweb/pkg/settings"
	"calmweb/pkg/stats"
)

type statsResponse struct {
	stats.Report
	ProtectionEnabled bool   `json:"protection_enabled"`
	Version           uint64 `json:"version"`
}

func (h *handlers) getStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.pub.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Report:            snap.Stats,
		ProtectionEnabled: snap.ProtectionEnabled,
		Version:           snap.Version,
	})
}

func (h *handlers) getLogs(w http.ResponseWriter, r *http.Request) {
	var lines []string
	if h.logs != nil {
		lines = h.logs.Lines()
	}
	writeJSON(w, http.StatusOK, nonNil(lines))
}

func (h *handlers) getSnapshot(w http.ResponseWriter, r *http.Request) {
	state := h.pub.Current()
	writeJSON(w, http.StatusOK, struct {
		Version           uint64            `json:"version"`
		InstanceID        string            `json:"instance_id"`
		PublishedAt       time.Time         `json:"published_at"`
		ProtectionEnabled bool              `json:"protection_enabled"`
		Settings          settings.Settings `json:"settings"`
		Counts            registry.Counts   `json:"counts"`
	}{
		Version:           state.Version,
		InstanceID:        state.InstanceID,
		PublishedAt:       state.PublishedAt,
		ProtectionEnabled: state.ProtectionEnabled,
		Settings:          state.Settings,
		Counts:            state.Domains.Counts(),
	})
}

// recordEvents accepts one usage event object or an array of them.
func (h *handlers) recordEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeError(w, r, badRequest("usage events are not recorded"))
		return
	}
	body, err := readJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var items []gjson.Result
	switch {
	case body.IsArray():
		items = body.Array()
	case body.IsObject():
		items = []gjson.Result{body}
	default:
		h.writeError(w, r, badRequest("expected an event object or an array of events"))
		return
	}

	events := make([]stats.Event, 0, len(items))
	for i, item := range items {
		event, err := parseEvent(item)
		if err != nil {
			h.writeError(w, r, badRequest("event %d: %v", i, err))
			return
		}
		events = append(events, event)
	}
	if err := h.events.Record(r.Context(), events...); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"recorded": len(events),
	})
}

func parseEvent(item gjson.Result) (stats.Event, error) {
	if !item.IsObject() {
		return stats.Event{}, badRequest("not an object")
	}
	event := stats.Event{
		Outcome:       stats.Outcome(item.Get("outcome").String()),
		Domain:        item.Get("domain").String(),
		SourceAddress: item.Get("source_address").String(),
	}
	switch ts := item.Get("timestamp"); ts.Type {
	case gjson.Null:
	case gjson.Number:
		event.Timestamp = time.Unix(ts.Int(), 0)
	case gjson.String:
		t, err := time.Parse(time.RFC3339, ts.String())
		if err != nil {
			return stats.Event{}, badRequest("timestamp: %v", err)
		}
		event.Timestamp = t
	default:
		return stats.Event{}, badRequest("timestamp must be RFC 3339 or unix seconds")
	}
	return event, nil
}
