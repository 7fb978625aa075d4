package api

import (
	"net/http"

	"calmweb/pkg/updater"
)

func (h *handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	if h.updates == nil {
		writeJSON(w, http.StatusOK, updater.Status{State: updater.StateIdle, LastUpdateHuman: "Never"})
		return
	}
	writeJSON(w, http.StatusOK, h.updates.Status())
}

func (h *handlers) triggerUpdate(w http.ResponseWriter, r *http.Request) {
	if h.updates == nil {
		h.writeError(w, r, badRequest("external lists are not configured"))
		return
	}
	if err := h.updates.Trigger(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "External lists update started",
	})
}
