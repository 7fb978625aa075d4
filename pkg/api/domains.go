package api

import (
	"fmt"
	"net/http"
	"strings"

	"calmweb/pkg/registry"
)

type domainsResponse struct {
	Blocked        []registry.DomainEntry `json:"blocked"`
	Allowed        []registry.DomainEntry `json:"allowed"`
	ManualBlocked  []string               `json:"manual_blocked"`
	ManualAllowed  []string               `json:"manual_allowed"`
	Counts         registry.Counts        `json:"counts"`
	DisplayLimited bool                   `json:"display_limited"`
	Version        uint64                 `json:"version"`
}

func (h *handlers) listDomains(w http.ResponseWriter, r *http.Request) {
	state := h.pub.Current()
	blocked, blockedLimited := state.Domains.Limited(registry.Blocked, h.maxExternalBlocked)
	allowed, allowedLimited := state.Domains.Limited(registry.Allowed, h.maxExternalAllowed)
	writeJSON(w, http.StatusOK, domainsResponse{
		Blocked:        nonNil(blocked),
		Allowed:        nonNil(allowed),
		ManualBlocked:  nonNil(state.Domains.Manual(registry.Blocked)),
		ManualAllowed:  nonNil(state.Domains.Manual(registry.Allowed)),
		Counts:         state.Domains.Counts(),
		DisplayLimited: blockedLimited || allowedLimited,
		Version:        state.Version,
	})
}

func domainRequest(r *http.Request) (string, registry.List, error) {
	body, err := readJSON(r)
	if err != nil {
		return "", "", err
	}
	domain := strings.TrimSpace(body.Get("domain").String())
	rawList := body.Get("list_type").String()
	if domain == "" || rawList == "" {
		return "", "", badRequest("missing 'domain' or 'list_type' parameter")
	}
	list, err := registry.ParseList(rawList)
	if err != nil {
		return "", "", badRequest("%v", err)
	}
	return domain, list, nil
}

func (h *handlers) addDomain(w http.ResponseWriter, r *http.Request) {
	domain, list, err := domainRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.pub.AddDomain(r.Context(), list, domain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	message := fmt.Sprintf("Domain '%s' added to %s list", res.Entry.Domain, list)
	if !res.Added {
		message = fmt.Sprintf("Domain '%s' is already in %s list", res.Entry.Domain, list)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"domain":    res.Entry.Domain,
		"list_type": list,
		"added":     res.Added,
		"entry":     res.Entry,
		"message":   message,
	})
}

func (h *handlers) removeDomain(w http.ResponseWriter, r *http.Request) {
	domain, list, err := domainRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.pub.RemoveDomain(r.Context(), list, domain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	message := fmt.Sprintf("Domain '%s' removed from %s list", res.Domain, list)
	if !res.Removed {
		message = fmt.Sprintf("Domain '%s' not found in %s list", res.Domain, list)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"domain":    res.Domain,
		"list_type": list,
		"removed":   res.Removed,
		"message":   message,
	})
}

func (h *handlers) clearDomains(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	raw := strings.ToLower(strings.TrimSpace(body.Get("list_type").String()))
	var lists []registry.List
	switch raw {
	case "":
		h.writeError(w, r, badRequest("missing 'list_type' parameter"))
		return
	case "both":
		lists = registry.Lists
	default:
		list, err := registry.ParseList(raw)
		if err != nil {
			h.writeError(w, r, badRequest("list_type must be 'blocked', 'allowed', or 'both'"))
			return
		}
		lists = []registry.List{list}
	}

	n, err := h.pub.ClearDomains(r.Context(), lists...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"list_type":     raw,
		"cleared_count": n,
		"message":       fmt.Sprintf("Cleared %d domains from %s list(s)", n, raw),
	})
}

func (h *handlers) check(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if domain == "" {
		h.writeError(w, r, badRequest("missing 'domain' parameter"))
		return
	}
	state := h.pub.Current()
	decision := state.Policy().Decide(domain)
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":  decision.Domain,
		"blocked": decision.Blocked,
		"reason":  decision.Reason,
		"version": state.Version,
	})
}
