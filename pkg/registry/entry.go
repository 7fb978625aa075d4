// Package registry maintains the blocked and allowed domain lists, each
// made of externally supplied entries and manually entered entries.
package registry

import (
	"fmt"
	"strings"
	"time"
)

// List names one of the two domain lists.
type List string

const (
	Blocked List = "blocked"
	Allowed List = "allowed"
)

// Lists enumerates both lists in presentation order.
var Lists = []List{Blocked, Allowed}

// ParseList accepts the list names used by the dashboard.
func ParseList(raw string) (List, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "blocked", "block", "blocklist":
		return Blocked, nil
	case "allowed", "allow", "whitelist", "allowlist":
		return Allowed, nil
	}
	return "", fmt.Errorf("unknown list %q: must be 'blocked' or 'allowed'", raw)
}

// Provenance records where an entry came from.
type Provenance string

const (
	Manual   Provenance = "manual"
	External Provenance = "external"
)

// DomainEntry is one domain of a list.
type DomainEntry struct {
	Domain    string     `json:"domain"`
	List      List       `json:"list"`
	Source    Provenance `json:"source"`
	Removable bool       `json:"removable"`
	Since     time.Time  `json:"since"`
}

func newEntry(domain string, list List, source Provenance, since time.Time) DomainEntry {
	return DomainEntry{
		Domain:    domain,
		List:      list,
		Source:    source,
		Removable: source == Manual,
		Since:     since,
	}
}

// ManualLists is the user-owned subset of both lists.
type ManualLists struct {
	Blocked []string
	Allowed []string
}

// Merge lays out the effective list: external entries first in source
// order, then manual entries in insertion order. A domain present in both
// provenances appears twice.
func Merge(external, manual []string, list List) []DomainEntry {
	out := make([]DomainEntry, 0, len(external)+len(manual))
	for _, domain := range external {
		out = append(out, newEntry(domain, list, External, time.Time{}))
	}
	for _, domain := range manual {
		out = append(out, newEntry(domain, list, Manual, time.Time{}))
	}
	return out
}
