package registry

import "time"

type listState struct {
	external    []DomainEntry
	externalIdx map[string]int
	manual      []DomainEntry
	manualIdx   map[string]int
	refreshedAt time.Time
}

func emptyList() *listState {
	return &listState{externalIdx: map[string]int{}, manualIdx: map[string]int{}}
}

func indexOf(entries []DomainEntry) map[string]int {
	idx := make(map[string]int, len(entries))
	for i, entry := range entries {
		idx[entry.Domain] = i
	}
	return idx
}

func (l *listState) withManual(manual []DomainEntry) *listState {
	next := *l
	next.manual = manual
	next.manualIdx = indexOf(manual)
	return &next
}

func (l *listState) withExternal(external []DomainEntry, idx map[string]int, at time.Time) *listState {
	next := *l
	next.external = external
	next.externalIdx = idx
	next.refreshedAt = at
	return &next
}

func (l *listState) contains(domain string) bool {
	if _, ok := l.manualIdx[domain]; ok {
		return true
	}
	_, ok := l.externalIdx[domain]
	return ok
}

// state is never mutated after publication; writers build a new one.
type state struct {
	lists map[List]*listState
}

func (s *state) with(list List, l *listState) *state {
	next := &state{lists: make(map[List]*listState, len(s.lists))}
	for k, v := range s.lists {
		next.lists[k] = v
	}
	next.lists[list] = l
	return next
}

func (s *state) manualLists() ManualLists {
	return ManualLists{
		Blocked: domainsOf(s.lists[Blocked].manual),
		Allowed: domainsOf(s.lists[Allowed].manual),
	}
}

func domainsOf(entries []DomainEntry) []string {
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.Domain
	}
	return out
}

// Counts summarises both lists.
type Counts struct {
	TotalBlocked    int `json:"total_blocked"`
	ManualBlocked   int `json:"manual_blocked"`
	ExternalBlocked int `json:"external_blocked"`
	TotalAllowed    int `json:"total_allowed"`
	ManualAllowed   int `json:"manual_allowed"`
	ExternalAllowed int `json:"external_allowed"`
}

// View is an immutable read view of the registry.
type View struct {
	s *state
}

// Entries returns the merged list.
func (v *View) Entries(list List) []DomainEntry {
	entries, _ := v.Limited(list, 0)
	return entries
}

// Limited returns the merged list with at most maxExternal external
// entries; manual entries are always included. maxExternal <= 0 means
// no limit.
func (v *View) Limited(list List, maxExternal int) ([]DomainEntry, bool) {
	l := v.s.lists[list]
	external := l.external
	limited := false
	if maxExternal > 0 && len(external) > maxExternal {
		external = external[:maxExternal]
		limited = true
	}
	out := make([]DomainEntry, 0, len(external)+len(l.manual))
	out = append(out, external...)
	out = append(out, l.manual...)
	return out, limited
}

// Manual returns the manual domains of list in insertion order.
func (v *View) Manual(list List) []string {
	return domainsOf(v.s.lists[list].manual)
}

// External returns the external domains of list in source order.
func (v *View) External(list List) []string {
	return domainsOf(v.s.lists[list].external)
}

// Effective returns every domain of list, external first.
func (v *View) Effective(list List) []string {
	l := v.s.lists[list]
	out := make([]string, 0, len(l.external)+len(l.manual))
	out = append(out, domainsOf(l.external)...)
	return append(out, domainsOf(l.manual)...)
}

// ManualLists returns the manual subsets of both lists.
func (v *View) ManualLists() ManualLists {
	return v.s.manualLists()
}

// Lookup returns the entries for domain in list, external first.
func (v *View) Lookup(list List, domain string) []DomainEntry {
	l := v.s.lists[list]
	out := make([]DomainEntry, 0, 2)
	if i, ok := l.externalIdx[domain]; ok {
		out = append(out, l.external[i])
	}
	if i, ok := l.manualIdx[domain]; ok {
		out = append(out, l.manual[i])
	}
	return out
}

// RefreshedAt returns the time of the last external refresh of list.
func (v *View) RefreshedAt(list List) time.Time {
	return v.s.lists[list].refreshedAt
}

// Counts returns per-list counts.
func (v *View) Counts() Counts {
	blocked := v.s.lists[Blocked]
	allowed := v.s.lists[Allowed]
	return Counts{
		TotalBlocked:    len(blocked.external) + len(blocked.manual),
		ManualBlocked:   len(blocked.manual),
		ExternalBlocked: len(blocked.external),
		TotalAllowed:    len(allowed.external) + len(allowed.manual),
		ManualAllowed:   len(allowed.manual),
		ExternalAllowed: len(allowed.external),
	}
}
