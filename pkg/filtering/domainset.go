package filtering

import "strings"

const wildcardPrefix = "*."

// DomainSet stores exact and wildcard domain matches and remembers the
// order in which entries were first added.
type DomainSet struct {
	Exact     map[string]struct{}
	Wildcards map[string]struct{}
	order     []string
}

// NewDomainSet creates an empty DomainSet.
func NewDomainSet() *DomainSet {
	return &DomainSet{
		Exact:     make(map[string]struct{}),
		Wildcards: make(map[string]struct{}),
	}
}

// SetFromEntries builds a DomainSet from already normalized entries.
// Entries prefixed with "*." become wildcards.
func SetFromEntries(entries []string) *DomainSet {
	set := NewDomainSet()
	for _, entry := range entries {
		set.AddEntry(entry)
	}
	return set
}

// AddEntry adds an exact domain or a "*."-prefixed wildcard.
func (s *DomainSet) AddEntry(entry string) {
	if suffix, ok := strings.CutPrefix(entry, wildcardPrefix); ok {
		s.AddWildcard(suffix)
		return
	}
	s.AddExact(entry)
}

// AddExact adds an exact domain to the set.
func (s *DomainSet) AddExact(domain string) {
	if domain == "" {
		return
	}
	if _, ok := s.Exact[domain]; ok {
		return
	}
	s.Exact[domain] = struct{}{}
	s.order = append(s.order, domain)
}

// AddWildcard adds a wildcard domain suffix to the set.
func (s *DomainSet) AddWildcard(domain string) {
	if domain == "" {
		return
	}
	if _, ok := s.Wildcards[domain]; ok {
		return
	}
	s.Wildcards[domain] = struct{}{}
	s.order = append(s.order, wildcardPrefix+domain)
}

// Merge appends the entries of other that are not yet present.
func (s *DomainSet) Merge(other *DomainSet) {
	if other == nil {
		return
	}
	for _, entry := range other.order {
		s.AddEntry(entry)
	}
}

// Len returns the number of entries.
func (s *DomainSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Domains returns the entries in first-seen order. Wildcards keep their "*." prefix.
func (s *DomainSet) Domains() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Matches checks if name matches the set based on subdomain rules.
func (s *DomainSet) Matches(name string, includeSubdomains bool) bool {
	if s == nil {
		return false
	}
	normalised := normalizeLookupName(name)
	if normalised == "" {
		return false
	}
	if _, ok := s.Exact[normalised]; ok {
		return true
	}
	labels := strings.Split(normalised, ".")
	if matchesSuffix(labels, s.Wildcards) {
		return true
	}
	if !includeSubdomains {
		return false
	}
	return matchesSuffix(labels, s.Exact)
}

func matchesSuffix(labels []string, names map[string]struct{}) bool {
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if _, ok := names[suffix]; ok {
			return true
		}
	}
	return false
}

func normalizeLookupName(name string) string {
	trimmed := strings.TrimSpace(name)
	trimmed = strings.TrimSuffix(trimmed, ".")
	if trimmed == "" {
		return ""
	}
	return strings.ToLower(trimmed)
}
