package stats

import "slices"

// DomainCount is one row of the top blocked domains table.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

func ranksBefore(a, b DomainCount) bool {
	if a.Count != b.Count {
		return a.Count > b.Count
	}
	return a.Domain < b.Domain
}

// topN keeps every per-domain count and the best limit rows ordered by
// count descending, then domain ascending. Each increment touches at most
// limit rows.
type topN struct {
	limit  int
	counts map[string]int64
	top    []DomainCount
}

func newTopN(limit int) *topN {
	return &topN{limit: limit, counts: make(map[string]int64)}
}

func (t *topN) inc(domain string) {
	t.counts[domain]++
	row := DomainCount{Domain: domain, Count: t.counts[domain]}

	i := slices.IndexFunc(t.top, func(d DomainCount) bool { return d.Domain == domain })
	switch {
	case i >= 0:
		t.top[i] = row
	case len(t.top) < t.limit:
		t.top = append(t.top, row)
		i = len(t.top) - 1
	case ranksBefore(row, t.top[len(t.top)-1]):
		i = len(t.top) - 1
		t.top[i] = row
	default:
		return
	}
	for ; i > 0 && ranksBefore(t.top[i], t.top[i-1]); i-- {
		t.top[i], t.top[i-1] = t.top[i-1], t.top[i]
	}
}

func (t *topN) rows() []DomainCount {
	return slices.Clone(t.top)
}
