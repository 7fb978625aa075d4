package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"calmweb/pkg/errs"
	"calmweb/pkg/filtering"
)

// PersistFunc writes the manual subsets of both lists to durable storage.
type PersistFunc func(ctx context.Context, manual ManualLists) error

// Options configures a Registry.
type Options struct {
	Persist PersistFunc
	Log     *slog.Logger
	Now     func() time.Time
}

// Registry holds both domain lists. Writers are serialized by mu and
// publish a new state; readers load the current state without locking.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[state]
	persist PersistFunc
	log     *slog.Logger
	now     func() time.Time
}

// AddResult reports the outcome of Add.
type AddResult struct {
	Entry DomainEntry
	Added bool
}

// RemoveResult reports the outcome of Remove. Removed is false when the
// domain was not present.
type RemoveResult struct {
	Domain  string
	Removed bool
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	persist := opts.Persist
	if persist == nil {
		persist = func(context.Context, ManualLists) error { return nil }
	}
	r := &Registry{persist: persist, log: log, now: now}
	r.current.Store(&state{lists: map[List]*listState{Blocked: emptyList(), Allowed: emptyList()}})
	return r
}

// View returns the current read view.
func (r *Registry) View() *View {
	return &View{s: r.current.Load()}
}

// Load seeds the manual lists without persisting them. Invalid entries are
// skipped and returned.
func (r *Registry) Load(manual ManualLists) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	blocked, rejectedBlocked := r.manualEntries(manual.Blocked, Blocked)
	allowed, rejectedAllowed := r.manualEntries(manual.Allowed, Allowed)
	cur := r.current.Load()
	next := cur.with(Blocked, cur.lists[Blocked].withManual(blocked))
	next = next.with(Allowed, next.lists[Allowed].withManual(allowed))
	r.current.Store(next)
	return append(rejectedBlocked, rejectedAllowed...)
}

// Add inserts domain as a manual entry of list. A domain already present
// in list, from either provenance, is left as is.
func (r *Registry) Add(ctx context.Context, list List, raw string) (AddResult, error) {
	if err := checkList(list); err != nil {
		return AddResult{}, err
	}
	domain, err := filtering.NormalizeDomain(raw)
	if err != nil {
		return AddResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	l := cur.lists[list]
	if l.contains(domain) {
		return AddResult{Entry: (&View{s: cur}).Lookup(list, domain)[0]}, nil
	}

	entry := newEntry(domain, list, Manual, r.now())
	manual := make([]DomainEntry, len(l.manual), len(l.manual)+1)
	copy(manual, l.manual)
	manual = append(manual, entry)

	if err := r.commit(ctx, cur.with(list, l.withManual(manual))); err != nil {
		return AddResult{}, err
	}
	r.log.Info("domain added", "domain", domain, "list", list)
	return AddResult{Entry: entry, Added: true}, nil
}

// Remove deletes the manual entry for domain from list. Removing an entry
// that exists only as external fails with errs.ErrNotRemovable.
func (r *Registry) Remove(ctx context.Context, list List, raw string) (RemoveResult, error) {
	if err := checkList(list); err != nil {
		return RemoveResult{}, err
	}
	domain := filtering.CanonicalDomain(raw)
	if domain == "" {
		return RemoveResult{}, errs.InvalidDomain(raw, "empty domain")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	l := cur.lists[list]
	i, ok := l.manualIdx[domain]
	if !ok {
		if _, external := l.externalIdx[domain]; external {
			return RemoveResult{Domain: domain}, fmt.Errorf("%w: %s is supplied by an external list", errs.ErrNotRemovable, domain)
		}
		return RemoveResult{Domain: domain}, nil
	}

	manual := make([]DomainEntry, 0, len(l.manual)-1)
	manual = append(manual, l.manual[:i]...)
	manual = append(manual, l.manual[i+1:]...)
	if err := r.commit(ctx, cur.with(list, l.withManual(manual))); err != nil {
		return RemoveResult{Domain: domain}, err
	}
	r.log.Info("domain removed", "domain", domain, "list", list)
	return RemoveResult{Domain: domain, Removed: true}, nil
}

// Clear removes every manual entry of the given lists and returns how many
// were removed.
func (r *Registry) Clear(ctx context.Context, lists ...List) (int, error) {
	for _, list := range lists {
		if err := checkList(list); err != nil {
			return 0, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := cur
	cleared := 0
	for _, list := range lists {
		l := next.lists[list]
		cleared += len(l.manual)
		next = next.with(list, l.withManual(nil))
	}
	if cleared == 0 {
		return 0, nil
	}
	if err := r.commit(ctx, next); err != nil {
		return 0, err
	}
	r.log.Info("manual domains cleared", "lists", lists, "count", cleared)
	return cleared, nil
}

// ReplaceManual swaps the manual subsets of both lists. Every domain must
// be valid; otherwise nothing changes.
func (r *Registry) ReplaceManual(ctx context.Context, manual ManualLists) error {
	blocked, rejected := r.manualEntries(manual.Blocked, Blocked)
	if len(rejected) > 0 {
		return errs.InvalidDomain(rejected[0], "rejected in blocked list")
	}
	allowed, rejected := r.manualEntries(manual.Allowed, Allowed)
	if len(rejected) > 0 {
		return errs.InvalidDomain(rejected[0], "rejected in allowed list")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	blocked = keepSince(blocked, cur.lists[Blocked])
	allowed = keepSince(allowed, cur.lists[Allowed])
	next := cur.with(Blocked, cur.lists[Blocked].withManual(blocked))
	next = next.with(Allowed, next.lists[Allowed].withManual(allowed))
	if err := r.commit(ctx, next); err != nil {
		return err
	}
	r.log.Info("manual domains replaced", "blocked", len(blocked), "allowed", len(allowed))
	return nil
}

// ExternalUpdate is a prepared replacement of one list's external subset.
type ExternalUpdate struct {
	list    List
	entries []DomainEntry
	idx     map[string]int
	at      time.Time
}

// Len returns the number of distinct domains in u.
func (u *ExternalUpdate) Len() int {
	return len(u.entries)
}

// RefreshExternal replaces the external subset of list. Entries that were
// already present keep their Since timestamp; manual entries are untouched.
func (r *Registry) RefreshExternal(list List, domains []string) (int, error) {
	u, err := r.PrepareExternal(list, domains)
	if err != nil {
		return 0, err
	}
	return r.CommitExternal(u), nil
}

// PrepareExternal builds the new external subset of list without taking
// the writer lock. The result is installed by CommitExternal.
func (r *Registry) PrepareExternal(list List, domains []string) (*ExternalUpdate, error) {
	if err := checkList(list); err != nil {
		return nil, err
	}
	at := r.now()
	prev := r.current.Load().lists[list]

	external := make([]DomainEntry, 0, len(domains))
	idx := make(map[string]int, len(domains))
	for _, domain := range domains {
		if domain == "" {
			continue
		}
		if _, dup := idx[domain]; dup {
			continue
		}
		since := at
		if i, ok := prev.externalIdx[domain]; ok {
			since = prev.external[i].Since
		}
		idx[domain] = len(external)
		external = append(external, newEntry(domain, list, External, since))
	}
	return &ExternalUpdate{list: list, entries: external, idx: idx, at: at}, nil
}

// CommitExternal installs a prepared external subset and returns its size.
func (r *Registry) CommitExternal(u *ExternalUpdate) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current.Load()
	r.current.Store(cur.with(u.list, cur.lists[u.list].withExternal(u.entries, u.idx, u.at)))
	r.log.Info("external domains refreshed", "list", u.list, "count", len(u.entries))
	return len(u.entries)
}

// commit persists the manual subsets of next and publishes it. The caller
// holds mu.
func (r *Registry) commit(ctx context.Context, next *state) error {
	if err := r.persist(ctx, next.manualLists()); err != nil {
		r.log.Error("failed to persist manual domains", "error", err)
		if errors.Is(err, errs.ErrPersist) {
			return err
		}
		return errs.Persist("save manual domains", err)
	}
	r.current.Store(next)
	return nil
}

func (r *Registry) manualEntries(raw []string, list List) ([]DomainEntry, []string) {
	now := r.now()
	entries := make([]DomainEntry, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	var rejected []string
	for _, item := range raw {
		domain, err := filtering.NormalizeDomain(item)
		if err != nil {
			rejected = append(rejected, item)
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		entries = append(entries, newEntry(domain, list, Manual, now))
	}
	return entries, rejected
}

func keepSince(entries []DomainEntry, prev *listState) []DomainEntry {
	for i, entry := range entries {
		if j, ok := prev.manualIdx[entry.Domain]; ok {
			entries[i].Since = prev.manual[j].Since
		}
	}
	return entries
}

func checkList(list List) error {
	if list != Blocked && list != Allowed {
		return fmt.Errorf("unknown list %q", list)
	}
	return nil
}
