package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"calmweb/pkg/configdoc"
	"calmweb/pkg/metrics"
	"calmweb/pkg/registry"
	"calmweb/pkg/settings"
	"calmweb/pkg/stats"
)

const defaultStatsTTL = time.Second

// StatsSource produces statistics reports.
type StatsSource interface {
	Report() stats.Report
}

// Options configures a Publisher.
type Options struct {
	Document          *configdoc.Store
	Settings          *settings.Store
	Stats             StatsSource
	Metrics           *metrics.Metrics
	Log               *slog.Logger
	IncludeSubdomains bool
	StatsTTL          time.Duration
	Now               func() time.Time
}

type cachedReport struct {
	report stats.Report
	at     time.Time
}

// Publisher is the single writer for domains, settings and the protection
// flag. Each successful mutation publishes a new State; readers load the
// current State without taking the writer lock.
type Publisher struct {
	mu       sync.Mutex
	current  atomic.Pointer[State]
	version  uint64
	instance string

	doc      *configdoc.Store
	settings *settings.Store
	domains  *registry.Registry
	stats    StatsSource
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	includeSubdomains bool
	statsTTL          time.Duration
	statsGroup        singleflight.Group
	statsCache        atomic.Pointer[cachedReport]
}

// New creates a Publisher and publishes the initial, empty state.
func New(opts Options) *Publisher {
	p := &Publisher{
		instance:          uuid.NewString(),
		doc:               opts.Document,
		settings:          opts.Settings,
		stats:             opts.Stats,
		metrics:           opts.Metrics,
		log:               opts.Log,
		now:               opts.Now,
		includeSubdomains: opts.IncludeSubdomains,
		statsTTL:          opts.StatsTTL,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.statsTTL <= 0 {
		p.statsTTL = defaultStatsTTL
	}
	p.domains = registry.New(registry.Options{
		Persist: p.persistManual,
		Log:     p.log,
		Now:     p.now,
	})

	p.mu.Lock()
	p.publish()
	p.mu.Unlock()
	return p
}

// Current returns the latest published State.
func (p *Publisher) Current() *State {
	return p.current.Load()
}

// Snapshot returns the latest State with a statistics report attached.
// Concurrent callers share one report computation.
func (p *Publisher) Snapshot(ctx context.Context) (Snapshot, error) {
	state := p.current.Load()
	report, err := p.report(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{State: state, Stats: report}, nil
}

func (p *Publisher) report(ctx context.Context) (stats.Report, error) {
	if p.stats == nil {
		return stats.Report{}, nil
	}
	if cached := p.statsCache.Load(); cached != nil && p.now().Sub(cached.at) < p.statsTTL {
		return cached.report, nil
	}
	ch := p.statsGroup.DoChan("report", func() (any, error) {
		report := p.stats.Report()
		p.statsCache.Store(&cachedReport{report: report, at: p.now()})
		return report, nil
	})
	select {
	case res := <-ch:
		return res.Val.(stats.Report), nil
	case <-ctx.Done():
		return stats.Report{}, ctx.Err()
	}
}

// Document returns the config document projection of the current State.
func (p *Publisher) Document() []byte {
	state := p.current.Load()
	return configdoc.Serialize(
		state.Domains.Manual(registry.Blocked),
		state.Domains.Manual(registry.Allowed),
		state.Settings,
	)
}

// Bootstrap seeds the state from the config document and the settings
// store. A stored settings record wins over the document's [OPTIONS]; the
// document only seeds the store when no record exists yet. The document is
// then rewritten as a projection of the result.
func (p *Publisher) Bootstrap(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.publish()

	doc, exists, err := p.doc.Load()
	if err != nil {
		p.log.Error("config document unreadable, keeping it untouched", "path", p.doc.Path(), "error", err)
		return nil
	}
	for _, rejected := range doc.Rejected {
		p.log.Warn("skipping invalid domain in config document", "domain", rejected)
	}
	p.domains.Load(registry.ManualLists{Blocked: doc.Blocked, Allowed: doc.Allowed})

	switch {
	case doc.HasOptions() && !p.settings.Persisted():
		if _, err := p.settings.Update(ctx, doc.Options); err != nil {
			return fmt.Errorf("seed settings from config document: %w", err)
		}
		p.log.Info("settings seeded from config document")
	case doc.HasOptions() && doc.Settings != p.settings.Get():
		p.log.Info("stored settings override config document options")
	}

	if err := p.writeDocument(ctx); err != nil {
		return err
	}
	p.log.Info("state loaded", "document", p.doc.Path(), "document_existed", exists,
		"manual_blocked", len(doc.Blocked), "manual_allowed", len(doc.Allowed))
	return nil
}

// AddDomain adds a manual entry.
func (p *Publisher) AddDomain(ctx context.Context, list registry.List, domain string) (registry.AddResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.domains.Add(ctx, list, domain)
	p.metrics.Mutation("add_domain", err)
	if err == nil && res.Added {
		p.publish()
	}
	return res, err
}

// RemoveDomain removes a manual entry. Removing an absent domain is a no-op.
func (p *Publisher) RemoveDomain(ctx context.Context, list registry.List, domain string) (registry.RemoveResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.domains.Remove(ctx, list, domain)
	p.metrics.Mutation("remove_domain", err)
	if err == nil && res.Removed {
		p.publish()
	}
	return res, err
}

// ClearDomains removes every manual entry of lists.
func (p *Publisher) ClearDomains(ctx context.Context, lists ...registry.List) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.domains.Clear(ctx, lists...)
	p.metrics.Mutation("clear_domains", err)
	if err == nil && n > 0 {
		p.publish()
	}
	return n, err
}

// RefreshExternal replaces the external subset of list. The caller fetches
// domains beforehand and the new entry set is built before the writer lock
// is taken; only the swap and the publication run under it.
func (p *Publisher) RefreshExternal(list registry.List, domains []string) (int, error) {
	update, err := p.domains.PrepareExternal(list, domains)
	if err != nil {
		p.metrics.Mutation("refresh_external", err)
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.domains.CommitExternal(update)
	p.metrics.Mutation("refresh_external", nil)
	p.publish()
	return n, nil
}

// UpdateSettings applies a partial settings update and refreshes the
// document projection.
func (p *Publisher) UpdateSettings(ctx context.Context, partial map[string]bool) (settings.Settings, error) {
	next, _, err := p.ApplySettings(ctx, partial, nil)
	return next, err
}

// ApplySettings stores a partial options update and, when protection is
// non-nil, the protection flag as one write and publishes one State. A
// failed projection write is logged; the settings store stays
// authoritative.
func (p *Publisher) ApplySettings(ctx context.Context, partial map[string]bool, protection *bool) (settings.Settings, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, enabled, err := p.settings.Apply(ctx, partial, protection)
	p.metrics.Mutation("update_settings", err)
	if err != nil {
		return next, enabled, err
	}
	if len(partial) > 0 {
		if err := p.writeDocument(ctx); err != nil {
			p.log.Warn("config document projection not updated", "error", err)
		}
	}
	p.publish()
	return next, enabled, nil
}

// SetProtection sets the protection flag.
func (p *Publisher) SetProtection(ctx context.Context, enabled bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	got, err := p.settings.SetProtection(ctx, enabled)
	p.metrics.Mutation("set_protection", err)
	if err == nil {
		p.publish()
	}
	return got, err
}

// ToggleProtection flips the protection flag.
func (p *Publisher) ToggleProtection(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	got, err := p.settings.ToggleProtection(ctx)
	p.metrics.Mutation("toggle_protection", err)
	if err == nil {
		p.publish()
	}
	return got, err
}

// ApplyText parses data as a config document and applies it.
func (p *Publisher) ApplyText(ctx context.Context, data []byte) (configdoc.Document, error) {
	doc, err := configdoc.Parse(data)
	if err != nil {
		return doc, err
	}
	return doc, p.ApplyDocument(ctx, doc)
}

// ApplyDocument stores the document's options and manual lists as one
// logical write. Options present in the document go through the settings
// store first; if the domain write then fails the previous settings are
// restored. Readers observe either the old or the new state as a whole.
func (p *Publisher) ApplyDocument(ctx context.Context, doc configdoc.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.applyDocument(ctx, doc)
	p.metrics.Mutation("apply_document", err)
	if err != nil {
		return err
	}
	p.publish()
	return nil
}

func (p *Publisher) applyDocument(ctx context.Context, doc configdoc.Document) error {
	prev := p.settings.Get()
	changed := false
	if doc.HasOptions() {
		next, err := p.settings.Update(ctx, doc.Options)
		if err != nil {
			return err
		}
		changed = next != prev
	}

	err := p.domains.ReplaceManual(ctx, registry.ManualLists{Blocked: doc.Blocked, Allowed: doc.Allowed})
	if err == nil {
		return nil
	}
	if changed {
		if restoreErr := p.settings.Replace(ctx, prev); restoreErr != nil {
			p.log.Error("failed to restore settings after document write failure", "error", restoreErr)
			return errors.Join(err, restoreErr)
		}
	}
	return err
}

// Reload reads the config document from disk and applies it.
func (p *Publisher) Reload(ctx context.Context) error {
	doc, _, err := p.doc.Load()
	if err != nil {
		return err
	}
	return p.ApplyDocument(ctx, doc)
}

// Watch applies external edits of the config document until ctx ends.
func (p *Publisher) Watch(ctx context.Context) error {
	return p.doc.Watch(ctx, func(doc configdoc.Document) {
		if err := p.ApplyDocument(ctx, doc); err != nil {
			p.log.Error("failed to apply edited config document", "error", err)
			return
		}
		p.log.Info("config document change applied", "path", p.doc.Path())
	})
}

// persistManual writes the document projection for a pending registry
// state. It runs under p.mu, inside the registry's commit.
func (p *Publisher) persistManual(ctx context.Context, manual registry.ManualLists) error {
	return p.doc.Save(ctx, configdoc.Serialize(manual.Blocked, manual.Allowed, p.settings.Get()))
}

func (p *Publisher) writeDocument(ctx context.Context) error {
	view := p.domains.View()
	return p.doc.Save(ctx, configdoc.Serialize(view.Manual(registry.Blocked), view.Manual(registry.Allowed), p.settings.Get()))
}

// publish swaps in a new State. Must be called with mu held.
func (p *Publisher) publish() {
	p.version++
	state := &State{
		Version:           p.version,
		InstanceID:        p.instance,
		PublishedAt:       p.now(),
		Domains:           p.domains.View(),
		includeSubdomains: p.includeSubdomains,
	}
	if p.settings != nil {
		state.Settings = p.settings.Get()
		state.ProtectionEnabled = p.settings.Protection()
	}
	p.current.Store(state)

	counts := state.Domains.Counts()
	p.metrics.SnapshotPublished(state.Version)
	p.metrics.ListSize(string(registry.Blocked), string(registry.Manual), counts.ManualBlocked)
	p.metrics.ListSize(string(registry.Blocked), string(registry.External), counts.ExternalBlocked)
	p.metrics.ListSize(string(registry.Allowed), string(registry.Manual), counts.ManualAllowed)
	p.metrics.ListSize(string(registry.Allowed), string(registry.External), counts.ExternalAllowed)
}
