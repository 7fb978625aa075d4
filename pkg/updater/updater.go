// Package updater periodically refreshes the external domain lists and
// keeps the status of the last refresh.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"calmweb/pkg/filtering"
	"calmweb/pkg/metrics"
	"calmweb/pkg/registry"
)

const (
	defaultInterval = time.Hour

	keyStatus     = "update.status"
	keyLastUpdate = "update.last_update"
	keyError      = "update.error"
)

// ErrInProgress is returned when a refresh is requested while one runs.
var ErrInProgress = errors.New("update already in progress")

// Refresher receives freshly loaded external domains.
type Refresher interface {
	RefreshExternal(list registry.List, domains []string) (int, error)
}

// StatusStore persists the refresh status across restarts.
type StatusStore interface {
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string) error
}

// SourceList supplies the sources of each refresh.
type SourceList interface {
	Sources() []filtering.Source
}

// Options configures an Updater. When Selection is set it is read at the
// start of every refresh and Sources is ignored.
type Options struct {
	Sources   []filtering.Source
	Selection SourceList
	Load      filtering.LoadOptions
	Interval  time.Duration
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

var targets = []struct {
	kind filtering.Kind
	list registry.List
}{
	{filtering.KindBlock, registry.Blocked},
	{filtering.KindAllow, registry.Allowed},
}

// Updater runs the external refresh job. Downloads happen outside every
// lock; only the final swap goes through the Refresher.
type Updater struct {
	refresher Refresher
	store     StatusStore
	sources   []filtering.Source
	selection SourceList
	load      filtering.LoadOptions
	interval  time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup

	mu         sync.Mutex
	state      State
	lastUpdate time.Time
	lastError  string
	scheduler  *cron.Cron
	entry      cron.EntryID
}

// New creates an Updater and restores the persisted status. A refresh that
// was interrupted by a restart is reported as idle.
func New(ctx context.Context, refresher Refresher, store StatusStore, opts Options) (*Updater, error) {
	u := &Updater{
		refresher: refresher,
		store:     store,
		sources:   opts.Sources,
		selection: opts.Selection,
		load:      opts.Load,
		interval:  opts.Interval,
		log:       opts.Log,
		metrics:   opts.Metrics,
		now:       opts.Now,
		state:     StateIdle,
	}
	if u.log == nil {
		u.log = slog.Default()
	}
	if u.now == nil {
		u.now = time.Now
	}
	if u.interval <= 0 {
		u.interval = defaultInterval
	}
	if u.load.Log == nil {
		u.load.Log = u.log
	}

	stored, err := store.GetMany(ctx, keyStatus, keyLastUpdate, keyError)
	if err != nil {
		return nil, fmt.Errorf("load update status: %w", err)
	}
	if raw := State(stored[keyStatus]); raw == StateSuccess || raw == StateError {
		u.state = raw
	}
	if raw := stored[keyLastUpdate]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			u.lastUpdate = t
		}
	}
	u.lastError = stored[keyError]
	return u, nil
}

// Status returns the current status.
func (u *Updater) Status() Status {
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()

	status := Status{
		State:           u.state,
		LastUpdate:      u.lastUpdate,
		LastUpdateHuman: humanizeSince(u.lastUpdate, now),
		IntervalHours:   u.interval.Hours(),
		Error:           u.lastError,
	}
	if u.scheduler != nil {
		status.NextUpdate = u.scheduler.Entry(u.entry).Next
	} else if !u.lastUpdate.IsZero() {
		status.NextUpdate = u.lastUpdate.Add(u.interval)
	}
	return status
}

// Run refreshes all lists and waits for the result.
func (u *Updater) Run(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	return u.run(ctx)
}

// Trigger starts a refresh in the background. The refresh outlives ctx's
// cancellation.
func (u *Updater) Trigger(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		_ = u.run(context.WithoutCancel(ctx))
	}()
	return nil
}

// Start schedules a refresh every interval and runs one immediately when
// the last successful refresh is older than the interval.
func (u *Updater) Start(ctx context.Context) error {
	scheduler := cron.New()
	entry, err := scheduler.AddFunc("@every "+u.interval.String(), func() {
		if err := u.Run(ctx); errors.Is(err, ErrInProgress) {
			u.log.Debug("scheduled update skipped, previous one still running")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule updates: %w", err)
	}

	u.mu.Lock()
	u.scheduler = scheduler
	u.entry = entry
	due := u.lastUpdate.IsZero() || u.now().Sub(u.lastUpdate) >= u.interval
	u.mu.Unlock()

	scheduler.Start()
	u.log.Info("external list updates scheduled", "interval", u.interval, "sources", len(u.currentSources()))
	if due {
		return u.Trigger(ctx)
	}
	return nil
}

// Stop ends the schedule and waits for running refreshes.
func (u *Updater) Stop() {
	u.mu.Lock()
	scheduler := u.scheduler
	u.mu.Unlock()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	u.wg.Wait()
}

func (u *Updater) run(ctx context.Context) error {
	defer u.running.Store(false)

	u.setStatus(ctx, StateUpdating, "", false)
	u.log.Info("starting external lists update")
	start := u.now()

	err := u.refresh(ctx)
	u.metrics.Refresh(u.now().Sub(start), err)
	if err != nil {
		u.log.Error("external lists update failed", "error", err)
		u.setStatus(ctx, StateError, err.Error(), false)
		return err
	}
	u.log.Info("external lists updated", "duration", u.now().Sub(start))
	u.setStatus(ctx, StateSuccess, "", true)
	return nil
}

// refresh loads each kind of source and hands the result to the Refresher.
// When every source of a kind fails, the previous domains of that list are
// kept.
func (u *Updater) refresh(ctx context.Context) error {
	all := u.currentSources()
	var failures []error
	for _, target := range targets {
		sources := filtering.SourcesOfKind(all, target.kind)
		set, report, err := filtering.LoadSources(ctx, sources, u.load)
		if err != nil {
			return err
		}
		if report.Loaded == 0 && report.Failed > 0 {
			failures = append(failures, fmt.Errorf("all %d %s sources failed, keeping previous domains", report.Failed, target.list))
			continue
		}
		if report.Failed > 0 {
			u.log.Warn("some external lists failed to load", "list", target.list, "failed", report.Failed, "loaded", report.Loaded)
		}
		n, err := u.refresher.RefreshExternal(target.list, set.Domains())
		if err != nil {
			failures = append(failures, fmt.Errorf("refresh %s: %w", target.list, err))
			continue
		}
		u.log.Debug("external list applied", "list", target.list, "domains", n, "truncated", report.Truncated)
	}
	return errors.Join(failures...)
}

func (u *Updater) currentSources() []filtering.Source {
	if u.selection != nil {
		return u.selection.Sources()
	}
	return u.sources
}

func (u *Updater) setStatus(ctx context.Context, state State, message string, succeeded bool) {
	u.mu.Lock()
	u.state = state
	u.lastError = message
	if succeeded {
		u.lastUpdate = u.now()
	}
	values := map[string]string{
		keyStatus: string(state),
		keyError:  message,
	}
	if !u.lastUpdate.IsZero() {
		values[keyLastUpdate] = u.lastUpdate.Format(time.RFC3339Nano)
	}
	u.mu.Unlock()

	if err := u.store.SetMany(ctx, values); err != nil {
		u.log.Warn("failed to persist update status", "error", err)
	}
}
