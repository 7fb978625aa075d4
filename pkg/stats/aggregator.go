package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"calmweb/pkg/errs"
	"calmweb/pkg/metrics"
)

const (
	keyInstallationDate = "stats.installation_date"
	keyTotalSessions    = "stats.total_sessions"
)

// MetaStore keeps the installation date and session counter.
type MetaStore interface {
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string) error
}

// Options configures an Aggregator.
type Options struct {
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	UsageLog string
	Now      func() time.Time
	Location *time.Location
}

// Aggregator keeps derived counters in memory and updates them per event.
// The event log stays the source of truth; Rebuild recomputes everything
// from it.
type Aggregator struct {
	events  EventLog
	log     *slog.Logger
	metrics *metrics.Metrics
	usage   *usageLog
	now     func() time.Time
	loc     *time.Location

	mu           sync.Mutex
	installedAt  time.Time
	sessionStart time.Time
	sessions     int64
	blocked      int64
	allowed      int64
	lastUpdated  time.Time
	top          *topN
	daily        Daily
}

// Open starts a new session: it records the installation date on first
// use, increments the session counter and rebuilds the counters from the
// event log.
func Open(ctx context.Context, events EventLog, meta MetaStore, opts Options) (*Aggregator, error) {
	a := &Aggregator{
		events:  events,
		log:     opts.Log,
		metrics: opts.Metrics,
		now:     opts.Now,
		loc:     opts.Location,
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	a.usage = newUsageLog(opts.UsageLog, a.log)

	if err := a.startSession(ctx, meta); err != nil {
		return nil, err
	}
	if err := a.Rebuild(ctx); err != nil {
		return nil, err
	}
	a.log.Info("statistics loaded", "session", a.sessions, "total_requests", a.blocked+a.allowed)
	return a, nil
}

func (a *Aggregator) startSession(ctx context.Context, meta MetaStore) error {
	stored, err := meta.GetMany(ctx, keyInstallationDate, keyTotalSessions)
	if err != nil {
		return fmt.Errorf("load statistics metadata: %w", err)
	}
	now := a.now()
	a.installedAt = now
	if raw, ok := stored[keyInstallationDate]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			a.installedAt = t
		} else {
			a.log.Warn("invalid installation date, resetting", "value", raw, "error", err)
		}
	}
	if raw, ok := stored[keyTotalSessions]; ok {
		a.sessions, _ = strconv.ParseInt(raw, 10, 64)
	}
	a.sessions++
	a.sessionStart = now

	err = meta.SetMany(ctx, map[string]string{
		keyInstallationDate: a.installedAt.Format(time.RFC3339Nano),
		keyTotalSessions:    strconv.FormatInt(a.sessions, 10),
	})
	if err != nil {
		return errs.Persist("save statistics metadata", err)
	}
	return nil
}

// Record appends events to the log and then updates the counters. Nothing
// is counted when the append fails.
func (a *Aggregator) Record(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	now := a.now()
	normalized := make([]Event, len(events))
	for i, e := range events {
		n, err := e.normalize(now)
		if err != nil {
			return err
		}
		normalized[i] = n
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.events.Append(ctx, normalized); err != nil {
		return errs.Persist("append usage events", err)
	}
	a.rollover(now)
	for _, e := range normalized {
		a.apply(e)
		a.metrics.UsageEvent(string(e.Outcome))
	}
	a.usage.write(normalized)
	return nil
}

// Rebuild discards the in-memory counters and recomputes them from the
// event log.
func (a *Aggregator) Rebuild(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.blocked, a.allowed = 0, 0
	a.lastUpdated = time.Time{}
	a.top = newTopN(topBlockedLimit)
	a.daily = Daily{Day: a.dayKey(a.now())}

	err := a.events.Scan(ctx, func(e Event) error {
		a.apply(e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild statistics: %w", err)
	}
	return nil
}

// Report returns a copy of the current aggregates.
func (a *Aggregator) Report() Report {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover(now)

	total := a.blocked + a.allowed
	days := daysBetween(a.installedAt, now)
	return Report{
		Daily: a.daily.clone(),
		Lifetime: Lifetime{
			InstallationDate:      a.installedAt,
			LastUpdated:           a.lastUpdated,
			TotalBlocked:          a.blocked,
			TotalAllowed:          a.allowed,
			TotalRequests:         total,
			DaysSinceInstallation: days,
			TotalSessions:         a.sessions,
			CurrentSessionStart:   a.sessionStart,
			CurrentSessionHours:   round2(now.Sub(a.sessionStart).Hours()),
			AvgRequestsPerDay:     perDay(total, days),
			AvgBlockedPerDay:      perDay(a.blocked, days),
			AvgAllowedPerDay:      perDay(a.allowed, days),
			BlockedPercentage:     percentage(a.blocked, total),
			AllowedPercentage:     percentage(a.allowed, total),
			TopBlockedDomains:     a.top.rows(),
		},
	}
}

// Close releases the usage log file.
func (a *Aggregator) Close() error {
	return a.usage.close()
}

func (a *Aggregator) dayKey(t time.Time) string {
	return t.In(a.loc).Format(time.DateOnly)
}

// rollover starts a fresh day once the local date moved past the current one.
func (a *Aggregator) rollover(now time.Time) {
	if day := a.dayKey(now); day > a.daily.Day {
		a.daily = Daily{Day: day}
	}
}

// apply counts one event. Must be called with mu held.
func (a *Aggregator) apply(e Event) {
	if e.Outcome == Blocked {
		a.blocked++
		if e.Domain != "" {
			a.top.inc(e.Domain)
		}
	} else {
		a.allowed++
	}
	if e.Timestamp.After(a.lastUpdated) {
		a.lastUpdated = e.Timestamp
	}

	local := e.Timestamp.In(a.loc)
	if local.Format(time.DateOnly) != a.daily.Day {
		return
	}
	d := &a.daily
	d.TotalRequests++
	bucket := &d.ActivityByHour[local.Hour()]
	action := "Allowed"
	if e.Outcome == Blocked {
		action = "Blocked"
		d.BlockedToday++
		bucket.Blocked++
		if e.Domain != "" {
			if d.BlockedDomainsCount == nil {
				d.BlockedDomainsCount = make(map[string]int64)
			}
			d.BlockedDomainsCount[e.Domain]++
		}
	} else {
		d.AllowedToday++
		bucket.Allowed++
	}

	item := Activity{
		ID:        a.blocked + a.allowed,
		Timestamp: local.Format(time.TimeOnly),
		Action:    action,
		Domain:    orNA(e.Domain),
		IP:        orNA(e.SourceAddress),
	}
	d.RecentActivity = append([]Activity{item}, d.RecentActivity...)
	if len(d.RecentActivity) > recentLimit {
		d.RecentActivity = d.RecentActivity[:recentLimit]
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
