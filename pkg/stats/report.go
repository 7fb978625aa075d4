package stats

import (
	"maps"
	"math"
	"slices"
	"time"
)

const (
	topBlockedLimit = 10
	recentLimit     = 50
)

// HourBucket counts decisions within one local hour of the current day.
type HourBucket struct {
	Blocked int64 `json:"blocked"`
	Allowed int64 `json:"allowed"`
}

// Activity is one entry of the recent activity feed.
type Activity struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Domain    string `json:"domain"`
	IP        string `json:"ip"`
}

// Daily holds the counters of the current local day.
type Daily struct {
	Day                 string           `json:"day"`
	BlockedToday        int64            `json:"blocked_today"`
	AllowedToday        int64            `json:"allowed_today"`
	TotalRequests       int64            `json:"total_requests"`
	ActivityByHour      [24]HourBucket   `json:"activity_by_hour"`
	RecentActivity      []Activity       `json:"recent_activity"`
	BlockedDomainsCount map[string]int64 `json:"blocked_domains_count"`
}

// Lifetime holds counters since installation.
type Lifetime struct {
	InstallationDate      time.Time     `json:"installation_date"`
	LastUpdated           time.Time     `json:"last_updated,omitzero"`
	TotalBlocked          int64         `json:"total_blocked"`
	TotalAllowed          int64         `json:"total_allowed"`
	TotalRequests         int64         `json:"total_requests"`
	DaysSinceInstallation int64         `json:"days_since_installation"`
	TotalSessions         int64         `json:"total_sessions"`
	CurrentSessionStart   time.Time     `json:"current_session_start"`
	CurrentSessionHours   float64       `json:"current_session_duration_hours"`
	AvgRequestsPerDay     float64       `json:"avg_requests_per_day"`
	AvgBlockedPerDay      float64       `json:"avg_blocked_per_day"`
	AvgAllowedPerDay      float64       `json:"avg_allowed_per_day"`
	BlockedPercentage     float64       `json:"blocked_percentage"`
	AllowedPercentage     float64       `json:"allowed_percentage"`
	TopBlockedDomains     []DomainCount `json:"top_blocked_domains"`
}

// Report is an immutable copy of the aggregates at one instant.
type Report struct {
	Daily
	Lifetime Lifetime `json:"lifetime_stats"`
}

func (d Daily) clone() Daily {
	d.RecentActivity = slices.Clone(d.RecentActivity)
	if d.RecentActivity == nil {
		d.RecentActivity = []Activity{}
	}
	d.BlockedDomainsCount = maps.Clone(d.BlockedDomainsCount)
	if d.BlockedDomainsCount == nil {
		d.BlockedDomainsCount = map[string]int64{}
	}
	return d
}

// daysBetween counts whole days elapsed from since to now.
func daysBetween(since, now time.Time) int64 {
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return int64(now.Sub(since) / (24 * time.Hour))
}

func percentage(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(part) / float64(total) * 100)
}

func perDay(count, days int64) float64 {
	return round1(float64(count) / float64(max(days, 1)))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
