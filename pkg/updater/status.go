package updater

import (
	"fmt"
	"time"
)

// State is the phase of the refresh job.
type State string

const (
	StateIdle     State = "idle"
	StateUpdating State = "updating"
	StateSuccess  State = "success"
	StateError    State = "error"
)

// Status is reported to the dashboard.
type Status struct {
	State           State     `json:"status"`
	LastUpdate      time.Time `json:"last_update,omitzero"`
	LastUpdateHuman string    `json:"last_update_human"`
	NextUpdate      time.Time `json:"next_update,omitzero"`
	IntervalHours   float64   `json:"update_interval_hours"`
	Error           string    `json:"error,omitempty"`
}

// humanizeSince renders the age of t as "Never", "Just now" or "N units ago".
func humanizeSince(t, now time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "Just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
