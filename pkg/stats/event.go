// Package stats derives daily and lifetime usage counters from the
// append-only usage event log.
package stats

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent reports a usage event that cannot be recorded.
var ErrInvalidEvent = errors.New("invalid usage event")

// Outcome is the decision the interception engine took for a request.
type Outcome string

const (
	Allowed Outcome = "allowed"
	Blocked Outcome = "blocked"
)

// ParseOutcome accepts "allowed" and "blocked" in any case.
func ParseOutcome(raw string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(raw))) {
	case Allowed:
		return Allowed, nil
	case Blocked:
		return Blocked, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, raw)
	}
}

// Event is one request decision reported by the interception engine.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	Outcome       Outcome   `json:"outcome"`
	Domain        string    `json:"domain"`
	SourceAddress string    `json:"source_address"`
}

func (e Event) normalize(now time.Time) (Event, error) {
	outcome, err := ParseOutcome(string(e.Outcome))
	if err != nil {
		return e, err
	}
	e.Outcome = outcome
	e.Domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(e.Domain)), ".")
	e.SourceAddress = strings.TrimSpace(e.SourceAddress)
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	return e, nil
}
