// Package snapshot serializes every mutation of calmweb's state and
// publishes immutable, versioned views of it to concurrent readers.
package snapshot

import (
	"sync"
	"time"

	"calmweb/pkg/filtering"
	"calmweb/pkg/registry"
	"calmweb/pkg/settings"
	"calmweb/pkg/stats"
)

// State is one published point in time. It is never modified after
// publication.
type State struct {
	Version           uint64            `json:"version"`
	InstanceID        string            `json:"instance_id"`
	PublishedAt       time.Time         `json:"published_at"`
	Settings          settings.Settings `json:"settings"`
	ProtectionEnabled bool              `json:"protection_enabled"`
	Domains           *registry.View    `json:"-"`

	includeSubdomains bool
	policyOnce        sync.Once
	policy            *filtering.Policy
}

// Policy compiles the effective lists on first use.
func (s *State) Policy() *filtering.Policy {
	s.policyOnce.Do(func() {
		s.policy = filtering.NewPolicy(filtering.PolicyOptions{
			Enabled:           s.ProtectionEnabled,
			IncludeSubdomains: s.includeSubdomains,
			Blocked:           s.Domains.Effective(registry.Blocked),
			Allowed:           s.Domains.Effective(registry.Allowed),
		})
	})
	return s.policy
}

// Snapshot is a State plus the statistics report attached when it was read.
type Snapshot struct {
	*State
	Stats stats.Report `json:"stats"`
}
