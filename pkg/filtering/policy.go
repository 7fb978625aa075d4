package filtering

// Reason explains a policy decision.
type Reason string

const (
	ReasonProtectionOff Reason = "protection_disabled"
	ReasonAllowlist     Reason = "allowlist"
	ReasonBlocklist     Reason = "blocklist"
	ReasonNoMatch       Reason = "no_match"
)

// Decision is the outcome of evaluating a name against the policy.
type Decision struct {
	Domain  string `json:"domain"`
	Blocked bool   `json:"blocked"`
	Reason  Reason `json:"reason"`
}

// Policy evaluates names against compiled block and allow sets. The allow
// set always wins over the block set.
type Policy struct {
	enabled           bool
	includeSubdomains bool
	blocked           *DomainSet
	allowed           *DomainSet
}

// PolicyOptions configures a Policy.
type PolicyOptions struct {
	Enabled           bool
	IncludeSubdomains bool
	Blocked           []string
	Allowed           []string
}

// NewPolicy compiles the given lists into a Policy.
func NewPolicy(opts PolicyOptions) *Policy {
	return &Policy{
		enabled:           opts.Enabled,
		includeSubdomains: opts.IncludeSubdomains,
		blocked:           SetFromEntries(opts.Blocked),
		allowed:           SetFromEntries(opts.Allowed),
	}
}

// Decide evaluates name.
func (p *Policy) Decide(name string) Decision {
	decision := Decision{Domain: normalizeLookupName(name), Reason: ReasonNoMatch}
	if p == nil || !p.enabled {
		decision.Reason = ReasonProtectionOff
		return decision
	}
	if p.allowed.Matches(name, p.includeSubdomains) {
		decision.Reason = ReasonAllowlist
		return decision
	}
	if p.blocked.Matches(name, p.includeSubdomains) {
		decision.Blocked = true
		decision.Reason = ReasonBlocklist
	}
	return decision
}

// ShouldBlock returns true when name is blocked.
func (p *Policy) ShouldBlock(name string) bool {
	return p.Decide(name).Blocked
}
