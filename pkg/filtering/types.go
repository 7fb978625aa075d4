package filtering

// Kind selects which registry list a source feeds.
type Kind string

const (
	// KindBlock sources feed the blocked list.
	KindBlock Kind = "block"
	// KindAllow sources feed the allowed list.
	KindAllow Kind = "allow"
)

// ParseKind maps a configured kind to a Kind; empty means block.
func ParseKind(raw string) (Kind, bool) {
	switch raw {
	case "", "block", "blocked", "blocklist":
		return KindBlock, true
	case "allow", "allowed", "allowlist", "whitelist":
		return KindAllow, true
	default:
		return "", false
	}
}

// Source describes a configured external domain list.
type Source struct {
	ID       string
	Location string
	Kind     Kind
	Enabled  bool
	Auth     AuthConfig
}

// AuthConfig defines optional authentication for a source.
type AuthConfig struct {
	Username string
	Password string
	Token    string
	Header   string
	Scheme   string
}

// ListConfig defines an external list configuration entry.
type ListConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Kind     string `mapstructure:"kind"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	Header   string `mapstructure:"header"`
	Scheme   string `mapstructure:"scheme"`
}

// ParseStats summarises list parsing results.
type ParseStats struct {
	TotalLines int
	Domains    int
	Invalid    int
}

// LoadReport summarises one LoadSources run.
type LoadReport struct {
	Loaded    int
	Failed    int
	Truncated bool
}
