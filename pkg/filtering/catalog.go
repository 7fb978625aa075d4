// Package filtering normalizes domains, loads external domain lists and
// evaluates the block/allow policy.
package filtering

// ListDefinition describes a built-in external list.
type ListDefinition struct {
	ID          string
	Name        string
	URL         string
	Kind        Kind
	Category    string
	Description string
	// DefaultEnabled lists are used when no lists are configured.
	DefaultEnabled bool
}

// Catalog lists the built-in external lists available for selection.
var Catalog = map[string]ListDefinition{
	"stevenblack": {
		ID:             "stevenblack",
		Name:           "StevenBlack Unified Hosts",
		URL:            "https://raw.githubusercontent.com/StevenBlack/hosts/refs/heads/master/hosts",
		Kind:           KindBlock,
		Category:       "ads",
		Description:    "Adware and malware hosts.",
		DefaultEnabled: true,
	},
	"listefr": {
		ID:             "listefr",
		Name:           "EasyList FR",
		URL:            "https://raw.githubusercontent.com/easylist/listefr/refs/heads/master/hosts.txt",
		Kind:           KindBlock,
		Category:       "ads",
		Description:    "French advertising hosts.",
		DefaultEnabled: true,
	},
	"hagezi_ultimate": {
		ID:             "hagezi_ultimate",
		Name:           "HaGeZi Ultimate",
		URL:            "https://raw.githubusercontent.com/hagezi/dns-blocklists/main/domains/ultimate.txt",
		Kind:           KindBlock,
		Category:       "malware",
		Description:    "Aggressive ads, tracking, malware and scam list.",
		DefaultEnabled: true,
	},
	"calmweb_blocklist": {
		ID:             "calmweb_blocklist",
		Name:           "calmweb Blocklist",
		URL:            "https://raw.githubusercontent.com/Tontonjo/calmweb/refs/heads/main/filters/blocklist.txt",
		Kind:           KindBlock,
		Category:       "scam",
		Description:    "Scam and fake support domains.",
		DefaultEnabled: true,
	},
	"red_flag_domains": {
		ID:             "red_flag_domains",
		Name:           "Red Flag Domains",
		URL:            "https://dl.red.flag.domains/pihole/red.flag.domains.txt",
		Kind:           KindBlock,
		Category:       "phishing",
		Description:    "Recently registered suspicious domains.",
		DefaultEnabled: true,
	},
	"urlhaus": {
		ID:          "urlhaus",
		Name:        "URLhaus",
		URL:         "https://urlhaus.abuse.ch/downloads/hostfile/",
		Kind:        KindBlock,
		Category:    "malware",
		Description: "Malware distribution hosts from abuse.ch.",
	},
	"calmweb_whitelist": {
		ID:             "calmweb_whitelist",
		Name:           "calmweb Whitelist",
		URL:            "https://raw.githubusercontent.com/Tontonjo/calmweb/refs/heads/main/filters/whitelist.txt",
		Kind:           KindAllow,
		Category:       "allow",
		Description:    "Domains that must never be blocked.",
		DefaultEnabled: true,
	},
}
