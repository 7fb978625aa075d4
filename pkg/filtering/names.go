package filtering

import (
	"net"
	"regexp"
	"strings"

	"github.com/miekg/dns"

	"calmweb/pkg/errs"
)

const maxDomainLength = 253

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// CanonicalDomain lowercases raw and strips surrounding whitespace and dots.
func CanonicalDomain(raw string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(raw)), ".")
}

// NormalizeDomain canonicalizes a user supplied domain and validates it.
// Validation failures wrap errs.ErrInvalidDomain.
func NormalizeDomain(raw string) (string, error) {
	name := CanonicalDomain(raw)
	if name == "" {
		return "", errs.InvalidDomain(raw, "empty domain")
	}
	if len(name) > maxDomainLength {
		return "", errs.InvalidDomain(raw, "longer than 253 characters")
	}
	if strings.ContainsAny(name, "/: \t") {
		return "", errs.InvalidDomain(raw, "urls, ports and paths are not domains")
	}
	if ip := net.ParseIP(name); ip != nil {
		return "", errs.InvalidDomain(raw, "ip literals are not domains")
	}
	for _, label := range strings.Split(name, ".") {
		if !labelPattern.MatchString(label) {
			return "", errs.InvalidDomain(raw, "invalid label "+label)
		}
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return "", errs.InvalidDomain(raw, "not a domain name")
	}
	return name, nil
}
