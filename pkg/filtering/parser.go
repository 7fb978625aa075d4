package filtering

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/miekg/dns"
)

type parseOptions struct {
	ListID     string
	Logger     *slog.Logger
	ErrorLimit int
}

type errorLimiter struct {
	limit int
	count int
}

// parseList reads hosts-style or plain domain lists. Hosts lines
// ("0.0.0.0 name") drop the address, trailing comments end the line.
func parseList(r io.Reader, opts parseOptions) (*DomainSet, ParseStats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stats := ParseStats{}
	limiter := errorLimiter{limit: opts.ErrorLimit}
	set := NewDomainSet()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		stats.TotalLines++
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" || isComment(line) {
			continue
		}

		fields := strings.Fields(line)
		if ip := net.ParseIP(fields[0]); ip != nil {
			fields = fields[1:]
		}

		for _, token := range fields {
			if isComment(token) {
				break
			}
			if err := addToken(set, token); err != nil {
				stats.Invalid++
				limiter.log(logger, opts.ListID, lineNum, token, err)
				continue
			}
			stats.Domains++
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scan list: %w", err)
	}

	limiter.summary(logger, opts.ListID, stats.Invalid)
	logger.Info("parsed domain list", "list", opts.ListID, "domains", set.Len(), "invalid", stats.Invalid)
	return set, stats, nil
}

func (l *errorLimiter) log(logger *slog.Logger, listID string, lineNum int, token string, err error) {
	l.count++
	if l.limit == 0 || (l.limit > 0 && l.count > l.limit) {
		return
	}
	logger.Warn("invalid list entry", "list", listID, "line", lineNum, "entry", token, "error", err)
}

func (l *errorLimiter) summary(logger *slog.Logger, listID string, invalid int) {
	if l.limit <= 0 {
		return
	}
	if invalid > l.limit {
		logger.Warn("list parsing errors suppressed", "list", listID, "errors", invalid, "logged", l.limit)
	}
}

func isComment(token string) bool {
	return strings.HasPrefix(token, "#") || strings.HasPrefix(token, "//") || strings.HasPrefix(token, ";") || strings.HasPrefix(token, "!")
}

func addToken(set *DomainSet, token string) error {
	name := strings.TrimSpace(token)
	if name == "" {
		return fmt.Errorf("empty entry")
	}
	if strings.Contains(name, "://") || strings.Contains(name, "/") || strings.Contains(name, ":") {
		return fmt.Errorf("invalid hostname")
	}
	if ip := net.ParseIP(name); ip != nil {
		return fmt.Errorf("ip literals are not domains")
	}

	if suffix, ok := strings.CutPrefix(name, wildcardPrefix); ok {
		canonical, err := normalizeListDomain(suffix)
		if err != nil {
			return err
		}
		set.AddWildcard(canonical)
		return nil
	}

	canonical, err := normalizeListDomain(name)
	if err != nil {
		return err
	}
	if isPlaceholderHost(canonical) {
		return fmt.Errorf("placeholder host")
	}
	set.AddExact(canonical)
	return nil
}

// normalizeListDomain is looser than NormalizeDomain: published lists
// carry underscores and other names dns.IsDomainName accepts.
func normalizeListDomain(name string) (string, error) {
	lower := CanonicalDomain(name)
	if lower == "" {
		return "", fmt.Errorf("empty domain")
	}
	if _, ok := dns.IsDomainName(lower); !ok {
		return "", fmt.Errorf("invalid domain")
	}
	return lower, nil
}

func isPlaceholderHost(name string) bool {
	switch name {
	case "localhost", "localhost.localdomain", "local", "broadcasthost", "ip6-localhost", "ip6-loopback", "0.0.0.0":
		return true
	}
	return false
}
