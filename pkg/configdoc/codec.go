// Package configdoc reads and writes the human-editable config document with
// its [BLOCK], [WHITELIST] and [OPTIONS] sections.
package configdoc

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"calmweb/pkg/errs"
	"calmweb/pkg/filtering"
	"calmweb/pkg/settings"
)

// Section headers.
const (
	HeaderBlock     = "[BLOCK]"
	HeaderWhitelist = "[WHITELIST]"
	HeaderOptions   = "[OPTIONS]"
)

const emptySectionComment = "# (empty)"

type section int

const (
	sectionNone section = iota
	sectionBlock
	sectionWhitelist
	sectionOptions
)

// Document is a parsed config document.
type Document struct {
	Blocked []string
	Allowed []string
	// Options holds only the keys present in the [OPTIONS] section.
	Options map[string]bool
	// Settings are Defaults overlaid with Options.
	Settings settings.Settings
	// Rejected lists domain lines that failed validation.
	Rejected []string
}

// HasOptions reports whether the document carried any known option.
func (d Document) HasOptions() bool {
	return len(d.Options) > 0
}

// Parse decodes a config document. It fails only when data is not valid
// UTF-8; anything structurally wrong is skipped, and a line of any length
// that is not a valid domain is reported in Rejected. A repeated header resets
// that section, so the later occurrence wins.
func Parse(data []byte) (Document, error) {
	if !utf8.Valid(data) {
		return Document{}, fmt.Errorf("%w: not valid utf-8", errs.ErrMalformedConfig)
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	doc := Document{Options: make(map[string]bool)}
	blocked := newOrderedSet()
	allowed := newOrderedSet()
	current := sectionNone

	for raw := range strings.Lines(string(data)) {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if next, ok := parseHeader(line); ok {
			current = next
			switch current {
			case sectionBlock:
				blocked = newOrderedSet()
			case sectionWhitelist:
				allowed = newOrderedSet()
			case sectionOptions:
				doc.Options = make(map[string]bool)
			}
			continue
		}

		switch current {
		case sectionBlock:
			if !blocked.addDomain(line) {
				doc.Rejected = append(doc.Rejected, line)
			}
		case sectionWhitelist:
			if !allowed.addDomain(line) {
				doc.Rejected = append(doc.Rejected, line)
			}
		case sectionOptions:
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.ToLower(strings.TrimSpace(key))
			if _, known := (settings.Settings{}).Get(key); !known {
				continue
			}
			doc.Options[key] = isTruthy(value)
		}
	}

	doc.Blocked = blocked.items
	doc.Allowed = allowed.items
	doc.Settings, _ = settings.Defaults().With(doc.Options)
	return doc, nil
}

// Serialize renders the manual lists and settings. Sections always appear
// in BLOCK, WHITELIST, OPTIONS order.
func Serialize(blocked, allowed []string, s settings.Settings) []byte {
	var b bytes.Buffer
	writeDomains(&b, HeaderBlock, blocked)
	b.WriteString("\n")
	writeDomains(&b, HeaderWhitelist, allowed)
	b.WriteString("\n")
	b.WriteString(HeaderOptions + "\n")
	values := s.Map()
	for _, key := range settings.Keys {
		v := "0"
		if values[key] {
			v = "1"
		}
		fmt.Fprintf(&b, "%s = %s\n", key, v)
	}
	return b.Bytes()
}

func writeDomains(b *bytes.Buffer, header string, domains []string) {
	b.WriteString(header + "\n")
	if len(domains) == 0 {
		b.WriteString(emptySectionComment + "\n")
		return
	}
	for _, domain := range domains {
		b.WriteString(domain + "\n")
	}
}

func parseHeader(line string) (section, bool) {
	switch strings.ToUpper(line) {
	case HeaderBlock:
		return sectionBlock, true
	case HeaderWhitelist:
		return sectionWhitelist, true
	case HeaderOptions:
		return sectionOptions, true
	}
	return sectionNone, false
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

type orderedSet struct {
	items []string
	seen  map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{items: make([]string, 0), seen: make(map[string]struct{})}
}

// addDomain normalizes line and appends it; it returns false for invalid domains.
func (s *orderedSet) addDomain(line string) bool {
	domain, err := filtering.NormalizeDomain(line)
	if err != nil {
		return false
	}
	if _, ok := s.seen[domain]; ok {
		return true
	}
	s.seen[domain] = struct{}{}
	s.items = append(s.items, domain)
	return true
}
