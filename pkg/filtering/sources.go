package filtering

import (
	"fmt"
	"sort"
	"strings"
)

// BuildSources converts list configuration into loadable sources, ordered by
// list id with custom block and allow entries last. When configs is empty the
// catalog's default lists are used.
func BuildSources(catalog map[string]ListDefinition, configs map[string]ListConfig, customBlock, customAllow []string) ([]Source, error) {
	sources := make([]Source, 0)

	if len(configs) == 0 {
		configs = make(map[string]ListConfig)
		for id, def := range catalog {
			if def.DefaultEnabled {
				configs[id] = ListConfig{Enabled: true}
			}
		}
	}

	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := configs[id]
		if !cfg.Enabled {
			continue
		}
		def, known := catalog[id]
		location := cfg.URL
		if location == "" && known {
			location = def.URL
		}
		if location == "" {
			continue
		}
		kind, ok := ParseKind(strings.ToLower(strings.TrimSpace(cfg.Kind)))
		if !ok {
			return nil, fmt.Errorf("list %s: unknown kind %q", id, cfg.Kind)
		}
		if cfg.Kind == "" && known {
			kind = def.Kind
		}
		sources = append(sources, Source{
			ID:       id,
			Location: location,
			Kind:     kind,
			Enabled:  true,
			Auth: AuthConfig{
				Username: cfg.Username,
				Password: cfg.Password,
				Token:    cfg.Token,
				Header:   cfg.Header,
				Scheme:   cfg.Scheme,
			},
		})
	}

	sources = appendCustom(sources, customBlock, KindBlock)
	sources = appendCustom(sources, customAllow, KindAllow)
	return sources, nil
}

// SourcesOfKind filters sources by kind, preserving order.
func SourcesOfKind(sources []Source, kind Kind) []Source {
	out := make([]Source, 0, len(sources))
	for _, source := range sources {
		if source.Kind == kind {
			out = append(out, source)
		}
	}
	return out
}

func appendCustom(sources []Source, entries []string, kind Kind) []Source {
	for i, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		sources = append(sources, Source{
			ID:       fmt.Sprintf("custom_%s_%d", kind, i+1),
			Location: trimmed,
			Kind:     kind,
			Enabled:  true,
		})
	}
	return sources
}
