// Package settings holds the boolean protection options and the global
// protection switch, persisted in the app_settings table.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Option keys, shared by the HTTP API and the config document.
const (
	KeyBlockIPDirect       = "block_ip_direct"
	KeyBlockHTTPTraffic    = "block_http_traffic"
	KeyBlockHTTPOtherPorts = "block_http_other_ports"

	keyProtectionEnabled = "protection_enabled"
)

// ErrUnknownSetting reports a partial update naming a key that does not exist.
var ErrUnknownSetting = errors.New("unknown setting")

// Keys lists the option keys in document order.
var Keys = []string{KeyBlockIPDirect, KeyBlockHTTPTraffic, KeyBlockHTTPOtherPorts}

// Settings are the structured protection options.
type Settings struct {
	BlockIPDirect       bool `json:"block_ip_direct"`
	BlockHTTPTraffic    bool `json:"block_http_traffic"`
	BlockHTTPOtherPorts bool `json:"block_http_other_ports"`
}

// Defaults returns the options used before anything is persisted.
func Defaults() Settings {
	return Settings{BlockIPDirect: true, BlockHTTPTraffic: true, BlockHTTPOtherPorts: true}
}

// Get returns the value of key.
func (s Settings) Get(key string) (bool, bool) {
	switch key {
	case KeyBlockIPDirect:
		return s.BlockIPDirect, true
	case KeyBlockHTTPTraffic:
		return s.BlockHTTPTraffic, true
	case KeyBlockHTTPOtherPorts:
		return s.BlockHTTPOtherPorts, true
	}
	return false, false
}

// With returns a copy of s with the keys of partial applied.
func (s Settings) With(partial map[string]bool) (Settings, error) {
	if err := CheckKeys(partial); err != nil {
		return s, err
	}
	for key, value := range partial {
		switch key {
		case KeyBlockIPDirect:
			s.BlockIPDirect = value
		case KeyBlockHTTPTraffic:
			s.BlockHTTPTraffic = value
		case KeyBlockHTTPOtherPorts:
			s.BlockHTTPOtherPorts = value
		}
	}
	return s, nil
}

// Map returns every option keyed by name.
func (s Settings) Map() map[string]bool {
	return map[string]bool{
		KeyBlockIPDirect:       s.BlockIPDirect,
		KeyBlockHTTPTraffic:    s.BlockHTTPTraffic,
		KeyBlockHTTPOtherPorts: s.BlockHTTPOtherPorts,
	}
}

// CheckKeys returns ErrUnknownSetting for the first unknown key of partial.
func CheckKeys(partial map[string]bool) error {
	unknown := make([]string, 0)
	for key := range partial {
		if _, ok := (Settings{}).Get(key); !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: %s", ErrUnknownSetting, unknown[0])
}

func encodeBool(v bool) string {
	return strconv.FormatBool(v)
}

func decodeBool(raw string, fallback bool) bool {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
