package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"calmweb/pkg/filtering"
)

func TestValidateLogLevel(t *testing.T) {
	validLevels := []string{"debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR"}
	for _, level := range validLevels {
		if err := ValidateLogLevel(level); err != nil {
			t.Errorf("ValidateLogLevel(%s) returned error: %v", level, err)
		}
	}

	invalidLevels := []string{"", "trace", "fatal", "invalid", "debugging"}
	for _, level := range invalidLevels {
		if err := ValidateLogLevel(level); err == nil {
			t.Errorf("ValidateLogLevel(%s) should return error", level)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	validAddresses := []string{
		"127.0.0.1:8081",
		"0.0.0.0:80",
		"192.168.1.1:8080",
		"[::1]:8081",
	}
	for _, addr := range validAddresses {
		if err := ValidateAddress(addr); err != nil {
			t.Errorf("ValidateAddress(%s) returned error: %v", addr, err)
		}
	}

	invalidAddresses := []string{
		"localhost:8081",       // not IP
		"127.0.0.1",            // no port
		"256.256.256.256:8081", // invalid IP
		"127.0.0.1:999999",     // invalid port
		"127.0.0.1:-1",         // negative port
		":8081",                // missing IP
		"127.0.0.1:",           // missing port
	}
	for _, addr := range invalidAddresses {
		if err := ValidateAddress(addr); err == nil {
			t.Errorf("ValidateAddress(%s) should return error", addr)
		}
	}
}

func TestParseListen(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"127.0.0.1", "127.0.0.1:8081"},
		{"127.0.0.1:9000", "127.0.0.1:9000"},
		{"0.0.0.0", "0.0.0.0:8081"},
		{"[::1]:8081", "[::1]:8081"},
	}

	for _, tt := range tests {
		result := ParseListen(tt.input)
		if result != tt.expected {
			t.Errorf("ParseListen(%s) = %s, want %s", tt.input, result, tt.expected)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calmweb.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestSetupReadsFile(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = "127.0.0.1:9090"

[storage]
data_dir = "/srv/calmweb"
config_document = "/etc/calmweb/custom.cfg"
persist_timeout = "2s"

[logging]
level = "debug"

[filtering]
update_interval = "6h"
block_subdomains = false

[filtering.custom]
block = ["https://lists.example/block.txt"]

[filtering.stevenblack]
enabled = true

[filtering.internal]
enabled = true
url = "https://intranet.example/allow.txt"
kind = "allow"
token = "secret"
`)

	cfg, err := Setup(path)
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if cfg.Path != path || cfg.Server.Listen != "127.0.0.1:9090" || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Storage.PersistTimeout != 2*time.Second || cfg.Filtering.UpdateInterval != 6*time.Hour {
		t.Errorf("unexpected durations %s %s", cfg.Storage.PersistTimeout, cfg.Filtering.UpdateInterval)
	}
	if cfg.API.StatsCacheTTL != time.Second || cfg.Display.MaxExternalBlocked != 1000 {
		t.Errorf("defaults not applied: %+v %+v", cfg.API, cfg.Display)
	}
	if cfg.Filtering.BlockSubdomains {
		t.Error("expected block_subdomains = false")
	}
	if got := cfg.DocumentPath(); got != "/etc/calmweb/custom.cfg" {
		t.Errorf("absolute document path should be kept, got %s", got)
	}
	if got := cfg.DatabasePath(); got != filepath.Join("/srv/calmweb", "calmweb.db") {
		t.Errorf("database path should live in data_dir, got %s", got)
	}

	if len(cfg.Filtering.Lists) != 2 {
		t.Fatalf("expected two list tables, got %v", cfg.Filtering.Lists)
	}
	internal := cfg.Filtering.Lists["internal"]
	if internal.Kind != "allow" || internal.Token != "secret" {
		t.Errorf("unexpected list config %+v", internal)
	}

	sources, err := cfg.Sources()
	if err != nil {
		t.Fatalf("Sources returned error: %v", err)
	}
	allow := filtering.SourcesOfKind(sources, filtering.KindAllow)
	if len(allow) != 1 || allow[0].Location != "https://intranet.example/allow.txt" {
		t.Errorf("unexpected allow sources %+v", allow)
	}
	block := filtering.SourcesOfKind(sources, filtering.KindBlock)
	if len(block) != 2 {
		t.Errorf("expected stevenblack and the custom block list, got %+v", block)
	}
}

func TestSetupEnvironment(t *testing.T) {
	path := writeConfig(t, "[logging]\nlevel = \"warn\"\n")
	t.Setenv(configEnvVar, path)
	t.Setenv("CALMWEB_SERVER_LISTEN", "127.0.0.1:7000")

	cfg, err := Setup("")
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if cfg.Path != path || cfg.Logging.Level != "warn" {
		t.Errorf("expected the file from %s, got %+v", configEnvVar, cfg)
	}
	if cfg.Server.Listen != "127.0.0.1:7000" {
		t.Errorf("expected the environment override, got %s", cfg.Server.Listen)
	}
}

func TestSetupErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad level", "[logging]\nlevel = \"trace\"\n", "invalid log level"},
		{"bad listen", "[server]\nlisten = \"localhost:80\"\n", "server.listen"},
		{"bad duration", "[filtering]\nupdate_interval = \"soon\"\n", "filtering.update_interval"},
		{"short interval", "[filtering]\nupdate_interval = \"10s\"\n", "at least 1m"},
		{"list not a table", "[filtering]\nads = \"yes\"\n", "must be a table"},
		{"unknown kind", "[filtering.ads]\nenabled = true\nurl = \"https://a.example/x\"\nkind = \"grey\"\n", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Setup(writeConfig(t, tc.content))
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Setup returned error: %v", err)
				}
				if _, err := cfg.Sources(); err == nil {
					t.Error("expected Sources to reject the list kind")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSetupMissingExplicitFile(t *testing.T) {
	if _, err := Setup(filepath.Join(t.TempDir(), "missing.conf")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}
