// Package config loads configuration for the calmweb service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"calmweb/pkg/filtering"
)

const (
	defaultConfigPath = "/etc/calmweb/calmweb.conf"
	configEnvVar      = "CALMWEB_CONFIG"
	envPrefix         = "CALMWEB"
	defaultPort       = "8081"
)

// Config contains all runtime options of the calmweb service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Filtering FilteringConfig `mapstructure:"filtering"`
	Display   DisplayConfig   `mapstructure:"display"`
	API       APIConfig       `mapstructure:"api"`

	// Path is the file the configuration was read from, empty when only
	// defaults apply.
	Path string `mapstructure:"-"`
}

// ServerConfig holds server-level settings.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig locates the config document and the database.
type StorageConfig struct {
	DataDir        string        `mapstructure:"data_dir"`
	ConfigDocument string        `mapstructure:"config_document"`
	Database       string        `mapstructure:"database"`
	PersistTimeout time.Duration `mapstructure:"-"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level               string `mapstructure:"level"`
	File                string `mapstructure:"file"`
	BufferSize          int    `mapstructure:"buffer_size"`
	BlocklistErrorLimit int    `mapstructure:"blocklist_error_limit"`
	UsageLog            string `mapstructure:"usage_log"`
}

// FilteringConfig holds external list settings.
type FilteringConfig struct {
	CacheDir           string        `mapstructure:"cache_dir"`
	UpdateInterval     time.Duration `mapstructure:"-"`
	BlockSubdomains    bool          `mapstructure:"block_subdomains"`
	MaxExternalDomains int           `mapstructure:"max_external_domains"`
	WatchDocument      bool          `mapstructure:"watch_document"`
	Custom             CustomConfig  `mapstructure:"custom"`
	Lists              map[string]filtering.ListConfig
}

// CustomConfig holds additional list URLs outside the catalog.
type CustomConfig struct {
	Block []string `mapstructure:"block"`
	Allow []string `mapstructure:"allow"`
}

// DisplayConfig bounds the external entries returned to the dashboard.
type DisplayConfig struct {
	MaxExternalBlocked int `mapstructure:"max_external_blocked"`
	MaxExternalAllowed int `mapstructure:"max_external_allowed"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
	StatsCacheTTL time.Duration `mapstructure:"-"`
}

// DocumentPath returns the config document location.
func (c *Config) DocumentPath() string {
	return c.Storage.resolve(c.Storage.ConfigDocument)
}

// DatabasePath returns the database location.
func (c *Config) DatabasePath() string {
	return c.Storage.resolve(c.Storage.Database)
}

func (s StorageConfig) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.DataDir, name)
}

// Sources builds the external list sources from the configuration.
func (c *Config) Sources() ([]filtering.Source, error) {
	return filtering.BuildSources(filtering.Catalog, c.Filtering.Lists, c.Filtering.Custom.Block, c.Filtering.Custom.Allow)
}

// ValidateLogLevel ensures the user-provided log level matches the supported set.
func ValidateLogLevel(level string) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(level)] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", level)
	}
	return nil
}

// ValidateAddress confirms that an address string has a valid host and TCP port.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if port == "" {
		return errors.New("invalid port")
	}
	if err != nil {
		return fmt.Errorf("invalid address format %s: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip == nil {
		return fmt.Errorf("invalid IP address: %s", host)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port: %s", port)
	}
	return nil
}

// ParseListen adds the default API port when an address is provided without one.
func ParseListen(listen string) string {
	if !strings.Contains(listen, ":") {
		return net.JoinHostPort(listen, defaultPort)
	}
	return listen
}

// Setup loads the TOML configuration file and produces a Config instance.
// path wins over CALMWEB_CONFIG; without either the default location is
// used, and a missing default file means built-in defaults.
func Setup(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	explicit := true
	configPath := strings.TrimSpace(path)
	if configPath == "" {
		configPath = strings.TrimSpace(os.Getenv(configEnvVar))
	}
	if configPath == "" {
		configPath = defaultConfigPath
		explicit = false
	}

	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadConfig(configPath string, explicit bool) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	readFrom := configPath
	if _, err := os.Stat(configPath); err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		readFrom = ""
	} else {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Path = readFrom

	listConfigs, err := parseListConfigs(v)
	if err != nil {
		return nil, err
	}
	cfg.Filtering.Lists = listConfigs

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"filtering.update_interval", &cfg.Filtering.UpdateInterval},
		{"storage.persist_timeout", &cfg.Storage.PersistTimeout},
		{"api.stats_cache_ttl", &cfg.API.StatsCacheTTL},
	}
	for _, d := range durations {
		*d.target, err = parseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:"+defaultPort)
	v.SetDefault("storage.data_dir", "/var/lib/calmweb")
	v.SetDefault("storage.config_document", "custom.cfg")
	v.SetDefault("storage.database", "calmweb.db")
	v.SetDefault("storage.persist_timeout", "5s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "stdout")
	v.SetDefault("logging.buffer_size", 1000)
	v.SetDefault("logging.blocklist_error_limit", 20)
	v.SetDefault("logging.usage_log", "")
	v.SetDefault("filtering.cache_dir", "/var/cache/calmweb")
	v.SetDefault("filtering.update_interval", "1h")
	v.SetDefault("filtering.block_subdomains", true)
	v.SetDefault("filtering.max_external_domains", 100000)
	v.SetDefault("filtering.watch_document", true)
	v.SetDefault("display.max_external_blocked", 1000)
	v.SetDefault("display.max_external_allowed", 100)
	v.SetDefault("api.rate_limit", 20)
	v.SetDefault("api.burst", 40)
	v.SetDefault("api.stats_cache_ttl", "1s")
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func validateConfig(cfg *Config) error {
	if err := ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}

	if cfg.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	cfg.Server.Listen = ParseListen(cfg.Server.Listen)
	if err := ValidateAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if cfg.Storage.PersistTimeout <= 0 {
		return errors.New("storage.persist_timeout must be > 0")
	}
	if cfg.Filtering.UpdateInterval < time.Minute {
		return errors.New("filtering.update_interval must be at least 1m")
	}

	if cfg.Logging.BlocklistErrorLimit < 0 {
		return errors.New("logging.blocklist_error_limit must be >= 0")
	}
	if cfg.Logging.BufferSize <= 0 {
		return errors.New("logging.buffer_size must be > 0")
	}
	if cfg.Filtering.MaxExternalDomains < 0 {
		return errors.New("filtering.max_external_domains must be >= 0")
	}
	if cfg.Display.MaxExternalBlocked < 0 || cfg.Display.MaxExternalAllowed < 0 {
		return errors.New("display limits must be >= 0")
	}
	if cfg.API.RateLimit <= 0 || cfg.API.Burst <= 0 {
		return errors.New("api.rate_limit and api.burst must be > 0")
	}

	for _, url := range append(append([]string{}, cfg.Filtering.Custom.Block...), cfg.Filtering.Custom.Allow...) {
		if strings.TrimSpace(url) == "" {
			return errors.New("filtering.custom entries must not be empty")
		}
	}

	return nil
}

func parseListConfigs(v *viper.Viper) (map[string]filtering.ListConfig, error) {
	raw := v.GetStringMap("filtering")
	if len(raw) == 0 {
		return map[string]filtering.ListConfig{}, nil
	}

	ignored := map[string]bool{
		"cache_dir":            true,
		"update_interval":      true,
		"block_subdomains":     true,
		"max_external_domains": true,
		"watch_document":       true,
		"custom":               true,
	}

	listConfigs := make(map[string]filtering.ListConfig)
	for key, value := range raw {
		if ignored[key] {
			continue
		}
		subMap, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("filtering.%s must be a table", key)
		}
		var cfg filtering.ListConfig
		if err := mapstructure.Decode(subMap, &cfg); err != nil {
			return nil, fmt.Errorf("parse filtering.%s: %w", key, err)
		}
		listConfigs[strings.ToLower(key)] = cfg
	}

	return listConfigs, nil
}
