package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// StoreConfig selects and configures the timetable document store.
type StoreConfig struct {
	// Driver is one of "file", "sqlite" or "redis".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the directory (file) or database file (sqlite).
	Path string `yaml:"path" json:"path"`

	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	// KeyPrefix namespaces redis keys.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// WebhookConfig points fired reminders at a push gateway. An empty URL
// means reminders are only logged.
type WebhookConfig struct {
	URL            string            `yaml:"url" json:"url"`
	RatePerSecond  float64           `yaml:"rate_per_second" json:"rate_per_second"`
	Burst          int               `yaml:"burst" json:"burst"`
	TimeoutSeconds int               `yaml:"timeout_seconds" json:"timeout_seconds"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"-"`
}

// Timeout returns the request timeout as a duration.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format" json:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone class times are written in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LeadMinutes lists how long before each class a reminder fires.
	LeadMinutes []int `yaml:"lead_minutes" json:"lead_minutes"`

	// RescheduleCron re-runs cancel-all-then-schedule for every owner, so
	// reminders follow the calendar week after week.
	RescheduleCron string `yaml:"reschedule" json:"reschedule"`

	// Owners are rescheduled by the cron job in addition to every owner
	// with a stored timetable.
	Owners []string `yaml:"owners" json:"owners"`

	// AllowPrivateCalendarURLs lets calendar URL imports reach loopback and
	// private network hosts. Off by default.
	AllowPrivateCalendarURLs bool `yaml:"allow_private_calendar_urls" json:"allow_private_calendar_urls"`

	Store   StoreConfig   `yaml:"store" json:"store"`
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
	Log     LogConfig     `yaml:"log" json:"log"`

	// CourseNames adds or overrides code -> full course name mappings.
	CourseNames map[string]string `yaml:"course_names,omitempty" json:"course_names,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         "127.0.0.1:8080",
		Timezone:       "Asia/Kolkata",
		LeadMinutes:    []int{15, 60},
		RescheduleCron: "0 0 * * *",
		Owners:         []string{},
		Store: StoreConfig{
			Driver:    "file",
			Path:      "./var/classcal",
			KeyPrefix: "classcal:",
		},
		Webhook: WebhookConfig{
			RatePerSecond:  5,
			Burst:          10,
			TimeoutSeconds: 10,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}

	leads := c.LeadMinutes[:0:0]
	for _, l := range c.LeadMinutes {
		if l >= 0 {
			leads = append(leads, l)
		}
	}
	if len(leads) == 0 {
		leads = def.LeadMinutes
	}
	sort.Ints(leads)
	c.LeadMinutes = leads

	if c.RescheduleCron == "" {
		c.RescheduleCron = def.RescheduleCron
	}
	if c.Owners == nil {
		c.Owners = []string{}
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "file", "sqlite", "redis":
	default:
		// Unknown or empty driver; fall back to the file store.
		c.Store.Driver = def.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = def.Store.KeyPrefix
	}
	if c.Store.Driver == "redis" && c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "127.0.0.1:6379"
	}

	if c.Webhook.RatePerSecond <= 0 {
		c.Webhook.RatePerSecond = def.Webhook.RatePerSecond
	}
	if c.Webhook.Burst <= 0 {
		c.Webhook.Burst = def.Webhook.Burst
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		c.Webhook.TimeoutSeconds = def.Webhook.TimeoutSeconds
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format != "json" {
		c.Log.Format = def.Log.Format
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) when needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data next to path and renames it into place, so
// readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".classcal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
