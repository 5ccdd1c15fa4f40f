package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override file values, e.g.
// CONCERTCAL_CALDAV__PASSWORD -> caldav.password.
const EnvPrefix = "CONCERTCAL_"

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

// Backend selects where published events go.
type Backend string

const (
	BackendAuto        Backend = "auto"
	BackendAppleScript Backend = "applescript"
	BackendCalDAV      Backend = "caldav"
	BackendICS         Backend = "ics"
)

// LLMBackend selects the extraction model provider.
type LLMBackend string

const (
	LLMOllama    LLMBackend = "ollama"
	LLMAnthropic LLMBackend = "anthropic"
)

// VenueConfig describes a single venue page to scrape.
type VenueConfig struct {
	Name            string `yaml:"name" koanf:"name" validate:"required"`
	URL             string `yaml:"url" koanf:"url" validate:"required,url"`
	Location        string `yaml:"location" koanf:"location"`
	RequiresBrowser bool   `yaml:"requires_browser" koanf:"requires_browser"`
}

type OllamaConfig struct {
	Model   string `yaml:"model" koanf:"model"`
	BaseURL string `yaml:"base_url" koanf:"base_url"`
}

type AnthropicConfig struct {
	Model string `yaml:"model" koanf:"model"`
	// APIKey is normally supplied through ANTHROPIC_API_KEY.
	APIKey string `yaml:"api_key,omitempty" koanf:"api_key"`
}

type CalDAVConfig struct {
	// URL is the calendar collection, e.g. https://dav.example.com/cal/user/concerts/.
	URL      string `yaml:"url" koanf:"url"`
	Username string `yaml:"username" koanf:"username"`
	Password string `yaml:"password" koanf:"password"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the watch-mode server.
type BasicAuthConfig struct {
	Username string `yaml:"username" koanf:"username"`
	Password string `yaml:"password" koanf:"password"`
}

// Config is the top-level application configuration (venues.yaml).
type Config struct {
	CalendarName    string        `yaml:"calendar_name" koanf:"calendar_name"`
	CalendarBackend Backend       `yaml:"calendar_backend" koanf:"calendar_backend"`
	CalDAV          *CalDAVConfig `yaml:"caldav,omitempty" koanf:"caldav"`
	ICSOutputDir    string        `yaml:"ics_output_dir" koanf:"ics_output_dir"`

	LLMBackend LLMBackend      `yaml:"llm_backend" koanf:"llm_backend"`
	Ollama     OllamaConfig    `yaml:"ollama" koanf:"ollama"`
	Anthropic  AnthropicConfig `yaml:"anthropic" koanf:"anthropic"`

	DBPath string `yaml:"db_path" koanf:"db_path"`

	// RequestDelay is the pause, in seconds, between venues handled by one worker.
	RequestDelay      int `yaml:"request_delay" koanf:"request_delay"`
	ScrapeConcurrency int `yaml:"scrape_concurrency" koanf:"scrape_concurrency"`

	DefaultEventDurationHours int `yaml:"default_event_duration_hours" koanf:"default_event_duration_hours"`

	// Timezone is the IANA zone attached to published events. Empty means floating times.
	Timezone string `yaml:"timezone" koanf:"timezone"`

	// Refresh is the cron schedule used by `watch`.
	Refresh string `yaml:"refresh" koanf:"refresh"`
	// Listen is the HTTP address used by `watch`.
	Listen    string           `yaml:"listen" koanf:"listen"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" koanf:"basic_auth"`

	Venues []VenueConfig `yaml:"venues" koanf:"venues"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		CalendarName:    "Local Concerts",
		CalendarBackend: BackendAuto,
		ICSOutputDir:    "output/",
		LLMBackend:      LLMAnthropic,
		Ollama: OllamaConfig{
			Model:   "llama3.1",
			BaseURL: "http://localhost:11434",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-haiku-4-5-20251001",
		},
		DBPath:                    "data/events.db",
		RequestDelay:              2,
		ScrapeConcurrency:         1,
		DefaultEventDurationHours: 3,
		Refresh:                   "0 */6 * * *",
		Listen:                    "127.0.0.1:8080",
		Venues:                    []VenueConfig{},
	}
}

// Normalize fills in missing/zero values with defaults so partially-filled
// configs still behave.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.CalendarName == "" {
		c.CalendarName = d.CalendarName
	}
	switch c.CalendarBackend {
	case BackendAuto, BackendAppleScript, BackendCalDAV, BackendICS:
	default:
		c.CalendarBackend = BackendAuto
	}
	if c.ICSOutputDir == "" {
		c.ICSOutputDir = d.ICSOutputDir
	}
	switch c.LLMBackend {
	case LLMOllama, LLMAnthropic:
	default:
		c.LLMBackend = d.LLMBackend
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = d.Ollama.Model
	}
	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = d.Ollama.BaseURL
	}
	c.Ollama.BaseURL = strings.TrimRight(c.Ollama.BaseURL, "/")
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = d.Anthropic.Model
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.RequestDelay < 0 {
		c.RequestDelay = 0
	}
	if c.ScrapeConcurrency <= 0 {
		c.ScrapeConcurrency = 1
	}
	if c.DefaultEventDurationHours <= 0 {
		c.DefaultEventDurationHours = d.DefaultEventDurationHours
	}
	if c.Refresh == "" {
		c.Refresh = d.Refresh
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Venues == nil {
		c.Venues = []VenueConfig{}
	}
}

// Validate checks venue entries and backend-specific settings.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	for i, venue := range c.Venues {
		if err := v.Struct(venue); err != nil {
			return fmt.Errorf("venues[%d] (%s): %w", i, venue.Name, err)
		}
		if !strings.HasPrefix(venue.URL, "http://") && !strings.HasPrefix(venue.URL, "https://") {
			return fmt.Errorf("venues[%d] (%s): venue URL must use http or https", i, venue.Name)
		}
	}
	if c.CalendarBackend == BackendCalDAV && (c.CalDAV == nil || c.CalDAV.URL == "") {
		return errors.New("caldav backend requires caldav.url")
	}
	if _, err := cron.ParseStandard(c.Refresh); err != nil {
		return fmt.Errorf("refresh %q: %w", c.Refresh, err)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// Location resolves Timezone. A nil location means floating times.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil
	}
	return loc
}

// ResolveBackend turns "auto" into a concrete backend for goos (as in
// runtime.GOOS). It is called once at startup and the result passed down.
func (c *Config) ResolveBackend(goos string) Backend {
	if c.CalendarBackend != BackendAuto && c.CalendarBackend != "" {
		return c.CalendarBackend
	}
	if goos == "darwin" {
		return BackendAppleScript
	}
	return BackendICS
}

// ICSPath is the running calendar file used by the ics backend.
func (c *Config) ICSPath() string {
	return filepath.Join(c.ICSOutputDir, c.CalendarName+".ics")
}

// Load reads the YAML config at path, applies CONCERTCAL_* environment
// overrides and validates the result.
//
// Layering: defaults < file < environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s\nCopy venues.example.yaml to venues.yaml and customize it", ErrNotFound, path)
		}
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config file %s: %w", path, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// envTransform maps CONCERTCAL_OLLAMA__BASE_URL to ollama.base_url.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Save writes cfg to path as YAML.
//
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Final file permissions are 0600 (the file may hold credentials).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".concertcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
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

// Save is a convenience method on Config that delegates to Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
