// Package config handles application configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/language"
)

const (
	appName        = "micstream"
	configFileName = "config.json"
	envPrefix      = "MICSTREAM_"

	requiredSampleRate = 16000

	// LocalEndpoint is used when the host runs on localhost.
	LocalEndpoint = "ws://localhost:8000/ws/audio"
	// AudioPath is the websocket path on the backend origin.
	AudioPath = "/ws/audio"
	// DefaultLanguage is the language code sent when none is chosen.
	DefaultLanguage = "esa"
)

// Config represents the application configuration.
type Config struct {
	// Endpoint overrides the websocket URL derived from Origin.
	Endpoint string `json:"endpoint,omitempty"`
	// Origin is the page origin the host is served from, e.g.
	// https://app.example.com. Empty means localhost.
	Origin string `json:"origin,omitempty"`

	Language        string            `json:"language,omitempty"`
	LanguageAliases map[string]string `json:"language_aliases,omitempty"`
	Disabled        bool              `json:"disabled,omitempty"`

	DialTimeout  Duration `json:"dial_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`

	Capture CaptureConfig `json:"capture"`
	Journal JournalConfig `json:"journal"`
	Hotkey  HotkeyConfig  `json:"hotkey"`
	Log     LogConfig     `json:"log"`

	path string
	// stored holds the values read from the file. Save writes it instead of
	// the receiver so that flag and environment overrides stay out of the
	// file.
	stored *Config
}

// CaptureConfig selects the audio source.
type CaptureConfig struct {
	Device     string `json:"device,omitempty"`
	File       string `json:"file,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	BlockSize  int    `json:"block_size,omitempty"`
}

// JournalConfig controls the local record of session events.
type JournalConfig struct {
	Enabled bool     `json:"enabled"`
	Path    string   `json:"path,omitempty"`
	TTL     Duration `json:"ttl,omitempty"`
}

// HotkeyConfig controls the global start/stop shortcut.
type HotkeyConfig struct {
	Enabled bool     `json:"enabled"`
	Keys    []string `json:"keys,omitempty"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "text" or "json"
}

// Duration is a time.Duration that encodes as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Load loads configuration from the default config file.
// Returns default config if file doesn't exist.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, fmt.Errorf("get config path: %w", err)
	}
	return LoadFrom(path)
}

// LoadFrom loads configuration from path, then applies .env files and
// MICSTREAM_* environment overrides.
func LoadFrom(path string) (*Config, error) {
	cfg := defaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	stored := *cfg
	cfg.stored = &stored

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("load .env", "error", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save persists the configuration to the file it was loaded from. Only the
// values read from the file and those changed through SetLanguage and
// SetDisabled are written.
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		p, err := configPath()
		if err != nil {
			return fmt.Errorf("get config path: %w", err)
		}
		path = p
	}
	return c.SaveTo(path)
}

// SaveTo persists the configuration to path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := c
	if c.stored != nil {
		v = c.stored
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	c.path = path
	return nil
}

// SetLanguage sets the language and marks it for saving.
func (c *Config) SetLanguage(lang string) {
	c.Language = lang
	if c.stored != nil {
		c.stored.Language = lang
	}
}

// SetDisabled sets the disabled flag and marks it for saving.
func (c *Config) SetDisabled(disabled bool) {
	c.Disabled = disabled
	if c.stored != nil {
		c.stored.Disabled = disabled
	}
}

// Path returns the file the configuration is bound to.
func (c *Config) Path() string {
	return c.path
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			return fmt.Errorf("invalid endpoint: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("endpoint scheme must be ws or wss: %s", c.Endpoint)
		}
	}
	if c.Origin != "" {
		u, err := url.Parse(c.Origin)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid origin: %s", c.Origin)
		}
	}
	// The backend only accepts 16 kHz audio.
	if c.Capture.SampleRate != 0 && c.Capture.SampleRate != requiredSampleRate {
		return fmt.Errorf("capture sample rate must be %d: %d", requiredSampleRate, c.Capture.SampleRate)
	}
	if c.Capture.BlockSize < 0 {
		return errors.New("capture block size must not be negative")
	}
	return nil
}

// ResolveEndpoint returns the websocket URL of the audio endpoint.
// An explicit endpoint wins; otherwise it is derived from the origin.
func (c *Config) ResolveEndpoint() (string, error) {
	if c.Endpoint != "" {
		return c.Endpoint, nil
	}
	return EndpointForOrigin(c.Origin)
}

// EndpointForOrigin derives the audio endpoint from a page origin.
// A localhost origin (or none) maps to the local development backend.
// Otherwise http becomes ws, https becomes wss, and the path is /ws/audio.
func EndpointForOrigin(origin string) (string, error) {
	if origin == "" {
		return LocalEndpoint, nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	if u.Hostname() == "localhost" {
		return LocalEndpoint, nil
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported origin scheme: %s", u.Scheme)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: AudioPath}).String(), nil
}

// ResolveLanguage maps a user-supplied language to the code sent to the
// backend. Aliases such as "Spanish" are looked up first, then BCP 47 tags
// are canonicalized. Codes that are not valid tags, such as the backend's
// own "esa", pass through unchanged.
func (c *Config) ResolveLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		lang = c.Language
	}
	if lang == "" {
		return DefaultLanguage
	}

	for name, code := range c.LanguageAliases {
		if strings.EqualFold(name, lang) {
			lang = code
			break
		}
	}

	if !strings.ContainsAny(lang, "-_") {
		return lang
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	return tag.String()
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"ENDPOINT":       &c.Endpoint,
		"ORIGIN":         &c.Origin,
		"LANGUAGE":       &c.Language,
		"CAPTURE_DEVICE": &c.Capture.Device,
		"CAPTURE_FILE":   &c.Capture.File,
		"JOURNAL_PATH":   &c.Journal.Path,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FORMAT":     &c.Log.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"DISABLED":        &c.Disabled,
		"JOURNAL_ENABLED": &c.Journal.Enabled,
		"HOTKEY_ENABLED":  &c.Hotkey.Enabled,
	}
	for key, dst := range flags {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LanguageAliases == nil {
		c.LanguageAliases = defaultLanguageAliases()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = Duration(15 * time.Second)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(5 * time.Second)
	}
	if c.Journal.TTL == 0 {
		c.Journal.TTL = Duration(7 * 24 * time.Hour)
	}
	if len(c.Hotkey.Keys) == 0 {
		c.Hotkey.Keys = []string{"r", "ctrl", "shift"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName, configFileName), nil
}

// DataDir returns the directory for application data such as the journal.
func DataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName), nil
}

func defaultConfig() *Config {
	return &Config{
		Language: DefaultLanguage,
		Journal:  JournalConfig{Enabled: true},
	}
}

func defaultLanguageAliases() map[string]string {
	return map[string]string{
		"Spanish":    "es-ES",
		"Portuguese": "pt-BR",
		"English":    "en-GB",
	}
}
