package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings configures a nodeflow process (CLI or embedding program).
type Settings struct {
	Store   StoreSettings   `yaml:"store" json:"store"`
	Cache   CacheSettings   `yaml:"cache" json:"cache"`
	Ports   PortSettings    `yaml:"ports" json:"ports"`
	Plugins PluginSettings  `yaml:"plugins" json:"plugins"`
	LLM     LLMSettings     `yaml:"llm" json:"llm"`
	Metrics MetricsSettings `yaml:"metrics" json:"metrics"`
	Subflow SubflowSettings `yaml:"subflow" json:"subflow"`
	Log     LogSettings     `yaml:"log" json:"log"`
}

// StoreSettings selects the persistence backend.
type StoreSettings struct {
	// Backend is memory, sqlite, or badger.
	Backend string `yaml:"backend" json:"backend" validate:"oneof=memory sqlite badger"`

	// Path is the sqlite file or badger directory.
	Path string `yaml:"path" json:"path" validate:"required_unless=Backend memory"`
}

// CacheSettings sizes the per-node execution cache.
type CacheSettings struct {
	// Size is the entry bound per node. 0 disables caching.
	Size *int `yaml:"size" json:"size" validate:"omitempty,gte=0"`

	// IncludeKeys folds a fingerprint of the keys port into cache keys.
	IncludeKeys *bool `yaml:"include_keys" json:"include_keys"`
}

// PortSettings configures port initialization.
type PortSettings struct {
	// Debounce delays schema defaults on cold start. 0 publishes at once.
	Debounce *time.Duration `yaml:"debounce" json:"debounce" validate:"omitempty,gte=0"`
}

// PluginSettings configures the dynamic component loader.
type PluginSettings struct {
	// Dir holds plugin sources, one "<key>.go" file per component key.
	Dir string `yaml:"dir" json:"dir"`

	// Allow overrides the import allowlist.
	Allow []string `yaml:"allow" json:"allow" validate:"dive,required"`
}

// LLMSettings configures the model client.
type LLMSettings struct {
	Provider  string  `yaml:"provider" json:"provider" validate:"oneof=openai mock"`
	Model     string  `yaml:"model" json:"model"`
	BaseURL   string  `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	APIKeyEnv string  `yaml:"api_key_env" json:"api_key_env"`
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" json:"burst" validate:"gte=0"`

	// MockResponse is returned by the mock provider.
	MockResponse string `yaml:"mock_response" json:"mock_response"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`
}

// SubflowSettings bounds subflow nesting.
type SubflowSettings struct {
	MaxDepth int `yaml:"max_depth" json:"max_depth" validate:"gte=1,lte=64"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	var s Settings
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.Store.Backend == "" {
		s.Store.Backend = "memory"
	}
	if s.Cache.Size == nil {
		size := 128
		s.Cache.Size = &size
	}
	if s.Cache.IncludeKeys == nil {
		include := true
		s.Cache.IncludeKeys = &include
	}
	if s.Ports.Debounce == nil {
		d := 50 * time.Millisecond
		s.Ports.Debounce = &d
	}
	if s.LLM.Provider == "" {
		s.LLM.Provider = "openai"
	}
	if s.LLM.Model == "" {
		s.LLM.Model = "gpt-4o-mini"
	}
	if s.LLM.APIKeyEnv == "" {
		s.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if s.Subflow.MaxDepth == 0 {
		s.Subflow.MaxDepth = 8
	}
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Format == "" {
		s.Log.Format = "text"
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Load reads settings from a .yaml, .yml, or .json file, applies
// defaults, and validates.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json":
		return Parse(data)
	default:
		return Settings{}, fmt.Errorf("unsupported settings file extension: %s", ext)
	}
}

// Parse decodes YAML (or JSON, which YAML accepts), applies defaults, and
// validates.
func Parse(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
