// Package config loads the service configuration from YAML with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Storage   StorageConfig    `koanf:"storage"`
	Providers []ProviderConfig `koanf:"providers"`
	Roles     RolesConfig      `koanf:"roles"`
	Retrieval RetrievalConfig  `koanf:"retrieval"`
	Pricing   PricingConfig    `koanf:"pricing"`
	Tools     ToolsConfig      `koanf:"tools"`
	Chat      ChatConfig       `koanf:"chat"`
}

// ChatConfig holds the standing assistant directive and response defaults.
type ChatConfig struct {
	Instruction     string `koanf:"instruction"`
	DefaultLanguage string `koanf:"default_language"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path       string `koanf:"path"`
	VectorPath string `koanf:"vector_path"`
}

type ProviderConfig struct {
	Name           string `koanf:"name"`
	Type           string `koanf:"type"` // openai, gemini
	APIKey         string `koanf:"api_key"`
	BaseURL        string `koanf:"base_url"`
	EmbeddingModel string `koanf:"embedding_model"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

// RoleAssignment binds a logical role to a provider/model pair.
type RoleAssignment struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
}

// RolesConfig declares the fixed role bindings and the switchable presets.
// Fixed roles cannot be remapped by a preset switch.
type RolesConfig struct {
	Fixed        map[string]RoleAssignment            `koanf:"fixed"`
	Presets      map[string]map[string]RoleAssignment `koanf:"presets"`
	ActivePreset string                               `koanf:"active_preset"`
}

type RetrievalConfig struct {
	Threshold  float64  `koanf:"threshold"`
	TopK       int      `koanf:"top_k"`
	Namespaces []string `koanf:"namespaces"`
}

type PricingConfig struct {
	Models  []ModelPricing `koanf:"models"`
	Default ModelPricing   `koanf:"default"`
}

type ModelPricing struct {
	ID               string  `koanf:"id"`
	Provider         string  `koanf:"provider"`
	InputPer1MUSD    float64 `koanf:"input_per_1m_tokens_usd"`
	OutputPer1MUSD   float64 `koanf:"output_per_1m_tokens_usd"`
	Currency         string  `koanf:"currency"`
}

type ToolsConfig struct {
	CafeteriaURL      string `koanf:"cafeteria_url"`
	AcademicCalURL    string `koanf:"academic_calendar_url"`
	ShuttleURL        string `koanf:"shuttle_url"`
	FetchTimeoutSecs  int    `koanf:"fetch_timeout_seconds"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path (YAML) and applies REGUBOT_ prefixed
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("REGUBOT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "REGUBOT_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in provider API keys
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "./data/regubot.db")
	}
	if !k.Exists("retrieval.threshold") {
		k.Set("retrieval.threshold", 0.4)
	}
	if !k.Exists("retrieval.top_k") {
		k.Set("retrieval.top_k", 5)
	}
	if !k.Exists("tools.fetch_timeout_seconds") {
		k.Set("tools.fetch_timeout_seconds", 10)
	}
	if !k.Exists("chat.instruction") {
		k.Set("chat.instruction", "당신은 대학 규정을 안내하는 챗봇입니다. 규정 근거를 우선하여 정확하고 친절하게 답변하세요.")
	}
	if !k.Exists("chat.default_language") {
		k.Set("chat.default_language", "KOR")
	}
}

// validate catches operator errors early. Misconfigured roles must fail
// loudly here, not fall back at request time.
func (c *Config) validate() error {
	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		names[p.Name] = true
	}

	for role, a := range c.Roles.Fixed {
		if !names[a.Provider] {
			return fmt.Errorf("fixed role %q references unknown provider %q", role, a.Provider)
		}
	}
	for preset, roles := range c.Roles.Presets {
		for role, a := range roles {
			if !names[a.Provider] {
				return fmt.Errorf("preset %q role %q references unknown provider %q", preset, role, a.Provider)
			}
		}
	}
	if c.Roles.ActivePreset != "" {
		if _, ok := c.Roles.Presets[c.Roles.ActivePreset]; !ok {
			return fmt.Errorf("active_preset %q is not a configured preset", c.Roles.ActivePreset)
		}
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
