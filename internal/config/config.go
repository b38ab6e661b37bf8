// Package config defines ccproxy's configuration schema
// (providers/models/routing/transformer overrides) and the Manager that
// loads, validates, and reloads it behind an atomic pointer swap.
// YAML is the primary on-disk format with a JSON fallback.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jiafuei/ccproxy/internal/descriptor"
	"github.com/jiafuei/ccproxy/internal/transform"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultYAMLFilename   = "config.yaml"
	DefaultJSONFilename   = "config.json"
	DefaultTimeoutSeconds = 120
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// TransformerConfig is one `{class_path, params}` entry as it appears in
// the YAML/JSON config file; it converts directly to a transform.Config.
type TransformerConfig struct {
	ClassPath string         `yaml:"class_path" json:"class_path"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

func (c TransformerConfig) toTransform() transform.Config {
	return transform.Config{ClassPath: c.ClassPath, Params: c.Params}
}

// ChannelTransformers holds the request/response/stream transformer
// overrides for one client-edge channel.
type ChannelTransformers struct {
	Request       []TransformerConfig `yaml:"request" json:"request"`
	RequestSet    bool                `yaml:"-" json:"-"`
	PreRequest    []TransformerConfig `yaml:"pre_request,omitempty" json:"pre_request,omitempty"`
	PostRequest   []TransformerConfig `yaml:"post_request,omitempty" json:"post_request,omitempty"`
	Response      []TransformerConfig `yaml:"response" json:"response"`
	ResponseSet   bool                `yaml:"-" json:"-"`
	PreResponse   []TransformerConfig `yaml:"pre_response,omitempty" json:"pre_response,omitempty"`
	PostResponse  []TransformerConfig `yaml:"post_response,omitempty" json:"post_response,omitempty"`
	Stream        []TransformerConfig `yaml:"stream" json:"stream"`
	StreamSet     bool                `yaml:"-" json:"-"`
	PreStream     []TransformerConfig `yaml:"pre_stream,omitempty" json:"pre_stream,omitempty"`
	PostStream    []TransformerConfig `yaml:"post_stream,omitempty" json:"post_stream,omitempty"`
}

// UnmarshalYAML records whether request/response/stream were explicitly
// present in the document (vs. omitted), since YAML unmarshalling cannot
// distinguish "key absent" from "zero value" once decoded into a plain
// slice field.
func (c *ChannelTransformers) UnmarshalYAML(value *yaml.Node) error {
	type plain ChannelTransformers

	var p plain

	if err := value.Decode(&p); err != nil {
		return err
	}

	*c = ChannelTransformers(p)

	for i := 0; i < len(value.Content)-1; i += 2 {
		switch value.Content[i].Value {
		case "request":
			c.RequestSet = true
		case "response":
			c.ResponseSet = true
		case "stream":
			c.StreamSet = true
		}
	}

	return nil
}

// ProviderConfig describes one upstream backend configured by the operator.
type ProviderConfig struct {
	Name           string                         `yaml:"name" json:"name"`
	Type           string                         `yaml:"type" json:"type"`
	BaseURL        string                         `yaml:"base_url" json:"base_url"`
	APIKey         string                         `yaml:"api_key" json:"api_key"`
	TimeoutSeconds int                            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Capabilities   []string                       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Transformers   map[string]ChannelTransformers `yaml:"transformers,omitempty" json:"transformers,omitempty"`
}

// ModelConfig maps a stable alias to a (provider, upstream model id) pair.
type ModelConfig struct {
	Alias    string `yaml:"alias" json:"alias"`
	Provider string `yaml:"provider" json:"provider"`
	ModelID  string `yaml:"model_id" json:"model_id"`
}

// RoutingConfig is one model alias per routing key; an empty string falls
// through to Default.
type RoutingConfig struct {
	Default      string `yaml:"default" json:"default"`
	Background   string `yaml:"background" json:"background"`
	Planning     string `yaml:"planning" json:"planning"`
	Thinking     string `yaml:"thinking" json:"thinking"`
	PlanAndThink string `yaml:"plan_and_think" json:"plan_and_think"`
	BuiltinTools string `yaml:"builtin_tools" json:"builtin_tools"`
}

// FallbackConfig configures the always-available fallback provider;
// CCPROXY_FALLBACK_URL / CCPROXY_FALLBACK_API_KEY take precedence at
// construction time.
type FallbackConfig struct {
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

// Config is the full ccproxy configuration object.
type Config struct {
	Host             string           `yaml:"host,omitempty" json:"host,omitempty"`
	Port             int              `yaml:"port,omitempty" json:"port,omitempty"`
	APIKey           string           `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Fallback         FallbackConfig   `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Providers        []ProviderConfig `yaml:"providers" json:"providers"`
	Models           []ModelConfig    `yaml:"models" json:"models"`
	Routing          RoutingConfig    `yaml:"routing" json:"routing"`
	TransformerPaths []string         `yaml:"transformer_paths,omitempty" json:"transformer_paths,omitempty"`
}

// Timeout returns the configured HTTP timeout for p, defaulting to
// DefaultTimeoutSeconds when unset.
func (p ProviderConfig) Timeout() time.Duration {
	secs := p.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}

	return time.Duration(secs) * time.Second
}

// ConfigError reports a validation failure at construction or reload time:
// fatal for that load, the previous good config is retained.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// Validate checks referential integrity: providers unique and of known
// type, aliases well-formed and unique, routing entries resolvable,
// declared capabilities supported by the backend.
func Validate(cfg *Config) error {
	providerNames := make(map[string]ProviderConfig, len(cfg.Providers))

	for _, p := range cfg.Providers {
		if p.Name == "" {
			return &ConfigError{Msg: "provider with empty name"}
		}

		if _, dup := providerNames[p.Name]; dup {
			return &ConfigError{Msg: fmt.Sprintf("duplicate provider name %q", p.Name)}
		}

		if !isKnownBackendType(p.Type) {
			return &ConfigError{Msg: fmt.Sprintf("provider %q has unknown type %q", p.Name, p.Type)}
		}

		if err := validateCapabilities(p); err != nil {
			return err
		}

		providerNames[p.Name] = p
	}

	aliases := make(map[string]struct{}, len(cfg.Models))

	for _, m := range cfg.Models {
		if !aliasPattern.MatchString(m.Alias) {
			return &ConfigError{Msg: fmt.Sprintf("model alias %q does not match [A-Za-z0-9_-]{1,50}", m.Alias)}
		}

		if _, dup := aliases[m.Alias]; dup {
			return &ConfigError{Msg: fmt.Sprintf("duplicate model alias %q", m.Alias)}
		}

		if _, ok := providerNames[m.Provider]; !ok {
			return &ConfigError{Msg: fmt.Sprintf("model %q references unknown provider %q", m.Alias, m.Provider)}
		}

		aliases[m.Alias] = struct{}{}
	}

	for key, alias := range map[string]string{
		"default":        cfg.Routing.Default,
		"background":     cfg.Routing.Background,
		"planning":       cfg.Routing.Planning,
		"thinking":       cfg.Routing.Thinking,
		"plan_and_think": cfg.Routing.PlanAndThink,
		"builtin_tools":  cfg.Routing.BuiltinTools,
	} {
		if alias == "" {
			continue
		}

		if _, ok := aliases[alias]; !ok {
			return &ConfigError{Msg: fmt.Sprintf("routing.%s references unknown model alias %q", key, alias)}
		}
	}

	return nil
}

func isKnownBackendType(t string) bool {
	switch descriptor.BackendType(t) {
	case descriptor.BackendAnthropic, descriptor.BackendOpenAI, descriptor.BackendOpenAIResponses, descriptor.BackendGemini:
		return true
	default:
		return false
	}
}

func validateCapabilities(p ProviderConfig) error {
	if len(p.Capabilities) == 0 {
		return nil
	}

	d := descriptor.Get(descriptor.BackendType(p.Type))

	for _, capability := range p.Capabilities {
		if _, ok := d.Operations[descriptor.Operation(capability)]; !ok {
			return &ConfigError{Msg: fmt.Sprintf("provider %q declares unsupported capability %q", p.Name, capability)}
		}
	}

	return nil
}

// ResolveRoutingAlias returns the alias configured for key, falling
// through to Default when the field is empty.
func (c *Config) ResolveRoutingAlias(key string) string {
	var alias string

	switch key {
	case "background":
		alias = c.Routing.Background
	case "planning":
		alias = c.Routing.Planning
	case "thinking":
		alias = c.Routing.Thinking
	case "plan_and_think":
		alias = c.Routing.PlanAndThink
	case "builtin_tools":
		alias = c.Routing.BuiltinTools
	case "default":
		alias = c.Routing.Default
	}

	if alias == "" {
		return c.Routing.Default
	}

	return alias
}

// Manager holds the current good Config behind an atomic.Value so a
// reload is a single pointer swap; in-flight requests keep whatever
// snapshot they started with.
type Manager struct {
	dir     string
	current atomic.Value
}

// NewManager constructs a Manager rooted at dir without loading anything.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Load reads, validates, and stores a new Config from dir. On failure the
// previously stored good Config (if any) is left untouched.
func (m *Manager) Load() (*Config, error) {
	cfg, err := Load(m.dir)
	if err != nil {
		return nil, err
	}

	m.current.Store(cfg)

	return cfg, nil
}

// Get returns the currently loaded Config, loading it from disk on first
// access if Load has not yet been called.
func (m *Manager) Get() (*Config, error) {
	if v := m.current.Load(); v != nil {
		return v.(*Config), nil
	}

	return m.Load()
}

// Reload attempts to load a fresh Config from disk; on validation or read
// failure it logs nothing itself (the caller logs) and returns the error
// while leaving the previously stored Config in place.
func (m *Manager) Reload() error {
	_, err := m.Load()
	return err
}

// Load reads and validates a YAML (preferred) or JSON config file from dir.
func Load(dir string) (*Config, error) {
	yamlPath := filepath.Join(dir, DefaultYAMLFilename)
	jsonPath := filepath.Join(dir, DefaultJSONFilename)

	var (
		data   []byte
		err    error
		isJSON bool
	)

	switch {
	case fileExists(yamlPath):
		data, err = os.ReadFile(yamlPath)
	case fileExists(jsonPath):
		data, err = os.ReadFile(jsonPath)
		isJSON = true
	default:
		return nil, &ConfigError{Msg: fmt.Sprintf("no config file found at %s or %s", yamlPath, jsonPath)}
	}

	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("read config file: %v", err)}
	}

	cfg := &Config{Host: DefaultHost, Port: DefaultPort}

	if isJSON {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}

	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse config file: %v", err)}
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Exists reports whether a config file is present in the Manager's dir.
func (m *Manager) Exists() bool {
	return fileExists(filepath.Join(m.dir, DefaultYAMLFilename)) || fileExists(filepath.Join(m.dir, DefaultJSONFilename))
}

// Path returns the path of the config file that Load would read, preferring
// YAML over JSON; when neither exists yet it returns the YAML path Save
// would create.
func (m *Manager) Path() string {
	jsonPath := filepath.Join(m.dir, DefaultJSONFilename)
	if !fileExists(filepath.Join(m.dir, DefaultYAMLFilename)) && fileExists(jsonPath) {
		return jsonPath
	}

	return filepath.Join(m.dir, DefaultYAMLFilename)
}

// Save writes cfg as YAML to dir, creating it if needed, and stores it as
// the Manager's current good config.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal YAML config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.dir, DefaultYAMLFilename), data, 0o644); err != nil {
		return fmt.Errorf("write YAML config file: %w", err)
	}

	m.current.Store(cfg)

	return nil
}

// ResolveStage applies the pre/override/post composition law to produce
// the ordered []transform.Config for one stage. explicit
// reports whether the corresponding stage field was present in the
// source document; when false, defaults is returned wrapped by pre/post.
func ResolveStage(pre, stage, post []TransformerConfig, explicit bool, defaults []transform.Config) []transform.Config {
	var out []transform.Config

	for _, c := range pre {
		out = append(out, c.toTransform())
	}

	if explicit {
		for _, c := range stage {
			out = append(out, c.toTransform())
		}
	} else {
		out = append(out, defaults...)
	}

	for _, c := range post {
		out = append(out, c.toTransform())
	}

	return out
}
