package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiafuei/ccproxy/internal/transform"
)

func TestConfig_LoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	cfg := &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Providers: []ProviderConfig{
			{Name: "my-openai", Type: "openai", BaseURL: "https://api.openai.com", APIKey: "sk-test"},
		},
		Models: []ModelConfig{
			{Alias: "gpt-main", Provider: "my-openai", ModelID: "gpt-4o"},
		},
		Routing: RoutingConfig{Default: "gpt-main"},
	}

	require.NoError(t, manager.Save(cfg))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, cfg.Host, loaded.Host)
	assert.Equal(t, cfg.Port, loaded.Port)
	assert.Equal(t, cfg.APIKey, loaded.APIKey)
	require.Len(t, loaded.Providers, 1)
	assert.Equal(t, "my-openai", loaded.Providers[0].Name)
	assert.Equal(t, "gpt-main", loaded.Routing.Default)
}

func TestConfig_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	cfg := &Config{
		Providers: []ProviderConfig{{Name: "a", Type: "anthropic", BaseURL: "https://api.anthropic.com"}},
		Models:    []ModelConfig{{Alias: "main", Provider: "a", ModelID: "claude-3-5-sonnet"}},
		Routing:   RoutingConfig{Default: "main"},
	}

	require.NoError(t, manager.Save(cfg))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, loaded.Port)
	assert.Equal(t, DefaultHost, loaded.Host)
}

func TestConfig_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	_, err := manager.Load()
	assert.Error(t, err)
}

func TestConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, DefaultYAMLFilename), []byte(":::not yaml"), 0o644))

	_, err := manager.Load()
	assert.Error(t, err)
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := &Config{
		Models:  []ModelConfig{{Alias: "main", Provider: "ghost", ModelID: "x"}},
		Routing: RoutingConfig{Default: "main"},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestValidate_UnknownBackendType(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderConfig{{Name: "p", Type: "bogus"}},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestValidate_DanglingRoutingAlias(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderConfig{{Name: "p", Type: "anthropic"}},
		Models:    []ModelConfig{{Alias: "main", Provider: "p", ModelID: "x"}},
		Routing:   RoutingConfig{Default: "main", Background: "missing"},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing.background")
}

func TestValidate_BadAliasShape(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderConfig{{Name: "p", Type: "anthropic"}},
		Models:    []ModelConfig{{Alias: "bad alias!", Provider: "p", ModelID: "x"}},
	}

	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_CapabilityNotSupported(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderConfig{{Name: "p", Type: "openai", Capabilities: []string{"count_tokens"}}},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported capability")
}

func TestConfig_ResolveRoutingAlias_FallsThrough(t *testing.T) {
	cfg := &Config{Routing: RoutingConfig{Default: "main"}}

	assert.Equal(t, "main", cfg.ResolveRoutingAlias("background"))
	assert.Equal(t, "main", cfg.ResolveRoutingAlias("thinking"))
}

func TestResolveStage_ExplicitEmptyOverridesDefault(t *testing.T) {
	defaults := []transform.Config{{ClassPath: "openai.request"}}

	resolved := ResolveStage(nil, nil, nil, true, defaults)
	assert.Empty(t, resolved)

	omitted := ResolveStage(nil, nil, nil, false, defaults)
	assert.Equal(t, defaults, omitted)
}

func TestConfig_YAMLChannelTransformersExplicitDetection(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	yamlConfig := `
providers:
  - name: my-openai
    type: openai
    base_url: https://api.openai.com
    transformers:
      claude:
        request: []
models:
  - alias: gpt-main
    provider: my-openai
    model_id: gpt-4o
routing:
  default: gpt-main
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, DefaultYAMLFilename), []byte(yamlConfig), 0o644))

	cfg, err := manager.Load()
	require.NoError(t, err)

	ct := cfg.Providers[0].Transformers["claude"]
	assert.True(t, ct.RequestSet)
	assert.False(t, ct.ResponseSet)
	assert.Empty(t, ct.Request)
}
