package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jiafuei/ccproxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an example YAML configuration",
	RunE:  runConfigGenerate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configGenerateCmd)

	configGenerateCmd.Flags().BoolP("force", "f", false, "overwrite existing configuration file")
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	color.Blue("%s configuration setup", AppName)

	reader := bufio.NewReader(os.Stdin)

	providerName, err := prompt(reader, "Provider name (e.g. my-openai)")
	if err != nil {
		return err
	}

	providerType, err := prompt(reader, "Provider type (anthropic | openai | openai-responses | gemini)")
	if err != nil {
		return err
	}

	baseURL, err := prompt(reader, "Base URL")
	if err != nil {
		return err
	}

	apiKey, err := prompt(reader, "API key")
	if err != nil {
		return err
	}

	modelID, err := prompt(reader, "Default model id")
	if err != nil {
		return err
	}

	proxyKey, err := prompt(reader, "Gateway API key (optional, for client auth)")
	if err != nil {
		return err
	}

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: proxyKey,
		Providers: []config.ProviderConfig{{
			Name:    providerName,
			Type:    providerType,
			BaseURL: baseURL,
			APIKey:  apiKey,
		}},
		Models: []config.ModelConfig{{
			Alias:    "default",
			Provider: providerName,
			ModelID:  modelID,
		}},
		Routing: config.RoutingConfig{Default: "default"},
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return err
	}

	color.Green("Configuration written to %s", cfgMgr.Path())

	return nil
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Get()
	if err != nil {
		return err
	}

	shown := *cfg
	shown.APIKey = redact(shown.APIKey)

	shown.Providers = append([]config.ProviderConfig(nil), cfg.Providers...)
	for i := range shown.Providers {
		shown.Providers[i].APIKey = redact(shown.Providers[i].APIKey)
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return err
	}

	fmt.Print(string(data))

	return nil
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(baseDir)
	if err != nil {
		color.Red("Invalid: %v", err)
		return err
	}

	color.Green("Configuration is valid (%d providers, %d models)", len(cfg.Providers), len(cfg.Models))

	return nil
}

func runConfigGenerate(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if cfgMgr.Exists() && !force {
		color.Yellow("Configuration already exists at %s (use --force to overwrite)", cfgMgr.Path())
		return nil
	}

	cfg := exampleConfig()

	if err := cfgMgr.Save(cfg); err != nil {
		return err
	}

	color.Green("Example configuration written to %s", cfgMgr.Path())

	return nil
}

func exampleConfig() *config.Config {
	return &config.Config{
		Host: config.DefaultHost,
		Port: config.DefaultPort,
		Providers: []config.ProviderConfig{
			{
				Name:    "my-anthropic",
				Type:    "anthropic",
				BaseURL: "https://api.anthropic.com",
				APIKey:  "sk-ant-...",
			},
			{
				Name:    "my-openai",
				Type:    "openai",
				BaseURL: "https://api.openai.com",
				APIKey:  "sk-...",
			},
			{
				Name:    "my-gemini",
				Type:    "gemini",
				BaseURL: "https://generativelanguage.googleapis.com",
				APIKey:  "...",
			},
		},
		Models: []config.ModelConfig{
			{Alias: "claude-main", Provider: "my-anthropic", ModelID: "claude-sonnet-4-20250514"},
			{Alias: "gpt-main", Provider: "my-openai", ModelID: "gpt-4o"},
			{Alias: "gemini-flash", Provider: "my-gemini", ModelID: "gemini-1.5-flash"},
		},
		Routing: config.RoutingConfig{
			Default:    "claude-main",
			Background: "gemini-flash",
		},
	}
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	fmt.Printf("%s: ", label)

	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}

	return strings.TrimSpace(line), nil
}

func redact(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return s
		}

		return "****"
	}

	return s[:4] + "..." + s[len(s)-4:]
}
