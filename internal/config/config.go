// Package config loads the service configuration from a YAML file with
// environment-variable overrides for secrets. Process-wide credentials (the
// agent service key, the webhook secret) are injected here at start; their
// absence surfaces as a fatal configuration error at first use, never as a
// silent fallback.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// DBPath is the SQLite database path. Empty selects the default under
	// the user's home directory.
	DBPath string `yaml:"db_path"`
	// APIToken authenticates API callers via the static token
	// authenticator. Env: AUTOTRIAGE_API_TOKEN.
	APIToken string `yaml:"api_token"`
	// APIUser is the user identity API callers map to (settings owner).
	APIUser string `yaml:"api_user"`
	// StatusSource selects the triage read path: "store" (default,
	// authoritative) or "comments" (comment-scan fallback).
	StatusSource string `yaml:"status_source"`

	Agent   AgentConfig   `yaml:"agent"`
	Webhook WebhookConfig `yaml:"webhook"`
	GitHub  GitHubConfig  `yaml:"github"`
}

type AgentConfig struct {
	// Endpoint overrides the agent task service base URL.
	Endpoint string `yaml:"endpoint"`
	// APIKey authenticates against the task service.
	// Env: AUTOTRIAGE_AGENT_API_KEY.
	APIKey string `yaml:"api_key"`
}

type WebhookConfig struct {
	// Secret is the shared HMAC secret for inbound webhooks.
	// Env: AUTOTRIAGE_WEBHOOK_SECRET.
	Secret string `yaml:"secret"`
	// Repos is an optional allowlist of "owner/repo" glob patterns.
	Repos []string `yaml:"repos"`
}

type GitHubConfig struct {
	// Token is a personal access token for posting status comments.
	// Optional; without tracker credentials no comments are posted.
	// Env: AUTOTRIAGE_GITHUB_TOKEN.
	Token string `yaml:"token"`
	// App configures GitHub App installation auth instead of a token.
	App *GitHubAppConfig `yaml:"app"`
	// BaseURL overrides the GitHub API endpoint (for Enterprise or tests).
	BaseURL string `yaml:"base_url"`
}

type GitHubAppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

const (
	defaultListenAddr = "127.0.0.1:7870"
	defaultAPIUser    = "default"
)

// Load reads and parses a config file at the given path, then applies
// environment overrides. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.APIToken, "AUTOTRIAGE_API_TOKEN")
	override(&c.Agent.APIKey, "AUTOTRIAGE_AGENT_API_KEY")
	override(&c.Webhook.Secret, "AUTOTRIAGE_WEBHOOK_SECRET")
	override(&c.GitHub.Token, "AUTOTRIAGE_GITHUB_TOKEN")
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.APIUser == "" {
		c.APIUser = defaultAPIUser
	}
	if c.StatusSource == "" {
		c.StatusSource = "store"
	}
}

func (c *Config) validate() error {
	if c.StatusSource != "store" && c.StatusSource != "comments" {
		return fmt.Errorf("status_source must be \"store\" or \"comments\", got %q", c.StatusSource)
	}
	if c.StatusSource == "comments" && c.GitHub.Token == "" && c.GitHub.App == nil {
		return fmt.Errorf("status_source \"comments\" requires github credentials")
	}
	if c.GitHub.App != nil {
		if c.GitHub.App.ClientID == "" || c.GitHub.App.PrivateKeyPath == "" {
			return fmt.Errorf("github.app requires client_id and private_key_path")
		}
	}
	return nil
}

func override(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
