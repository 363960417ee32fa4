package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_EmptyPath_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:7870" {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
	if cfg.APIUser != "default" {
		t.Errorf("APIUser = %q, want default", cfg.APIUser)
	}
	if cfg.StatusSource != "store" {
		t.Errorf("StatusSource = %q, want store", cfg.StatusSource)
	}
}

func TestLoad_FullFile_ParsesAllFields(t *testing.T) {
	path := writeConfig(t, `
listen_addr: "0.0.0.0:9000"
db_path: /var/lib/autotriage/state.db
api_token: file-token
api_user: ops
status_source: store
agent:
  endpoint: https://tasks.internal.example
  api_key: agent-key
webhook:
  secret: hook-secret
  repos:
    - acme/*
    - otherorg/widgets
github:
  token: gh-token
  base_url: https://ghe.example/api/v3/
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DBPath != "/var/lib/autotriage/state.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.APIToken != "file-token" || cfg.APIUser != "ops" {
		t.Errorf("api credentials = %q/%q", cfg.APIToken, cfg.APIUser)
	}
	if cfg.Agent.Endpoint != "https://tasks.internal.example" || cfg.Agent.APIKey != "agent-key" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Webhook.Secret != "hook-secret" || len(cfg.Webhook.Repos) != 2 {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if cfg.GitHub.Token != "gh-token" || cfg.GitHub.BaseURL != "https://ghe.example/api/v3/" {
		t.Errorf("github = %+v", cfg.GitHub)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
api_token: file-token
agent:
  api_key: file-key
webhook:
  secret: file-secret
github:
  token: file-gh
`)

	t.Setenv("AUTOTRIAGE_API_TOKEN", "env-token")
	t.Setenv("AUTOTRIAGE_AGENT_API_KEY", "env-key")
	t.Setenv("AUTOTRIAGE_WEBHOOK_SECRET", "env-secret")
	t.Setenv("AUTOTRIAGE_GITHUB_TOKEN", "env-gh")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIToken != "env-token" {
		t.Errorf("APIToken = %q, want env override", cfg.APIToken)
	}
	if cfg.Agent.APIKey != "env-key" {
		t.Errorf("Agent.APIKey = %q, want env override", cfg.Agent.APIKey)
	}
	if cfg.Webhook.Secret != "env-secret" {
		t.Errorf("Webhook.Secret = %q, want env override", cfg.Webhook.Secret)
	}
	if cfg.GitHub.Token != "env-gh" {
		t.Errorf("GitHub.Token = %q, want env override", cfg.GitHub.Token)
	}
}

func TestLoad_MissingFile_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedYAML_Errors(t *testing.T) {
	path := writeConfig(t, "listen_addr: [not: closed")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoad_InvalidStatusSource_Errors(t *testing.T) {
	path := writeConfig(t, "status_source: ledger")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown status source")
	}
}

func TestLoad_CommentsSource_RequiresGitHubCredentials(t *testing.T) {
	path := writeConfig(t, "status_source: comments")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for comments source without credentials")
	}

	path = writeConfig(t, `
status_source: comments
github:
  token: gh-token
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed with credentials present: %v", err)
	}
}

func TestLoad_AppConfig_RequiresClientIDAndKeyPath(t *testing.T) {
	path := writeConfig(t, `
github:
  app:
    installation_id: 42
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for incomplete app config")
	}

	path = writeConfig(t, `
github:
  app:
    client_id: Iv1.abc123
    installation_id: 42
    private_key_path: /etc/autotriage/app.pem
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GitHub.App == nil || cfg.GitHub.App.InstallationID != 42 {
		t.Errorf("app = %+v", cfg.GitHub.App)
	}
}
