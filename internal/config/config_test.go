package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "researchd.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":8050" {
		t.Fatalf("unexpected address: %q", cfg.Server.Address)
	}
	if cfg.Server.AuthTokenEnv != "RESEARCHD_AUTH_TOKEN" {
		t.Fatalf("unexpected auth token env: %q", cfg.Server.AuthTokenEnv)
	}
	if cfg.Storage.TaskStore.Driver != "memory" || cfg.Storage.TaskStore.Retries != 3 {
		t.Fatalf("unexpected task store defaults: %+v", cfg.Storage.TaskStore)
	}
	if cfg.TaskQueue.Driver != "memory" || cfg.TaskQueue.Worker != 2 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.TaskQueue)
	}
	if cfg.TaskQueue.Redis.Queue != "researchd:tasks" || cfg.TaskQueue.RabbitMQ.Queue != "researchd.tasks" {
		t.Fatalf("unexpected queue names: %+v", cfg.TaskQueue)
	}
	if cfg.LLM.Timeout() != 300*time.Second {
		t.Fatalf("unexpected llm timeout: %v", cfg.LLM.Timeout())
	}
	if cfg.LLM.OpenAI.APIKeyEnv != "OPENAI_API_KEY" || cfg.LLM.Groq.APIKeyEnv != "GROQ_API_KEY" {
		t.Fatalf("unexpected credential envs: %+v", cfg.LLM)
	}
	if cfg.Exa.APIKeyEnv != "EXA_API_KEY" || cfg.Exa.Timeout() != 60*time.Second {
		t.Fatalf("unexpected exa defaults: %+v", cfg.Exa)
	}
	if cfg.Agent.MemoryDepth != 5 || cfg.Agent.MaxToolRounds != 8 {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if !filepath.IsAbs(cfg.Runtime.DataDir) {
		t.Fatalf("data dir should resolve to an absolute path: %q", cfg.Runtime.DataDir)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
		"agent": {"profile_path": "researcher.yaml"},
		"knowledge": {"source": "knowledge.json"},
		"runtime": {"data_dir": "data"}
	}`)
	base := filepath.Dir(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Agent.ProfilePath != filepath.Join(base, "researcher.yaml") {
		t.Fatalf("unexpected profile path: %q", cfg.Agent.ProfilePath)
	}
	if cfg.Knowledge.Source != filepath.Join(base, "knowledge.json") {
		t.Fatalf("unexpected knowledge source: %q", cfg.Knowledge.Source)
	}
	if cfg.Runtime.DataDir != filepath.Join(base, "data") {
		t.Fatalf("unexpected data dir: %q", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCredentialResolvePrefersInlineKey(t *testing.T) {
	t.Setenv("TEST_CONFIG_KEY", "from-env")
	cred := CredentialConfig{APIKey: " inline ", APIKeyEnv: "TEST_CONFIG_KEY"}
	if got := cred.Resolve(); got != "inline" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestCredentialResolveReadsEnvAtCallTime(t *testing.T) {
	cred := CredentialConfig{APIKeyEnv: "TEST_CONFIG_LATE_KEY"}
	if got := cred.Resolve(); got != "" {
		t.Fatalf("expected empty before env is set, got %q", got)
	}
	t.Setenv("TEST_CONFIG_LATE_KEY", "late-value")
	if got := cred.Resolve(); got != "late-value" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestServerResolveToken(t *testing.T) {
	t.Setenv("TEST_CONFIG_TOKEN", "env-token")
	server := ServerConfig{AuthTokenEnv: "TEST_CONFIG_TOKEN"}
	if got := server.ResolveToken(); got != "env-token" {
		t.Fatalf("unexpected token: %q", got)
	}
	server.AuthToken = "inline-token"
	if got := server.ResolveToken(); got != "inline-token" {
		t.Fatalf("inline token should win, got %q", got)
	}
}

func TestAlertingDefaultsChannel(t *testing.T) {
	path := writeConfig(t, `{"alerting": {"slack_webhook_url": "https://hooks.slack.invalid/T000"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Alerting.SlackChannel != "#research-alerts" {
		t.Fatalf("unexpected channel: %q", cfg.Alerting.SlackChannel)
	}
}
