package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "deepscout.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `{
	"llm": {
		"providers": {
			"openai": {
				"api_key": "file-key",
				"models": {
					"balanced": {"name": "gpt-test", "streaming": true}
				}
			}
		}
	}
}`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Address != ":10011" {
		t.Fatalf("default address not applied: %q", cfg.Server.Address)
	}
	if cfg.Search.MaxRetries != 2 || cfg.Search.Timeout != 60*time.Second {
		t.Fatalf("search defaults not applied: %+v", cfg.Search)
	}
	if cfg.Research.MaxDepth != 5 || cfg.Research.Concurrency != 2 {
		t.Fatalf("research defaults not applied: %+v", cfg.Research)
	}
	if cfg.Cache.TTL != 15*time.Minute {
		t.Fatalf("cache TTL default not applied: %v", cfg.Cache.TTL)
	}
	if cfg.LLM.Routing.Default != "balanced" {
		t.Fatalf("routing default not applied: %q", cfg.LLM.Routing.Default)
	}
}

func TestLoadConfigEnvOverridesSecrets(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("SEARCH_API_KEY", "env-search-key")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "env-key" {
		t.Fatalf("OPENAI_API_KEY override lost: %q", got)
	}
	if cfg.Search.APIKey != "env-search-key" {
		t.Fatalf("SEARCH_API_KEY override lost: %q", cfg.Search.APIKey)
	}
}

func TestLoadConfigRejectsUnknownRoutingKey(t *testing.T) {
	path := writeConfig(t, `{
		"llm": {
			"providers": {
				"openai": {
					"api_key": "k",
					"models": {"balanced": {"name": "gpt-test"}}
				}
			},
			"routing": {"default": "balanced", "synthesis": "missing-model"}
		}
	}`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("routing key without a configured model must fail validation")
	}
}

func TestLoadConfigRequiresProviders(t *testing.T) {
	path := writeConfig(t, `{"server": {"address": ":1"}}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("config without providers must fail validation")
	}
}
