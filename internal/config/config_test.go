package config

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"claude-bridge/internal/crypto"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "https://backend.example.com")
	t.Setenv("BACKEND_API_KEY", "sk-plain")
	t.Setenv("BACKEND_DEPLOYMENTS", "gpt-4o, gpt-4o-mini ,o3-mini")
}

func TestFromEnv(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MODEL_ALIASES", "claude-3-haiku=gpt-4o-mini, Claude-Sonnet-4=gpt-4o")
	t.Setenv("MAX_TOKENS_CAP", "8192")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if len(cfg.Deployments) != 3 || cfg.Deployments[1] != "gpt-4o-mini" {
		t.Errorf("Deployments = %v", cfg.Deployments)
	}
	if cfg.DefaultDeployment != "gpt-4o" {
		t.Errorf("DefaultDeployment = %q", cfg.DefaultDeployment)
	}
	if cfg.ModelAliases["claude-sonnet-4"] != "gpt-4o" {
		t.Errorf("aliases = %v", cfg.ModelAliases)
	}
	if cfg.MaxTokensCap != 8192 {
		t.Errorf("MaxTokensCap = %d", cfg.MaxTokensCap)
	}
}

func TestFromEnvRequiresBackend(t *testing.T) {
	t.Setenv("BACKEND_BASE_URL", "")
	t.Setenv("BACKEND_API_KEY", "sk")
	t.Setenv("BACKEND_DEPLOYMENTS", "gpt-4o")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for missing BACKEND_BASE_URL")
	}
}

func TestFromEnvSealedKey(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	master := base64.StdEncoding.EncodeToString(key)
	cipher, err := crypto.NewAESGCMFromBase64Key(master)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := cipher.EncryptBase64("sk-secret")
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("BACKEND_BASE_URL", "https://backend.example.com")
	t.Setenv("BACKEND_API_KEY", "")
	t.Setenv("BACKEND_API_KEY_ENC", sealed)
	t.Setenv("KEY_ENC_MASTER_B64", master)
	t.Setenv("BACKEND_DEPLOYMENTS", "gpt-4o")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BackendAPIKey != "sk-secret" {
		t.Errorf("BackendAPIKey = %q", cfg.BackendAPIKey)
	}
}

func TestFromEnvRejectsBadAlias(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MODEL_ALIASES", "claude-3-haiku")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for malformed alias")
	}
}
