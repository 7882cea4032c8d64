package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnvOverride(t *testing.T) {
	t.Setenv("LOANCHAT_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("LOANCHAT_SERVER_LISTEN_ADDR", ":9090")
	t.Setenv("LOANCHAT_CHAT_TYPING_TTL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("expected listen addr :9090, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Chat.TypingTTL != 5*time.Second {
		t.Errorf("expected typing ttl 5s, got %s", cfg.Chat.TypingTTL)
	}
	if cfg.Server.AuthTimeout != 10*time.Second {
		t.Errorf("expected default auth timeout 10s, got %s", cfg.Server.AuthTimeout)
	}
	if cfg.RateLimit.SendLimit != 20 {
		t.Errorf("expected default send limit 20, got %d", cfg.RateLimit.SendLimit)
	}
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LOANCHAT_AUTH_JWT_SECRET=fromfile\nLOANCHAT_NATS_URL=nats://n1:4222\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("LOANCHAT_AUTH_JWT_SECRET")
		os.Unsetenv("LOANCHAT_NATS_URL")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "fromfile" {
		t.Errorf("expected secret from .env, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.NATS.URL != "nats://n1:4222" {
		t.Errorf("expected nats url from .env, got %q", cfg.NATS.URL)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("LOANCHAT_AUTH_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without a JWT secret")
	}
}
