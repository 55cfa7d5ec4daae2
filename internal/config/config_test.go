package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TASKPIPE_CONFIG", "TASKPIPE_BACKEND_URL", "TASKPIPE_REQUEST_TIMEOUT", "TASKPIPE_TOKEN",
		"TASKPIPE_STATE_DIR", "TASKPIPE_STORE_DSN", "DATABASE_URL", "REDIS_ADDR", "TASKPIPE_CHANNEL",
		"TASKPIPE_API_ADDR", "TASKPIPE_DEBUG", "WHATSAPP_DB_DRIVER", "WHATSAPP_DB_DSN",
		"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKPIPE_STATE_DIR", "/tmp/taskpipe-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BackendURL != DefaultBackendURL {
		t.Errorf("expected backend URL %q, got %q", DefaultBackendURL, cfg.BackendURL)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("expected request timeout %v, got %v", DefaultRequestTimeout, cfg.RequestTimeout)
	}
	if want := filepath.Join("/tmp/taskpipe-test", DefaultStoreFileName); cfg.StoreDSN != want {
		t.Errorf("expected store DSN %q, got %q", want, cfg.StoreDSN)
	}
	if want := filepath.Join("/tmp/taskpipe-test", DefaultWhatsAppDBName); cfg.WhatsApp.DSN != want {
		t.Errorf("expected WhatsApp DSN %q, got %q", want, cfg.WhatsApp.DSN)
	}
	if cfg.WhatsApp.DBDriver != "sqlite3" {
		t.Errorf("expected sqlite3 driver, got %q", cfg.WhatsApp.DBDriver)
	}
	if cfg.Channel != ChannelWhatsApp {
		t.Errorf("expected channel %q, got %q", ChannelWhatsApp, cfg.Channel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "taskpipe.yaml")
	if err := os.WriteFile(path, []byte(`
backend_url: https://tasks.example.com/
request_timeout: 15s
state_dir: /srv/taskpipe
channel: Twilio
twilio:
  account_sid: AC123
  auth_token: secret
  from_number: "+15550001111"
`), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("TASKPIPE_CONFIG", path)
	t.Setenv("TASKPIPE_REQUEST_TIMEOUT", "45s")
	t.Setenv("DATABASE_URL", "postgres://localhost/taskpipe")
	t.Setenv("TASKPIPE_DEBUG", "yes")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BackendURL != "https://tasks.example.com" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.BackendURL)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Errorf("environment should override the file timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.StoreDSN != "postgres://localhost/taskpipe" {
		t.Errorf("unexpected store DSN %q", cfg.StoreDSN)
	}
	if cfg.Channel != ChannelTwilio || cfg.Twilio.AccountSID != "AC123" {
		t.Errorf("unexpected channel config %q %+v", cfg.Channel, cfg.Twilio)
	}
	if !cfg.Debug {
		t.Error("expected debug enabled")
	}
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay returned error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.BackendURL = "tasks.example.com"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for a URL without scheme, got %v", err)
	}

	cfg = Default()
	cfg.Channel = "telegram"
	if err := cfg.ValidateRelay(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for an unknown channel, got %v", err)
	}

	cfg.Channel = ChannelTwilio
	if err := cfg.ValidateRelay(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig without Twilio credentials, got %v", err)
	}
}

func TestWhatsAppDriverFor(t *testing.T) {
	tests := map[string]string{
		"postgres://u@h/db":             "postgres",
		"host=localhost dbname=wa":      "postgres",
		"/var/lib/taskpipe/whatsapp.db": "sqlite3",
	}
	for dsn, want := range tests {
		if got := whatsAppDriverFor(dsn); got != want {
			t.Errorf("whatsAppDriverFor(%q) = %q, want %q", dsn, got, want)
		}
	}
}
