// Package config assembles TaskPipe configuration from defaults, an optional
// YAML file, a .env file and the environment. Command-line flags are applied
// last by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

// Relay channels.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
)

// Defaults.
const (
	DefaultBackendURL     = "http://localhost:5000"
	DefaultRequestTimeout = 60 * time.Second
	DefaultAPIAddr        = ":8080"
	DefaultStoreFileName  = "taskpipe.bolt"
	DefaultWhatsAppDBName = "whatsapp.db"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every setting of the CLI and the relay.
type Config struct {
	BackendURL     string        `yaml:"backend_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Token          string        `yaml:"token"`
	StateDir       string        `yaml:"state_dir"`
	StoreDSN       string        `yaml:"store_dsn"`
	RedisAddr      string        `yaml:"redis_addr"`
	Channel        string        `yaml:"channel"`
	APIAddr        string        `yaml:"api_addr"`
	Debug          bool          `yaml:"debug"`

	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Twilio   TwilioConfig   `yaml:"twilio"`
}

// WhatsAppConfig configures the whatsmeow relay.
type WhatsAppConfig struct {
	DBDriver    string `yaml:"db_driver"`
	DSN         string `yaml:"dsn"`
	QROutput    string `yaml:"qr_output"`
	NumericCode bool   `yaml:"numeric_code"`
}

// TwilioConfig configures the Twilio relay.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	// WebhookURL is the public base URL Twilio calls, used to verify signatures
	// behind a proxy. Empty means the request's own host.
	WebhookURL string `yaml:"webhook_url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BackendURL:     DefaultBackendURL,
		RequestTimeout: DefaultRequestTimeout,
		StateDir:       DefaultStateDir(),
		Channel:        ChannelWhatsApp,
		APIAddr:        DefaultAPIAddr,
	}
}

// DefaultStateDir returns $XDG_STATE_HOME/taskpipe, falling back to
// ~/.local/state/taskpipe and finally to a directory under the temp dir.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "taskpipe")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "taskpipe")
	}
	return filepath.Join(os.TempDir(), "taskpipe")
}

// Load builds the configuration. path names a YAML file; when empty,
// $TASKPIPE_CONFIG is consulted. A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil {
		slog.Debug("Config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("Config.Load: loaded .env file")
	}

	if path == "" {
		path = os.Getenv("TASKPIPE_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()
	cfg.Finalize()

	slog.Debug("Config.Load: configuration loaded",
		"backend_url", cfg.BackendURL,
		"request_timeout", cfg.RequestTimeout,
		"token_set", cfg.Token != "",
		"state_dir", cfg.StateDir,
		"store_dsn_set", cfg.StoreDSN != "",
		"redis_addr", cfg.RedisAddr,
		"channel", cfg.Channel,
		"api_addr", cfg.APIAddr)
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	slog.Debug("Config.loadFile: applied config file", "path", path)
	return nil
}

func (c *Config) applyEnv() {
	c.BackendURL = util.StringEnv("TASKPIPE_BACKEND_URL", c.BackendURL)
	c.RequestTimeout = util.ParseDurationEnv("TASKPIPE_REQUEST_TIMEOUT", c.RequestTimeout)
	c.Token = util.StringEnv("TASKPIPE_TOKEN", c.Token)
	c.StateDir = util.StringEnv("TASKPIPE_STATE_DIR", c.StateDir)
	c.StoreDSN = util.StringEnv("DATABASE_URL", c.StoreDSN)
	c.StoreDSN = util.StringEnv("TASKPIPE_STORE_DSN", c.StoreDSN)
	c.RedisAddr = util.StringEnv("REDIS_ADDR", c.RedisAddr)
	c.Channel = util.StringEnv("TASKPIPE_CHANNEL", c.Channel)
	c.APIAddr = util.StringEnv("TASKPIPE_API_ADDR", c.APIAddr)
	c.Debug = util.ParseBoolEnv("TASKPIPE_DEBUG", c.Debug)

	c.WhatsApp.DBDriver = util.StringEnv("WHATSAPP_DB_DRIVER", c.WhatsApp.DBDriver)
	c.WhatsApp.DSN = util.StringEnv("WHATSAPP_DB_DSN", c.WhatsApp.DSN)
	c.WhatsApp.QROutput = util.StringEnv("TASKPIPE_QR_OUTPUT", c.WhatsApp.QROutput)
	c.WhatsApp.NumericCode = util.ParseBoolEnv("TASKPIPE_NUMERIC_CODE", c.WhatsApp.NumericCode)

	c.Twilio.AccountSID = util.StringEnv("TWILIO_ACCOUNT_SID", c.Twilio.AccountSID)
	c.Twilio.AuthToken = util.StringEnv("TWILIO_AUTH_TOKEN", c.Twilio.AuthToken)
	c.Twilio.FromNumber = util.StringEnv("TWILIO_FROM_NUMBER", c.Twilio.FromNumber)
	c.Twilio.WebhookURL = util.StringEnv("TWILIO_WEBHOOK_URL", c.Twilio.WebhookURL)
}

// Finalize fills settings derived from others. It is called by Load and
// again by the caller after flags change StateDir.
func (c *Config) Finalize() {
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	c.Channel = strings.ToLower(strings.TrimSpace(c.Channel))
	if c.StoreDSN == "" {
		c.StoreDSN = filepath.Join(c.StateDir, DefaultStoreFileName)
	}
	if c.WhatsApp.DSN == "" {
		c.WhatsApp.DSN = filepath.Join(c.StateDir, DefaultWhatsAppDBName)
	}
	if c.WhatsApp.DBDriver == "" {
		c.WhatsApp.DBDriver = whatsAppDriverFor(c.WhatsApp.DSN)
	}
}

func whatsAppDriverFor(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// Validate checks the settings the conversation needs.
func (c Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: backend URL %q must be absolute", ErrInvalidConfig, c.BackendURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// ValidateRelay checks the settings of the relay channel.
func (c Config) ValidateRelay() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch c.Channel {
	case ChannelWhatsApp:
		return nil
	case ChannelTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.FromNumber == "" {
			return fmt.Errorf("%w: twilio channel requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER", ErrInvalidConfig)
		}
		if c.APIAddr == "" {
			return fmt.Errorf("%w: twilio channel requires an API address for the webhook", ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidConfig, c.Channel)
	}
}
