package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type TwitterConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
}

type NotionConfig struct {
	Token      string `toml:"token"`
	DatabaseID string `toml:"database_id"`
}

type SyncConfig struct {
	IntervalMinutes int    `toml:"interval_minutes"`
	StateFile       string `toml:"state_file"`
	MaxRetries      int    `toml:"max_retries"`
}

type ServerConfig struct {
	Port              string   `toml:"port"`
	QueueDepth        int      `toml:"queue_depth"`
	AllowedSenders    []string `toml:"allowed_senders"`
	RateLimitRequests int      `toml:"rate_limit_requests"`
	RateLimitWindow   int      `toml:"rate_limit_window_seconds"`
	ValidateSignature bool     `toml:"validate_signature"`
	TwilioAuthToken   string   `toml:"twilio_auth_token"`
}

type Config struct {
	Twitter TwitterConfig `toml:"twitter"`
	Notion  NotionConfig  `toml:"notion"`
	Sync    SyncConfig    `toml:"sync"`
	Server  ServerConfig  `toml:"server"`
}

// Load reads the TOML config file when path points at one, then applies
// environment overrides and defaults. A missing file is fine: everything can
// come from the environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TWITTER_CLIENT_ID"); v != "" {
		cfg.Twitter.ClientID = v
	}
	if v := os.Getenv("TWITTER_CLIENT_SECRET"); v != "" {
		cfg.Twitter.ClientSecret = v
	}
	if v := os.Getenv("TWITTER_ACCESS_TOKEN"); v != "" {
		cfg.Twitter.AccessToken = v
	}
	if v := os.Getenv("TWITTER_REFRESH_TOKEN"); v != "" {
		cfg.Twitter.RefreshToken = v
	}
	if v := os.Getenv("NOTION_TOKEN"); v != "" {
		cfg.Notion.Token = v
	}
	if v := os.Getenv("NOTION_DATABASE_ID"); v != "" {
		cfg.Notion.DatabaseID = v
	}
	if v := os.Getenv("SYNC_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.IntervalMinutes = n
		}
	}
	if v := os.Getenv("STATE_FILE_PATH"); v != "" {
		cfg.Sync.StateFile = v
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRetries = n
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("WEBHOOK_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.QueueDepth = n
		}
	}
	if v := os.Getenv("ALLOWED_PHONE_NUMBERS"); v != "" {
		senders := []string{}
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				senders = append(senders, s)
			}
		}
		cfg.Server.AllowedSenders = senders
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimitRequests = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimitWindow = n
		}
	}
	if v := os.Getenv("VALIDATE_TWILIO_SIGNATURE"); v != "" {
		cfg.Server.ValidateSignature = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Server.TwilioAuthToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Sync.IntervalMinutes <= 0 {
		cfg.Sync.IntervalMinutes = 10
	}
	if cfg.Sync.StateFile == "" {
		cfg.Sync.StateFile = "~/.clipsync/state.json"
	}
	cfg.Sync.StateFile = expandHome(cfg.Sync.StateFile)
	if cfg.Sync.MaxRetries <= 0 {
		cfg.Sync.MaxRetries = 5
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.QueueDepth <= 0 {
		cfg.Server.QueueDepth = 1
	}
	if cfg.Server.RateLimitRequests <= 0 {
		cfg.Server.RateLimitRequests = 10
	}
	if cfg.Server.RateLimitWindow <= 0 {
		cfg.Server.RateLimitWindow = 60
	}
}

// ValidateSync checks the fields the poll service cannot run without.
func (c *Config) ValidateSync() error {
	missing := []string{}
	if c.Twitter.AccessToken == "" {
		missing = append(missing, "TWITTER_ACCESS_TOKEN")
	}
	if c.Notion.Token == "" {
		missing = append(missing, "NOTION_TOKEN")
	}
	if c.Notion.DatabaseID == "" {
		missing = append(missing, "NOTION_DATABASE_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateServer checks the fields the webhook service cannot run without.
func (c *Config) ValidateServer() error {
	missing := []string{}
	if c.Notion.Token == "" {
		missing = append(missing, "NOTION_TOKEN")
	}
	if c.Notion.DatabaseID == "" {
		missing = append(missing, "NOTION_DATABASE_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
