// Package config loads the bot configuration from a JSON5 file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the full bot configuration.
type Config struct {
	XMPP     XMPPConfig     `json:"xmpp"`
	Database DatabaseConfig `json:"database"`
	Cache    CacheConfig    `json:"cache"`
	Chirp    ChirpConfig    `json:"chirp"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// XMPPConfig covers the chat-network side: the preferred identity, any
// secondary identities, and the gateway to dial.
type XMPPConfig struct {
	JID           string   `json:"jid"`
	SecondaryJIDs []string `json:"secondary_jids"`
	Server        string   `json:"server"` // WebSocket URL of the stanza gateway
	Admins        []string `json:"admins"`
}

// DatabaseConfig selects between managed (Postgres) and standalone
// (in-process) storage.
type DatabaseConfig struct {
	Mode        string `json:"mode"` // "managed" or "standalone"
	PostgresDSN string `json:"postgres_dsn"`
}

// CacheConfig configures the shared claim-once cache. With no NATS URL the
// bot falls back to a process-local cache.
type CacheConfig struct {
	NATSURL string `json:"nats_url"`
	Bucket  string `json:"bucket"`
}

// ChirpConfig covers the microblog API.
type ChirpConfig struct {
	BaseURL           string `json:"base_url"`
	ProfileBaseURL    string `json:"profile_base_url"`
	UserAgent         string `json:"user_agent"`
	WatchFreqMinutes  int    `json:"watch_freq_minutes"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	InitialBudget     int    `json:"initial_budget"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Mode: "standalone",
		},
		Cache: CacheConfig{
			Bucket: "birdwatch-dedup",
		},
		Chirp: ChirpConfig{
			BaseURL:           "https://api.chirp.example.com",
			ProfileBaseURL:    "https://chirp.example.com",
			UserAgent:         "BirdWatch",
			WatchFreqMinutes:  10,
			RequestsPerMinute: 60,
			InitialBudget:     100,
		},
		Metrics: MetricsConfig{
			Addr: ":9190",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("BIRDWATCH_JID", &c.XMPP.JID)
	envStr("BIRDWATCH_SERVER", &c.XMPP.Server)
	envStr("BIRDWATCH_DB_MODE", &c.Database.Mode)
	envStr("BIRDWATCH_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("BIRDWATCH_NATS_URL", &c.Cache.NATSURL)
	envStr("BIRDWATCH_CHIRP_BASE_URL", &c.Chirp.BaseURL)
	envStr("BIRDWATCH_METRICS_ADDR", &c.Metrics.Addr)
	envInt("BIRDWATCH_WATCH_FREQ_MINUTES", &c.Chirp.WatchFreqMinutes)

	if v := os.Getenv("BIRDWATCH_SECONDARY_JIDS"); v != "" {
		c.XMPP.SecondaryJIDs = splitList(v)
	}
	if v := os.Getenv("BIRDWATCH_ADMINS"); v != "" {
		c.XMPP.Admins = splitList(v)
	}
}

func (c *Config) validate() error {
	if c.XMPP.JID == "" {
		return fmt.Errorf("config: xmpp.jid is required")
	}
	if c.XMPP.Server == "" {
		return fmt.Errorf("config: xmpp.server is required")
	}
	if c.Database.Mode == "managed" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("config: managed mode requires database.postgres_dsn")
	}
	if c.Chirp.WatchFreqMinutes < 1 {
		return fmt.Errorf("config: chirp.watch_freq_minutes must be at least 1")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
