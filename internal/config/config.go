package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig is the full server configuration. Values come from an optional
// YAML file (KNIGHT_CONFIG) overridden by environment variables.
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	ValidateMoves bool `yaml:"validate_moves"`

	SendBuffer      int `yaml:"send_buffer"`
	StoreTimeoutSec int `yaml:"store_timeout_sec"`
}

// Load builds the configuration with defaults, file overlay, then env.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:      ":3001",
		SendBuffer:      32,
		StoreTimeoutSec: 5,
	}

	if path := strings.TrimSpace(os.Getenv("KNIGHT_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("VALIDATE_MOVES")); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.ValidateMoves = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("SEND_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SendBuffer = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("STORE_TIMEOUT")); v != "" { // seconds
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StoreTimeoutSec = n
		}
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
