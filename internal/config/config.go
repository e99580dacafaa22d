package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string

	// engine tunables, zero means the engine default
	TypingTTL     time.Duration
	OfflineGrace  time.Duration
	SweepInterval time.Duration
	SessionRate   float64
	SessionBurst  int
}

// fileConfig is the on-disk YAML shape. Durations are strings in
// time.ParseDuration form ("1500ms", "5s").
type fileConfig struct {
	ServerAddr     string   `yaml:"server_addr"`
	DatabaseDSN    string   `yaml:"database_dsn"`
	SigningSecret  string   `yaml:"signing_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	TypingTTL      string   `yaml:"typing_ttl"`
	OfflineGrace   string   `yaml:"offline_grace"`
	SweepInterval  string   `yaml:"sweep_interval"`
	SessionRate    float64  `yaml:"session_rate"`
	SessionBurst   int      `yaml:"session_burst"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// FromFile builds a Config from a YAML file.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg, err := NewConfig(fc.ServerAddr, fc.DatabaseDSN, fc.SigningSecret, fc.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	cfg.SessionRate = fc.SessionRate
	cfg.SessionBurst = fc.SessionBurst

	if cfg.TypingTTL, err = parseDuration(fc.TypingTTL); err != nil {
		return nil, fmt.Errorf("typing_ttl: %w", err)
	}
	if cfg.OfflineGrace, err = parseDuration(fc.OfflineGrace); err != nil {
		return nil, fmt.Errorf("offline_grace: %w", err)
	}
	if cfg.SweepInterval, err = parseDuration(fc.SweepInterval); err != nil {
		return nil, fmt.Errorf("sweep_interval: %w", err)
	}

	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	return time.ParseDuration(s)
}
