// File: config.go
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

/* ====================
   Config & Inputs
   ==================== */

type AppConfig struct {
	ServerPort int `yaml:"server_port"`
	Ticker     struct {
		Mode                  string `yaml:"mode"` // tradingview | simulated
		URL                   string `yaml:"url"`
		Origin                string `yaml:"origin"`
		AuthToken             string `yaml:"auth_token"`
		BatchSize             int    `yaml:"batch_size"`
		BatchDelayMs          int    `yaml:"batch_delay_ms"`
		ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds"`
		HealthCheckMinutes    int    `yaml:"health_check_minutes"`
		SimIntervalMs         int    `yaml:"sim_interval_ms"`
	} `yaml:"ticker"`
	Stream struct {
		InitialStateDelayMs int `yaml:"initial_state_delay_ms"`
		ClientBuffer        int `yaml:"client_buffer"`
		KeepaliveSeconds    int `yaml:"keepalive_seconds"`
	} `yaml:"stream"`
	Admin struct {
		RepairSettleSeconds int `yaml:"repair_settle_seconds"`
	} `yaml:"admin"`
	Watchlist struct {
		Backend       string `yaml:"backend"` // file | redis
		File          string `yaml:"file"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		KeyPrefix     string `yaml:"key_prefix"`
	} `yaml:"watchlist"`
	Auth struct {
		CookieName string `yaml:"cookie_name"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | console
	} `yaml:"logging"`

	// from .env, never from config.yaml
	SessionSecret string `yaml:"-"`
}

func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

// loadConfig reads path (a missing file means all defaults), applies env overrides
// from the already-loaded environment, then fills defaults.
func loadConfig(path string, getenv func(string) string) (AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("load %s: %w", path, err)
	}

	cfg.SessionSecret = strings.TrimSpace(getenv("SESSION_SECRET"))
	if cfg.ServerPort == 0 {
		if p := strings.TrimSpace(getenv("PORT")); p != "" {
			if v, _ := strconv.Atoi(p); v > 0 {
				cfg.ServerPort = v
			}
		}
	}
	if m := strings.TrimSpace(getenv("TICKER_MODE")); m != "" {
		cfg.Ticker.Mode = m
	}
	if a := strings.TrimSpace(getenv("REDIS_ADDR")); a != "" {
		cfg.Watchlist.RedisAddr = a
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 8089
	}
	cfg.Ticker.Mode = strings.ToLower(strings.TrimSpace(cfg.Ticker.Mode))
	if cfg.Ticker.Mode == "" {
		cfg.Ticker.Mode = "tradingview"
	}
	if cfg.Ticker.BatchSize <= 0 {
		cfg.Ticker.BatchSize = 50
	}
	if cfg.Ticker.BatchDelayMs <= 0 {
		cfg.Ticker.BatchDelayMs = 200
	}
	if cfg.Ticker.ReconnectDelaySeconds <= 0 {
		cfg.Ticker.ReconnectDelaySeconds = 5
	}
	if cfg.Ticker.HealthCheckMinutes <= 0 {
		cfg.Ticker.HealthCheckMinutes = 5
	}
	if cfg.Ticker.SimIntervalMs <= 0 {
		cfg.Ticker.SimIntervalMs = 1000
	}
	if cfg.Stream.InitialStateDelayMs <= 0 {
		cfg.Stream.InitialStateDelayMs = 2000
	}
	if cfg.Stream.ClientBuffer <= 0 {
		cfg.Stream.ClientBuffer = 256
	}
	if cfg.Stream.KeepaliveSeconds <= 0 {
		cfg.Stream.KeepaliveSeconds = 25
	}
	if cfg.Admin.RepairSettleSeconds <= 0 {
		cfg.Admin.RepairSettleSeconds = 2
	}
	cfg.Watchlist.Backend = strings.ToLower(strings.TrimSpace(cfg.Watchlist.Backend))
	if cfg.Watchlist.Backend == "" {
		cfg.Watchlist.Backend = "file"
	}
	if strings.TrimSpace(cfg.Watchlist.File) == "" {
		cfg.Watchlist.File = "watchlist.yaml"
	}
	if cfg.Watchlist.RedisAddr == "" {
		cfg.Watchlist.RedisAddr = "localhost:6379"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg AppConfig) error {
	switch cfg.Ticker.Mode {
	case "tradingview", "simulated":
	default:
		return fmt.Errorf("ticker.mode %q: want tradingview or simulated", cfg.Ticker.Mode)
	}
	switch cfg.Watchlist.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("watchlist.backend %q: want file or redis", cfg.Watchlist.Backend)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q: want json or console", cfg.Logging.Format)
	}
	return nil
}

func (c AppConfig) batchDelay() time.Duration {
	return time.Duration(c.Ticker.BatchDelayMs) * time.Millisecond
}

func (c AppConfig) reconnectDelay() time.Duration {
	return time.Duration(c.Ticker.ReconnectDelaySeconds) * time.Second
}

func (c AppConfig) healthInterval() time.Duration {
	return time.Duration(c.Ticker.HealthCheckMinutes) * time.Minute
}

func newLogger(cfg AppConfig) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return nil, fmt.Errorf("logging.level %q: %w", cfg.Logging.Level, err)
	}
	var zc zap.Config
	if cfg.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
