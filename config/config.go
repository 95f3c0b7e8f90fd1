// Package config loads the engine's configuration from an optional .env
// file and a YAML file, with sensible defaults for everything.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/settlement-engine/engine"
	"github.com/warp/settlement-engine/money"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Settlement SettlementConfig `yaml:"settlement"`
	Money      MoneyConfig      `yaml:"money"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SettlementConfig struct {
	WorkerExpiration  time.Duration `yaml:"worker_expiration"`
	MaxCleanups       int           `yaml:"max_cleanups"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	DepositExpiration time.Duration `yaml:"deposit_expiration"`
	MaxUpdateAttempts int           `yaml:"max_update_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
}

type MoneyConfig struct {
	Scale    int32  `yaml:"scale"`
	Rounding string `yaml:"rounding"` // "half-even", "up", "down"
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "settlement.db"},
		Settlement: SettlementConfig{
			WorkerExpiration:  time.Minute,
			MaxCleanups:       2,
			SweepInterval:     time.Minute,
			DepositExpiration: time.Hour,
			MaxUpdateAttempts: 50,
			RetryBackoff:      10 * time.Millisecond,
		},
		Money: MoneyConfig{Scale: money.DefaultScale, Rounding: "half-even"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults. A missing .env file
// or a missing config file is not an error; environment variables
// SETTLED_ADDR and SETTLED_DB override the corresponding fields.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if addr := os.Getenv("SETTLED_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if db := os.Getenv("SETTLED_DB"); db != "" {
		cfg.Database.Path = db
	}
	return cfg, nil
}

// EngineOptions maps the settlement section onto engine.Options.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		WorkerExpiration:  c.Settlement.WorkerExpiration,
		MaxCleanups:       c.Settlement.MaxCleanups,
		SweepInterval:     c.Settlement.SweepInterval,
		DepositExpiration: c.Settlement.DepositExpiration,
		MaxUpdateAttempts: c.Settlement.MaxUpdateAttempts,
		RetryBackoff:      c.Settlement.RetryBackoff,
	}
}

// RoundingMode resolves the configured rounding mode name.
func (c Config) RoundingMode() money.RoundingMode {
	switch c.Money.Rounding {
	case "up":
		return money.RoundUp
	case "down":
		return money.RoundDown
	default:
		return money.RoundHalfEven
	}
}
