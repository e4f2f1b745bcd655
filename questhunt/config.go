package questhunt

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/questhuntapp/questhunt/questhunt/database"
	"github.com/questhuntapp/questhunt/questhunt/services"
)

type Config struct {
	DB     database.Config      `toml:"db"`
	Spaces services.CoverConfig `toml:"spaces"`
	Repair RepairConfig         `toml:"repair"`
}

type RepairConfig struct {
	// IntervalMinutes between automatic reconciliation passes. Zero
	// disables the periodic repair process.
	IntervalMinutes int `toml:"interval_minutes"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.DB.URI == "" {
		return nil, fmt.Errorf("db.uri is required")
	}
	if cfg.DB.Database == "" {
		cfg.DB.Database = "questhunt"
	}
	return &cfg, nil
}
