package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"` // empty → in-memory store
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"` // empty → in-process event bus
	} `yaml:"redis"`
	Admin struct {
		Token string `yaml:"token"`
	} `yaml:"admin"`
	DataSource struct {
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"` // empty → no scheduled fetching
		APIKey  string `yaml:"api_key"`
	} `yaml:"data_source"`
	Schedule struct {
		FetchCron  string `yaml:"fetch_cron"`
		SettleCron string `yaml:"settle_cron"`
	} `yaml:"schedule"`
	Settlement struct {
		DefaultBalance float64 `yaml:"default_balance"`
		LookupLimit    int     `yaml:"lookup_limit"`
		ChunkSize      int     `yaml:"chunk_size"`
	} `yaml:"settlement"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("DATA_SOURCE_URL"); v != "" {
		cfg.DataSource.BaseURL = v
	}
	if v := os.Getenv("DATA_SOURCE_KEY"); v != "" {
		cfg.DataSource.APIKey = v
	}
	if v := os.Getenv("CRON_FETCH"); v != "" {
		cfg.Schedule.FetchCron = v
	}
	if v := os.Getenv("CRON_SETTLE"); v != "" {
		cfg.Schedule.SettleCron = v
	}

	// Defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Schedule.FetchCron == "" {
		// Saturday 02:00 UTC: markets closed, week's data complete.
		cfg.Schedule.FetchCron = "0 0 2 * * 6"
	}
	if cfg.Schedule.SettleCron == "" {
		// Monday 06:00 UTC: settle the week that just ended.
		cfg.Schedule.SettleCron = "0 0 6 * * 1"
	}
	if cfg.DataSource.Name == "" {
		cfg.DataSource.Name = "primary"
	}
	if cfg.Settlement.DefaultBalance == 0 {
		cfg.Settlement.DefaultBalance = 100000
	}
	if cfg.Settlement.LookupLimit == 0 {
		cfg.Settlement.LookupLimit = 16
	}
	if cfg.Settlement.ChunkSize == 0 {
		cfg.Settlement.ChunkSize = 100
	}

	return cfg, nil
}

// Validate checks that all required fields are consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Settlement.DefaultBalance <= 0 {
		return fmt.Errorf("settlement.default_balance must be positive")
	}
	if c.Settlement.LookupLimit < 1 {
		return fmt.Errorf("settlement.lookup_limit must be at least 1")
	}
	if c.Settlement.ChunkSize < 1 {
		return fmt.Errorf("settlement.chunk_size must be at least 1")
	}
	return nil
}
