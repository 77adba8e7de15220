package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "GOCHATROOM"

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.workers", 15)
	v.SetDefault("server.maxFrameBytes", 64*1024)
	v.SetDefault("server.maxPendingBytes", 4*1024*1024)
	v.SetDefault("server.readBufferBytes", 4096)
	v.SetDefault("server.maxEvents", 1024)
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./chat.db")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.address", ":9000")
	v.SetDefault("gateway.upstream", "")
	v.SetDefault("gateway.readTimeout", "60s")
	v.SetDefault("gateway.auth.jwtSecret", "")
	v.SetDefault("gateway.connectionLimit.maxPerIP", 0)
	v.SetDefault("gateway.connectionLimit.mode", "reject")
	v.SetDefault("log.level", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	}
	if c.Server.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.maxFrameBytes must be positive, got %d", c.Server.MaxFrameBytes)
	}
	if c.Server.MaxPendingBytes < c.Server.MaxFrameBytes {
		return fmt.Errorf("server.maxPendingBytes (%d) must be at least server.maxFrameBytes (%d)",
			c.Server.MaxPendingBytes, c.Server.MaxFrameBytes)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Gateway.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("unknown gateway.connectionLimit.mode %q", c.Gateway.ConnectionLimit.Mode)
	}
	return nil
}
