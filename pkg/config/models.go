package config

import "time"

type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Gateway GatewayConfig
	Log     LogConfig
}

// ServerConfig configures the chat listener. Workers sizes both the worker
// pool and the store session pool.
type ServerConfig struct {
	Address         string
	Workers         int           `mapstructure:"workers"`
	MaxFrameBytes   int           `mapstructure:"maxFrameBytes"`
	MaxPendingBytes int           `mapstructure:"maxPendingBytes"`
	ReadBufferBytes int           `mapstructure:"readBufferBytes"`
	MaxEvents       int           `mapstructure:"maxEvents"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "memory"
	Path   string `mapstructure:"path"`
}

// GatewayConfig configures the HTTP listener at Address, which serves
// /metrics and, when Enabled, the /ws gateway. An empty Upstream means the
// chat listener of this process.
type GatewayConfig struct {
	Enabled         bool                  `mapstructure:"enabled"`
	Address         string                `mapstructure:"address"`
	Upstream        string                `mapstructure:"upstream"`
	ReadTimeout     time.Duration         `mapstructure:"readTimeout"`
	Auth            AuthConfig            `mapstructure:"auth"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type LogConfig struct {
	Level string
}
