// Package config loads server configuration from SW_-prefixed environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr          string        `env:"SW_ADDR" envDefault:":8080"`
	JWTSecret     string        `env:"SW_JWT_SECRET" envDefault:"syncwave-dev-secret"`
	PingInterval  time.Duration `env:"SW_PING_INTERVAL" envDefault:"30s"`
	PongTimeout   time.Duration `env:"SW_PONG_TIMEOUT" envDefault:"10s"`
	WriteTimeout  time.Duration `env:"SW_WRITE_TIMEOUT" envDefault:"10s"`
	SendBuffer    int           `env:"SW_SEND_BUFFER" envDefault:"256"`
	MaxFrameBytes int64         `env:"SW_MAX_FRAME_BYTES" envDefault:"65536"`
	ShutdownGrace time.Duration `env:"SW_SHUTDOWN_GRACE" envDefault:"10s"`
	LogLevel      string        `env:"SW_LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
