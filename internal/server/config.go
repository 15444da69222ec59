package server

import (
	"time"
)

// Config holds the server configuration.
type Config struct {
	Host              string        `env:"HOST"`                // default: "127.0.0.1"
	Port              int           `env:"PORT"`                // default: 8080
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"` // default: 5s
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT"`        // default: 2m
	Swagger           bool          `env:"SWAGGER"`
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 8080
	}
	return p
}

func (c *Config) readHeaderTimeout() time.Duration {
	d := c.ReadHeaderTimeout
	if d == 0 {
		d = 5 * time.Second
	}
	return d
}

func (c *Config) idleTimeout() time.Duration {
	d := c.IdleTimeout
	if d == 0 {
		d = 2 * time.Minute
	}
	return d
}
