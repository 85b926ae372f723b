package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the relay monitor page.
type Config struct {
	// AssetsDir overrides files under /assets/. Empty serves nothing there.
	AssetsDir      string
	Title          string
	StatusInterval time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Title:          "Screen Stream Relay",
		StatusInterval: 2 * time.Second,
	}
}
