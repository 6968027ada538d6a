package config

import (
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.HomeAssistant.URL, "ws://") && !strings.HasPrefix(c.HomeAssistant.URL, "wss://") {
		return fmt.Errorf("homeassistant.url must be a ws:// or wss:// endpoint, got %q", c.HomeAssistant.URL)
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.Recorder.BatchSize < 1 {
		return fmt.Errorf("recorder.batch_size must be >= 1")
	}
	if c.Recorder.BufferSize < 1 {
		return fmt.Errorf("recorder.buffer_size must be >= 1")
	}
	if c.Recorder.FlushInterval <= 0 {
		return fmt.Errorf("recorder.flush_interval must be positive")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
