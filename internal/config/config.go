package config

import "time"

// Config is the root configuration for the bundled commands.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Database      DBConfig            `yaml:"database"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Health        HealthConfig        `yaml:"health"`
}

// HomeAssistantConfig holds the websocket endpoint and credentials.
type HomeAssistantConfig struct {
	URL string `yaml:"url"`
	// Token may be left empty to fall back to the SUPERVISOR_TOKEN
	// environment variable inside a Home Assistant add-on.
	Token string `yaml:"token"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds batch writer settings.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
