package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultBufferSize = 100

// ClientConfig holds the settings of the state stream client.
type ClientConfig struct {
	// StateStreamURL is the websocket endpoint of a lending daemon, e.g. ws://localhost:8545/ws.
	StateStreamURL string `yaml:"state_stream_url"`
	BufferSize     uint   `yaml:"buffer_size"`
}

// LoadConfig reads the YAML configuration from disk. STATE_STREAM_URL overrides
// the file.
func LoadConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if url := os.Getenv("STATE_STREAM_URL"); url != "" {
		cfg.StateStreamURL = url
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.StateStreamURL == "" {
		return errors.New("state_stream_url is required")
	}
	if !strings.HasPrefix(c.StateStreamURL, "ws://") && !strings.HasPrefix(c.StateStreamURL, "wss://") {
		return fmt.Errorf("state_stream_url %q must be a websocket URL", c.StateStreamURL)
	}
	return nil
}
