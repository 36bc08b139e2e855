package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ClientConfig represents the client configuration file, generalized from
// the teacher's inline Config struct in cmd/client/main.go into a shared
// package both binaries can load through.
type ClientConfig struct {
	Server             string `yaml:"server"`
	Token              string `yaml:"token"`
	Subdomain          string `yaml:"subdomain"`
	Debug              *bool  `yaml:"debug"`
	Reconnect          *bool  `yaml:"reconnect"`
	MaxRetries         *int   `yaml:"max_retries"`
	LocalHost          string `yaml:"local_host"`
	ForwardTimeoutSecs *int   `yaml:"forward_timeout_secs"`
}

// LoadClientConfig loads configuration from path, or from ~/.otun.yaml if
// path is empty. Returns nil, nil if no config file exists.
func LoadClientConfig(path string) (*ClientConfig, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		path = filepath.Join(home, ".otun.yaml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}
