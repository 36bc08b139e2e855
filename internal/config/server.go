// Package config loads the YAML-plus-environment-override configuration
// shared by the server and client binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the root of the server's configuration file.
type ServerConfig struct {
	Server ServerSection          `yaml:"server"`
	Tokens map[string]TokenConfig `yaml:"tokens"`
	Limits LimitsConfig           `yaml:"limits"`
	HTTPS  *HTTPSConfig           `yaml:"https"`
	ACME   *HTTPSConfig           `yaml:"acme"` // legacy spelling, see mergeHTTPS
}

// ServerSection configures the listeners and control protocol.
type ServerSection struct {
	Domain      string `yaml:"domain"`
	HTTPPort    int    `yaml:"http_port"`
	HTTPSPort   int    `yaml:"https_port"`
	ControlPath string `yaml:"control_path"`
}

// TokenConfig is one entry of the tokens map: the token value is the map
// key, the rest describes what it's allowed to do.
type TokenConfig struct {
	Admin      bool `yaml:"admin"`
	MaxTunnels int  `yaml:"max_tunnels"`
}

// LimitsConfig bounds per-request and per-tunnel resource use.
type LimitsConfig struct {
	RequestTimeoutSecs   int   `yaml:"request_timeout_secs"`
	MaxRequestBodyBytes  int64 `yaml:"max_request_body_bytes"`
	IdleTunnelTimeoutSecs int  `yaml:"idle_tunnel_timeout_secs"`
}

// HTTPSConfig turns on TLS + ACME issuance when present.
type HTTPSConfig struct {
	Email     string `yaml:"email"`
	CertsDir  string `yaml:"certs_dir"`
	Directory string `yaml:"directory"`
	Staging   bool   `yaml:"staging"`
	CAFile    string `yaml:"ca_file"`
}

func defaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTPPort:    80,
			HTTPSPort:   443,
			ControlPath: "/_tunnel/connect",
		},
		Tokens: make(map[string]TokenConfig),
		Limits: LimitsConfig{
			RequestTimeoutSecs:    30,
			MaxRequestBodyBytes:   10 * 1024 * 1024,
			IdleTunnelTimeoutSecs: 3600,
		},
	}
}

// LoadServerConfig reads path (if non-empty and present), applies defaults
// for anything left unset, resolves the [acme]/[https] spelling conflict,
// and layers environment overrides on top.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := defaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		loaded := defaultServerConfig()
		if err := yaml.Unmarshal(data, loaded); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = loaded
	}

	mergeHTTPSAliases(cfg)
	applyServerEnvOverrides(cfg)

	return cfg, nil
}

// mergeHTTPSAliases resolves the spec's two accepted config section names
// for the TLS/ACME block. [https] wins when both are present and disagree;
// the conflict is logged rather than silently dropped.
func mergeHTTPSAliases(cfg *ServerConfig) {
	if cfg.ACME == nil {
		return
	}
	if cfg.HTTPS == nil {
		cfg.HTTPS = cfg.ACME
		return
	}
	if *cfg.HTTPS != *cfg.ACME {
		log.Warn("both [https] and legacy [acme] config sections are set with differing values; [https] wins")
	}
}

// applyServerEnvOverrides applies the fixed OTUN_SERVER_*-style mapping
// documented for the server config. File < env in precedence.
func applyServerEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("OTUN_SERVER_DOMAIN"); v != "" {
		cfg.Server.Domain = v
	}
	if v := os.Getenv("OTUN_SERVER_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = n
		}
	}
	if v := os.Getenv("OTUN_SERVER_HTTPS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPSPort = n
		}
	}
	if v := os.Getenv("OTUN_SERVER_CONTROL_PATH"); v != "" {
		cfg.Server.ControlPath = v
	}

	if v := os.Getenv("OTUN_LIMITS_REQUEST_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.RequestTimeoutSecs = n
		}
	}
	if v := os.Getenv("OTUN_LIMITS_MAX_REQUEST_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MaxRequestBodyBytes = n
		}
	}
	if v := os.Getenv("OTUN_LIMITS_IDLE_TUNNEL_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.IdleTunnelTimeoutSecs = n
		}
	}

	if v := os.Getenv("OTUN_HTTPS_EMAIL"); v != "" {
		cfg.ensureHTTPS().Email = v
	}
	if v := os.Getenv("OTUN_HTTPS_CERTS_DIR"); v != "" {
		cfg.ensureHTTPS().CertsDir = v
	}
	if v := os.Getenv("OTUN_HTTPS_DIRECTORY"); v != "" {
		cfg.ensureHTTPS().Directory = v
	}
	if v := os.Getenv("OTUN_HTTPS_STAGING"); v != "" {
		cfg.ensureHTTPS().Staging = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("OTUN_HTTPS_CA_FILE"); v != "" {
		cfg.ensureHTTPS().CAFile = v
	}
}

func (cfg *ServerConfig) ensureHTTPS() *HTTPSConfig {
	if cfg.HTTPS == nil {
		cfg.HTTPS = &HTTPSConfig{}
	}
	return cfg.HTTPS
}
