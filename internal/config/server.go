// Package config binds flags, environment variables and YAML files for
// the two binaries. Precedence: flags over environment over file over
// built-in defaults.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the bridge server.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AgentKey       string        `yaml:"agent_key"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ReplayTimeout  time.Duration `yaml:"replay_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

func (c *ServerConfig) BindFlags() {
	c.ConfigFile = GetEnv("CONFIG_FILE", "")
	c.LogLevel = GetEnv("LOG_LEVEL", "info")
	c.Addr = GetEnv("ADDR", ":8787")
	c.AgentKey = GetEnv("AGENT_KEY", "")
	if d, err := time.ParseDuration(GetEnv("CALL_TIMEOUT", "30s")); err == nil {
		c.CallTimeout = d
	} else {
		c.CallTimeout = 30 * time.Second
	}
	if d, err := time.ParseDuration(GetEnv("REPLAY_TIMEOUT", "10m")); err == nil {
		c.ReplayTimeout = d
	} else {
		c.ReplayTimeout = 10 * time.Minute
	}

	flag.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	flag.StringVar(&c.AgentKey, "agent-key", c.AgentKey, "shared secret agents must present; empty disables auth")
	flag.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "per-command response timeout")
	flag.DurationVar(&c.ReplayTimeout, "replay-timeout", c.ReplayTimeout, "response timeout for replay runs")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (debug, info, warn, error)")
}

// LoadFile populates the config from a YAML file. Fields already set
// remain unless overwritten by corresponding entries in the file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func parseBool(s string, def bool) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return def
}
