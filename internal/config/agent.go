package config

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tabwire/tabwire/internal/replay"
)

// AgentConfig holds configuration for the browser agent.
type AgentConfig struct {
	ServerURL         string        `yaml:"server_url"`
	AgentKey          string        `yaml:"agent_key"`
	AgentID           string        `yaml:"agent_id"`
	AgentName         string        `yaml:"agent_name"`
	BrowserURL        string        `yaml:"browser_url"`
	StatusAddr        string        `yaml:"status_addr"`
	DataDir           string        `yaml:"data_dir"`
	RedisURL          string        `yaml:"redis_url"`
	UploadsDir        string        `yaml:"uploads_dir"`
	TypeDebounce      time.Duration `yaml:"type_debounce"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	Reconnect         bool          `yaml:"reconnect"`
	Delays            replay.Delays `yaml:"replay_delays"`
	LogLevel          string        `yaml:"log_level"`
	ConfigFile        string        `yaml:"-"`
}

func (c *AgentConfig) BindFlags() {
	c.ConfigFile = GetEnv("CONFIG_FILE", "")
	c.LogLevel = GetEnv("LOG_LEVEL", "info")

	c.ServerURL = GetEnv("SERVER_URL", "ws://localhost:8787/ws/agent")
	c.AgentKey = GetEnv("AGENT_KEY", "")
	c.AgentID = GetEnv("AGENT_ID", "")
	c.BrowserURL = GetEnv("BROWSER_URL", "http://127.0.0.1:9222")
	c.StatusAddr = GetEnv("STATUS_ADDR", "")
	c.DataDir = GetEnv("DATA_DIR", defaultDataDir())
	c.RedisURL = GetEnv("REDIS_URL", "")
	c.UploadsDir = GetEnv("UPLOADS_DIR", "")
	if d, err := time.ParseDuration(GetEnv("TYPE_DEBOUNCE", "500ms")); err == nil {
		c.TypeDebounce = d
	} else {
		c.TypeDebounce = 500 * time.Millisecond
	}
	if d, err := time.ParseDuration(GetEnv("RECONNECT_DELAY", "3s")); err == nil {
		c.ReconnectDelay = d
	} else {
		c.ReconnectDelay = 3 * time.Second
	}
	if d, err := time.ParseDuration(GetEnv("KEEPALIVE_INTERVAL", "20s")); err == nil {
		c.KeepaliveInterval = d
	} else {
		c.KeepaliveInterval = 20 * time.Second
	}
	c.Reconnect = parseBool(GetEnv("RECONNECT", "true"), true)
	c.Delays = replay.DefaultDelays()

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent-" + uuid.NewString()[:8]
	}
	c.AgentName = GetEnv("AGENT_NAME", host)

	flag.StringVar(&c.ServerURL, "server-url", c.ServerURL, "bridge server WebSocket URL (e.g. ws://localhost:8787/ws/agent)")
	flag.StringVar(&c.AgentKey, "agent-key", c.AgentKey, "shared secret for authenticating with the server")
	flag.StringVar(&c.AgentID, "agent-id", c.AgentID, "agent identifier; randomly generated if omitted")
	flag.StringVar(&c.AgentName, "agent-name", c.AgentName, "agent display name shown in logs and status")
	flag.StringVar(&c.BrowserURL, "browser-url", c.BrowserURL, "browser DevTools address (http://host:port or ws:// debugger URL)")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status; e.g. 127.0.0.1:4556)")
	flag.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for recordings and control state")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "redis URL for the recording store; empty keeps recordings on disk")
	flag.StringVar(&c.UploadsDir, "uploads-dir", c.UploadsDir, "directory searched for files when replaying uploads")
	flag.DurationVar(&c.TypeDebounce, "type-debounce", c.TypeDebounce, "idle time before field edits coalesce into one action")
	flag.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "pause between reconnect attempts")
	flag.DurationVar(&c.KeepaliveInterval, "keepalive-interval", c.KeepaliveInterval, "interval between keepalive frames")
	flag.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect to server on failure")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "agent config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (debug, info, warn, error)")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".tabwire")
}

// LoadFile populates the config from a YAML file. Fields already set
// remain unless overwritten by corresponding entries in the file.
func (c *AgentConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
