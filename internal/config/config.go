package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Duration parses either a Go duration string ("30s", "2m") or a bare
// integer number of seconds, so "HEARTBEAT_INTERVAL=30" and
// "HEARTBEAT_INTERVAL=30s" mean the same thing.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML and env values.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the resolved configuration for both roles. A process
// normally uses only one section, but a combined dev deployment can
// run master and agent from the same file.
type Config struct {
	Master MasterConfig `toml:"master"`
	Agent  AgentConfig  `toml:"agent"`
}

// MasterConfig configures the fleet master.
type MasterConfig struct {
	BindIP    string `toml:"bind_ip"`    // interface the TCP listener binds to
	Port      int    `toml:"port"`       // agent wire port
	AdminAddr string `toml:"admin_addr"` // admin HTTP listen address
	DBPath    string `toml:"db_path"`    // SQLite database file
	WithAdmin bool   `toml:"with_admin"` // serve the admin API alongside the wire listener
}

// AgentConfig configures a fleet agent.
type AgentConfig struct {
	MasterIP          string   `toml:"master_ip"`
	MasterPort        int      `toml:"master_port"`
	ScanDirs          []string `toml:"scan_dirs"`      // roots to sweep; platform defaults when empty
	QuarantineDir     string   `toml:"quarantine_dir"` // holding area for flagged files
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	ClientID          string   `toml:"client_id"` // stable identity; generated when empty
	LogDir            string   `toml:"log_dir"`   // tee logs to a file under this dir when set
	PolicyFile        string   `toml:"policy_file"`
}

// Load resolves configuration with the following priority:
// 1. Environment variables (highest)
// 2. TOML config file, when path is non-empty
// 3. Built-in defaults
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Agent.ClientID == "" {
		cfg.Agent.ClientID = uuid.NewString()
	}
	if cfg.Agent.HeartbeatInterval <= 0 {
		cfg.Agent.HeartbeatInterval = Duration(30 * time.Second)
	}
	if cfg.Agent.ReconnectDelay <= 0 {
		cfg.Agent.ReconnectDelay = Duration(10 * time.Second)
	}
	if cfg.Master.Port <= 0 || cfg.Master.Port > 65535 {
		return nil, fmt.Errorf("invalid master port %d", cfg.Master.Port)
	}
	if cfg.Agent.MasterPort <= 0 || cfg.Agent.MasterPort > 65535 {
		return nil, fmt.Errorf("invalid agent master port %d", cfg.Agent.MasterPort)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Master: MasterConfig{
			BindIP:    "0.0.0.0",
			Port:      5000,
			AdminAddr: ":8000",
			DBPath:    "app_data.db",
			WithAdmin: true,
		},
		Agent: AgentConfig{
			MasterIP:          "127.0.0.1",
			MasterPort:        5000,
			QuarantineDir:     "./quarantine",
			HeartbeatInterval: Duration(30 * time.Second),
			ReconnectDelay:    Duration(10 * time.Second),
		},
	}
}

// applyEnv overlays environment variables onto cfg. MASTER_IP and
// MASTER_PORT apply to both roles: the master binds there and the
// agent dials there.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("MASTER_IP"); v != "" {
		cfg.Master.BindIP = v
		cfg.Agent.MasterIP = v
	}
	if v := os.Getenv("MASTER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MASTER_PORT %q: %w", v, err)
		}
		cfg.Master.Port = port
		cfg.Agent.MasterPort = port
	}
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		cfg.Master.AdminAddr = v
	}
	if v := os.Getenv("APP_DB_PATH"); v != "" {
		cfg.Master.DBPath = v
	}
	if v := os.Getenv("START_MASTER_WITH_UI"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse START_MASTER_WITH_UI %q: %w", v, err)
		}
		cfg.Master.WithAdmin = on
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if err := cfg.Agent.HeartbeatInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("parse HEARTBEAT_INTERVAL: %w", err)
		}
	}
	if v := os.Getenv("RECONNECT_DELAY"); v != "" {
		if err := cfg.Agent.ReconnectDelay.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("parse RECONNECT_DELAY: %w", err)
		}
	}
	if v := os.Getenv("SCAN_DIRS"); v != "" {
		cfg.Agent.ScanDirs = SplitDirs(v)
	}
	if v := os.Getenv("QUARANTINE_DIR"); v != "" {
		cfg.Agent.QuarantineDir = v
	}
	if v := os.Getenv("CLIENT_ID"); v != "" {
		cfg.Agent.ClientID = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.Agent.LogDir = v
	}
	if v := os.Getenv("POLICY_FILE"); v != "" {
		cfg.Agent.PolicyFile = v
	}
	return nil
}

// SplitDirs parses a comma or semicolon separated directory list.
// Semicolons keep Windows paths with drive colons usable.
func SplitDirs(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ';'
	})
	var dirs []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

// MasterAddr is the address agents dial.
func (c *AgentConfig) MasterAddr() string {
	return net.JoinHostPort(c.MasterIP, strconv.Itoa(c.MasterPort))
}

// ListenAddr is the address the master's wire listener binds to.
func (c *MasterConfig) ListenAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.Port))
}
