// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/ctsync/internal/kernel"
	"firestige.xyz/ctsync/internal/wire"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `ctsync:` root key in YAML.
type GlobalConfig struct {
	Node    NodeConfig    `mapstructure:"node"`
	Control ControlConfig `mapstructure:"control"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Channel ChannelConfig `mapstructure:"channel"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Replication ───

// SyncConfig controls what is replicated and how peer updates are applied.
type SyncConfig struct {
	// MTU bounds every replication message, header included.
	MTU int `mapstructure:"mtu"`
	// CommitTimeout, in seconds, is applied to every committed entry when
	// non-zero. Senders then leave the timeout out of their messages.
	CommitTimeout uint32       `mapstructure:"commit_timeout"`
	Events        EventsConfig `mapstructure:"events"`
	Commit        CommitConfig `mapstructure:"commit"`
}

// EventsConfig selects the kernel event groups to replicate.
type EventsConfig struct {
	Groups     []string `mapstructure:"groups"`      // new | update | destroy, empty = all
	ReadBuffer int      `mapstructure:"read_buffer"` // bytes, 0 = kernel default
}

// CommitConfig controls writing peer updates into the local table.
type CommitConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	PortID  uint32 `mapstructure:"port_id"` // netlink port of the commit socket
}

// ─── Transport ───

// ChannelConfig describes the peer channel.
type ChannelConfig struct {
	Mode      string   `mapstructure:"mode"` // multicast | udp
	Group     string   `mapstructure:"group"`
	Interface string   `mapstructure:"interface"`
	TTL       int      `mapstructure:"ttl"`
	Loopback  bool     `mapstructure:"loopback"`
	Listen    string   `mapstructure:"listen"`
	Peers     []string `mapstructure:"peers"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format"`  // json / text / pattern
	Pattern string           `mapstructure:"pattern"` // pattern format only
	Time    string           `mapstructure:"time"`    // pattern format only
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `ctsync: ...`.
type configRoot struct {
	CtSync GlobalConfig `mapstructure:"ctsync"`
}

// Load loads configuration from file.
// The YAML file uses `ctsync:` as root key; env vars use the CTSYNC_ prefix (e.g., CTSYNC_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `ctsync.` key prefix maps to `CTSYNC_` via the key replacer
	// (key "ctsync.sync.commit.enabled" → env "CTSYNC_SYNC_COMMIT_ENABLED").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.CtSync

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "ctsync." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("ctsync.control.pid_file", "/var/run/ctsyncd.pid")
	v.SetDefault("ctsync.control.socket", "/var/run/ctsyncd.sock")

	// Sync defaults
	v.SetDefault("ctsync.sync.mtu", 1472)
	v.SetDefault("ctsync.sync.commit_timeout", 0)
	v.SetDefault("ctsync.sync.events.groups", []string{"new", "update", "destroy"})
	v.SetDefault("ctsync.sync.events.read_buffer", 0)
	v.SetDefault("ctsync.sync.commit.enabled", true)
	v.SetDefault("ctsync.sync.commit.port_id", 0x63747379) // "ctsy"

	// Channel defaults
	v.SetDefault("ctsync.channel.mode", "multicast")
	v.SetDefault("ctsync.channel.group", "225.0.0.50:3780")
	v.SetDefault("ctsync.channel.ttl", 1)
	v.SetDefault("ctsync.channel.loopback", false)

	// Log defaults
	v.SetDefault("ctsync.log.level", "info")
	v.SetDefault("ctsync.log.format", "json")
	v.SetDefault("ctsync.log.pattern", "%time [%level] %msg %field%n")
	v.SetDefault("ctsync.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("ctsync.log.outputs.file.enabled", false)
	v.SetDefault("ctsync.log.outputs.file.path", "/var/log/ctsyncd/ctsyncd.log")
	v.SetDefault("ctsync.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("ctsync.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("ctsync.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("ctsync.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("ctsync.metrics.enabled", true)
	v.SetDefault("ctsync.metrics.listen", ":9393")
	v.SetDefault("ctsync.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	case "pattern":
		if cfg.Log.Pattern == "" {
			return fmt.Errorf("log.pattern is required when log.format=pattern")
		}
	default:
		return fmt.Errorf("invalid log format: %s (must be json/text/pattern)", cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Sync validation ──
	// the smallest useful message carries the header and the original tuple
	if minMTU := wire.HeaderLen + wire.RecordSize(8); cfg.Sync.MTU < minMTU || cfg.Sync.MTU > wire.MaxMessageLen {
		return fmt.Errorf("invalid sync.mtu: %d (must be %d..%d)", cfg.Sync.MTU, minMTU, wire.MaxMessageLen)
	}
	if _, err := kernel.ParseGroups(cfg.Sync.Events.Groups); err != nil {
		return fmt.Errorf("invalid sync.events.groups: %w", err)
	}
	if cfg.Sync.Events.ReadBuffer < 0 {
		return fmt.Errorf("invalid sync.events.read_buffer: %d", cfg.Sync.Events.ReadBuffer)
	}
	if cfg.Sync.Commit.Enabled && cfg.Sync.Commit.PortID == 0 {
		return fmt.Errorf("sync.commit.port_id must be non-zero when sync.commit.enabled=true")
	}

	// ── Channel validation ──
	cfg.Channel.Mode = strings.ToLower(cfg.Channel.Mode)
	switch cfg.Channel.Mode {
	case "multicast":
		if cfg.Channel.Group == "" {
			return fmt.Errorf("channel.group is required when channel.mode=multicast")
		}
		if cfg.Channel.TTL <= 0 {
			cfg.Channel.TTL = 1
		}
	case "udp":
		if len(cfg.Channel.Peers) == 0 {
			return fmt.Errorf("channel.peers is required when channel.mode=udp")
		}
		if cfg.Channel.Listen == "" {
			return fmt.Errorf("channel.listen is required when channel.mode=udp")
		}
	default:
		return fmt.Errorf("unsupported channel.mode: %s (must be multicast/udp)", cfg.Channel.Mode)
	}

	// ── Control ──
	if cfg.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}

	return nil
}
