// Package config loads DYAD settings from YAML, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flux-framework/flux-dyad/dtl"
)

// Config is the root configuration.
type Config struct {
	// Rank is this process's rank in the broker and the oob world.
	Rank    uint32        `mapstructure:"rank"`
	DTL     DTLConfig     `mapstructure:"dtl"`
	Service ServiceConfig `mapstructure:"service"`
	OOB     OOBConfig     `mapstructure:"oob"`
	Log     LogConfig     `mapstructure:"log"`
}

// DTLConfig holds transport settings.
type DTLConfig struct {
	// Role is producer or consumer.
	Role string `mapstructure:"role"`
	// CommMode is rpc or rdma. DYAD_DTL_MODE is accepted as an alias.
	CommMode string `mapstructure:"comm_mode"`
	Debug    bool   `mapstructure:"debug"`
	Codec    string `mapstructure:"codec"`
	// Provider names the rdma provider: loopback or ofi.
	Provider string `mapstructure:"provider"`
	// Fabric is the libfabric provider the ofi provider asks for.
	Fabric string `mapstructure:"fabric"`

	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxProgress   int           `mapstructure:"max_progress"`
	MaxRKeySize   int           `mapstructure:"max_rkey_size"`
	RecvCapacity  int           `mapstructure:"recv_capacity"`
	MaxBufferSize int           `mapstructure:"max_buffer_size"`
	PoolSlotSize  int           `mapstructure:"pool_slot_size"`
	PoolCapacity  int           `mapstructure:"pool_capacity"`
}

// ServiceConfig configures the fetch service.
type ServiceConfig struct {
	Topic      string `mapstructure:"topic"`
	ChunkSize  int    `mapstructure:"chunk_size"`
	ManagedDir string `mapstructure:"managed_dir"`
}

// OOBConfig lists the TCP addresses of every rank, indexed by rank.
type OOBConfig struct {
	Addrs         []string      `mapstructure:"addrs"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		DTL: DTLConfig{
			Role:         "consumer",
			CommMode:     "rpc",
			Codec:        "json",
			Provider:     "loopback",
			Fabric:       "tcp",
			Timeout:      dtl.DefaultTimeout,
			MaxRKeySize:  dtl.DefaultMaxRKeySize,
			RecvCapacity: dtl.DefaultRecvCapacity,
		},
		Service: ServiceConfig{
			Topic:      "dyad.fetch",
			ManagedDir: "./dyad",
		},
		OOB: OOBConfig{RetryInterval: 50 * time.Millisecond},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path if non-empty, otherwise from DYAD_CONFIG
// or a dyad.yaml in the usual places. Environment variables use the prefix
// DYAD with `.` replaced by `_`, e.g. DYAD_DTL_COMM_MODE=rdma.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DYAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("dtl.comm_mode", "DYAD_DTL_COMM_MODE", "DYAD_DTL_MODE"); err != nil {
		return nil, err
	}

	v.SetDefault("rank", cfg.Rank)
	v.SetDefault("dtl.role", cfg.DTL.Role)
	v.SetDefault("dtl.comm_mode", cfg.DTL.CommMode)
	v.SetDefault("dtl.debug", cfg.DTL.Debug)
	v.SetDefault("dtl.codec", cfg.DTL.Codec)
	v.SetDefault("dtl.provider", cfg.DTL.Provider)
	v.SetDefault("dtl.fabric", cfg.DTL.Fabric)
	v.SetDefault("dtl.timeout", cfg.DTL.Timeout)
	v.SetDefault("dtl.poll_interval", cfg.DTL.PollInterval)
	v.SetDefault("dtl.max_progress", cfg.DTL.MaxProgress)
	v.SetDefault("dtl.max_rkey_size", cfg.DTL.MaxRKeySize)
	v.SetDefault("dtl.recv_capacity", cfg.DTL.RecvCapacity)
	v.SetDefault("dtl.max_buffer_size", cfg.DTL.MaxBufferSize)
	v.SetDefault("dtl.pool_slot_size", cfg.DTL.PoolSlotSize)
	v.SetDefault("dtl.pool_capacity", cfg.DTL.PoolCapacity)
	v.SetDefault("service.topic", cfg.Service.Topic)
	v.SetDefault("service.chunk_size", cfg.Service.ChunkSize)
	v.SetDefault("service.managed_dir", cfg.Service.ManagedDir)
	v.SetDefault("oob.addrs", cfg.OOB.Addrs)
	v.SetDefault("oob.retry_interval", cfg.OOB.RetryInterval)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("DYAD_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dyad")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dyad"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if _, err := dtl.ParseMode(c.DTL.Role); err != nil {
		return fmt.Errorf("invalid dtl.role: %w", err)
	}
	if _, err := dtl.ParseCommMode(c.DTL.CommMode); err != nil {
		return fmt.Errorf("invalid dtl.comm_mode: %w", err)
	}
	if _, err := dtl.CodecByName(c.DTL.Codec); err != nil {
		return fmt.Errorf("invalid dtl.codec: %w", err)
	}
	switch c.DTL.Provider {
	case "loopback", "ofi":
	default:
		return fmt.Errorf("invalid dtl.provider: %q", c.DTL.Provider)
	}
	if len(c.OOB.Addrs) > 0 && int(c.Rank) >= len(c.OOB.Addrs) {
		return fmt.Errorf("rank %d has no entry in oob.addrs", c.Rank)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	return nil
}

// Transport converts the DTL settings into a dtl.Config. Collaborators
// (broker, comm, provider, logger) are left for the caller to set.
func (c *Config) Transport() (dtl.Config, error) {
	mode, err := dtl.ParseMode(c.DTL.Role)
	if err != nil {
		return dtl.Config{}, err
	}
	comm, err := dtl.ParseCommMode(c.DTL.CommMode)
	if err != nil {
		return dtl.Config{}, err
	}
	codec, err := dtl.CodecByName(c.DTL.Codec)
	if err != nil {
		return dtl.Config{}, err
	}
	return dtl.Config{
		Mode:          mode,
		CommMode:      comm,
		Debug:         c.DTL.Debug,
		Codec:         codec,
		Timeout:       c.DTL.Timeout,
		PollInterval:  c.DTL.PollInterval,
		MaxProgress:   c.DTL.MaxProgress,
		MaxRKeySize:   c.DTL.MaxRKeySize,
		RecvCapacity:  c.DTL.RecvCapacity,
		MaxBufferSize: c.DTL.MaxBufferSize,
		PoolSlotSize:  c.DTL.PoolSlotSize,
		PoolCapacity:  c.DTL.PoolCapacity,
	}, nil
}
