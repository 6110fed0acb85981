// Package config loads process configuration: built-in defaults, then an
// optional YAML file, then WORLDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"worldsync.dev/internal/protocol"
)

type Config struct {
	// Authority side.
	ListenTCP string `yaml:"listen_tcp" env:"WORLDSYNC_LISTEN_TCP"`
	ListenWS  string `yaml:"listen_ws"  env:"WORLDSYNC_LISTEN_WS"`
	HTTPAddr  string `yaml:"http_addr"  env:"WORLDSYNC_HTTP_ADDR"`

	// Peer side. AuthorityAddr is host:port for TCP or a ws:// URL.
	AuthorityAddr string `yaml:"authority_addr" env:"WORLDSYNC_AUTHORITY_ADDR"`
	Username      string `yaml:"username"       env:"WORLDSYNC_USERNAME"`

	DataDir string `yaml:"data_dir" env:"WORLDSYNC_DATA_DIR"`
	WorldID string `yaml:"world_id" env:"WORLDSYNC_WORLD_ID"`
	Seed    int64  `yaml:"seed"     env:"WORLDSYNC_SEED"`

	TickRateHz     int    `yaml:"tick_rate_hz"    env:"WORLDSYNC_TICK_RATE_HZ"`
	LookaheadTicks uint64 `yaml:"lookahead_ticks" env:"WORLDSYNC_LOOKAHEAD_TICKS"`
	MaxFrameBytes  int    `yaml:"max_frame_bytes" env:"WORLDSYNC_MAX_FRAME_BYTES"`

	DownloadStallWarn    time.Duration `yaml:"download_stall_warn"     env:"WORLDSYNC_DOWNLOAD_STALL_WARN"`
	ApplyDueWhileRunning bool          `yaml:"apply_due_while_running" env:"WORLDSYNC_APPLY_DUE_WHILE_RUNNING"`

	DisableDB        bool `yaml:"disable_db"         env:"WORLDSYNC_DISABLE_DB"`
	DisableActionLog bool `yaml:"disable_action_log" env:"WORLDSYNC_DISABLE_ACTION_LOG"`
}

func Defaults() Config {
	return Config{
		ListenTCP:         ":7777",
		ListenWS:          "",
		HTTPAddr:          ":8080",
		AuthorityAddr:     "127.0.0.1:7777",
		DataDir:           "./data",
		TickRateHz:        60,
		LookaheadTicks:    15,
		MaxFrameBytes:     protocol.DefaultMaxFrame,
		DownloadStallWarn: 30 * time.Second,
	}
}

// Load applies path (if non-empty) and the environment over Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.TickRateHz <= 0 || c.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("tick_rate_hz out of range: %d", c.TickRateHz))
	}
	if c.LookaheadTicks == 0 {
		errs = append(errs, errors.New("lookahead_ticks must be positive"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_frame_bytes must be positive: %d", c.MaxFrameBytes))
	}
	if c.DownloadStallWarn < 0 {
		errs = append(errs, fmt.Errorf("download_stall_warn negative: %s", c.DownloadStallWarn))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	return errors.Join(errs...)
}

// ResolveUsername picks the flag value, then the configured one, then a
// generated "PlayerNNNN".
func ResolveUsername(flagValue string, cfg Config, rng *rand.Rand) string {
	if s := strings.TrimSpace(flagValue); s != "" {
		return s
	}
	if s := strings.TrimSpace(cfg.Username); s != "" {
		return s
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return fmt.Sprintf("Player%d", rng.Intn(10000))
}
