// Package config loads the YAML configuration shared by rtpc-server
// and rtpc-agent.
//
// The file is found at the --config flag or the RTPC_CONFIG
// environment variable. Without either, the defaults are used. A few
// environment variables override the file for container deployments:
//
//	REDIS_ADDR    server.redis.addr
//	DATABASE_URL  server.catalog.database_url
//	RTPC_LISTEN   server.listen
//	RTPC_SERVER   agent.server
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dalder6284/rtpc-app/internal/catalog"
	"github.com/dalder6284/rtpc-app/internal/clocksync"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

// Duration is a time.Duration written as a string such as "200ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the whole file.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Listen        string   `yaml:"listen"`
	SessionTTL    Duration `yaml:"session_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`

	// StartLead is how far ahead of now a phase's beat zero is placed.
	StartLead Duration `yaml:"start_lead"`

	ChunkSize int `yaml:"chunk_size"`

	// PongWait is how long a connection may stay silent.
	PongWait Duration `yaml:"pong_wait"`

	Catalog   CatalogConfig   `yaml:"catalog"`
	Redis     RedisConfig     `yaml:"redis"`
	Advertise AdvertiseConfig `yaml:"advertise"`
}

// CatalogConfig picks the catalog source. DatabaseURL wins when both
// are set.
type CatalogConfig struct {
	SessionFile  string `yaml:"session_file"`
	DatabaseURL  string `yaml:"database_url"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

// RedisConfig enables catalog change notifications when Addr is set.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type AdvertiseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type AgentConfig struct {
	// Server is the coordinator's websocket URL. Empty means browse
	// for one over mDNS.
	Server string `yaml:"server"`

	// Seat is the seat to join; negative means unset.
	Seat int `yaml:"seat"`

	Cache     string   `yaml:"cache"`
	MIDIPort  string   `yaml:"midi_port"`
	Heartbeat Duration `yaml:"heartbeat"`
	Encoding  string   `yaml:"encoding"`

	// MaxRetries bounds re-requests of one asset per manifest.
	MaxRetries int `yaml:"max_retries"`

	Sync      SyncConfig      `yaml:"sync"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

type SyncConfig struct {
	Threshold    Duration `yaml:"threshold"`
	Interval     Duration `yaml:"interval"`
	Jitter       Duration `yaml:"jitter"`
	MaxProbes    int      `yaml:"max_probes"`
	OffsetPolicy string   `yaml:"offset_policy"`
}

type SchedulerConfig struct {
	Tick           Duration `yaml:"tick"`
	LookaheadBeats float64  `yaml:"lookahead_beats"`
}

type ReconnectConfig struct {
	Initial Duration `yaml:"initial"`
	Max     Duration `yaml:"max"`
}

// Default returns a Config with every value set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Listen:        ":8081",
			SessionTTL:    Duration(2 * time.Hour),
			SweepInterval: Duration(time.Minute),
			StartLead:     Duration(3 * time.Second),
			ChunkSize:     transfer.DefaultChunkSize,
			PongWait:      Duration(60 * time.Second),
			Redis:         RedisConfig{Channel: catalog.DefaultChannel},
			Advertise:     AdvertiseConfig{Enabled: true},
		},
		Agent: AgentConfig{
			Seat:       -1,
			Cache:      "rtpc-assets.db",
			Heartbeat:  Duration(20 * time.Second),
			Encoding:   string(transfer.None),
			MaxRetries: 3,
			Sync: SyncConfig{
				Threshold:    Duration(clocksync.DefaultThreshold),
				Interval:     Duration(clocksync.DefaultInterval),
				Jitter:       Duration(clocksync.DefaultJitter),
				MaxProbes:    clocksync.DefaultMaxProbes,
				OffsetPolicy: string(clocksync.Freeze),
			},
			Scheduler: SchedulerConfig{
				Tick:           Duration(200 * time.Millisecond),
				LookaheadBeats: 2,
			},
			Reconnect: ReconnectConfig{
				Initial: Duration(500 * time.Millisecond),
				Max:     Duration(10 * time.Second),
			},
		},
	}
}

// Load reads path, or RTPC_CONFIG when path is empty, over the
// defaults, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RTPC_CONFIG")
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Server.Redis.Addr = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Server.Catalog.DatabaseURL = v
	}
	if v := getenv("RTPC_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := getenv("RTPC_SERVER"); v != "" {
		c.Agent.Server = v
	}
}

// Validate reports the first invalid value.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	if c.Server.SessionTTL <= 0 || c.Server.SweepInterval <= 0 || c.Server.PongWait <= 0 {
		return errors.New("server durations must be positive")
	}
	if c.Server.StartLead < 0 {
		return errors.New("server.start_lead must not be negative")
	}
	if c.Server.ChunkSize <= 0 {
		return fmt.Errorf("server.chunk_size %d must be positive", c.Server.ChunkSize)
	}
	if _, err := transfer.ParseEncoding(c.Agent.Encoding); err != nil {
		return fmt.Errorf("agent.encoding: %w", err)
	}
	if _, err := clocksync.ParseOffsetPolicy(c.Agent.Sync.OffsetPolicy); err != nil {
		return fmt.Errorf("agent.sync.offset_policy: %w", err)
	}
	if c.Agent.Sync.Interval <= 0 || c.Agent.Sync.Jitter < 0 || c.Agent.Sync.Jitter >= c.Agent.Sync.Interval {
		return errors.New("agent.sync needs interval > jitter >= 0")
	}
	if c.Agent.Scheduler.Tick <= 0 || c.Agent.Scheduler.LookaheadBeats <= 0 {
		return errors.New("agent.scheduler tick and lookahead_beats must be positive")
	}
	if c.Agent.Heartbeat <= 0 || c.Agent.Reconnect.Initial <= 0 || c.Agent.Reconnect.Max < c.Agent.Reconnect.Initial {
		return errors.New("agent heartbeat and reconnect durations are out of order")
	}
	if c.Agent.MaxRetries < 0 {
		return errors.New("agent.max_retries must not be negative")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the process logger.
func NewLogger(c LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
