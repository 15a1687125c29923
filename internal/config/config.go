// Package config loads the streaming server's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
	"github.com/dj-oyu/xr-streaming-server/internal/rtpext"
)

const (
	DefaultHTTPAddr     = ":8081"
	DefaultMetricsAddr  = ":9090"
	DefaultPprofAddr    = ":6060"
	DefaultMaxClients   = 10
	DefaultSTUNServer   = "stun:stun.l.google.com:19302"
	DefaultMTU          = 1400
	DefaultPayloadType  = 102
	DefaultQueueSize    = 4
	DefaultLossInterval = 5 * time.Second
	DefaultPoolSize     = 4
	DefaultWidth        = 1920
	DefaultHeight       = 1080
	DefaultFormat       = "rgba8"
	DefaultRecordPath   = "./recordings"
	DefaultFPS          = 30
	DefaultLogLevel     = "info"
)

// Config is the whole server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	Interop InteropConfig `yaml:"interop"`
	Record  RecordConfig  `yaml:"record"`
	Source  SourceConfig  `yaml:"source"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig covers listeners and peer admission.
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	PprofAddr   string   `yaml:"pprof_addr"`
	MaxClients  int      `yaml:"max_clients"`
	STUNServers []string `yaml:"stun_servers"`
	// ProbeNAT resolves the public address through the first STUN server at startup.
	ProbeNAT *bool `yaml:"probe_nat,omitempty"`
}

// StreamConfig shapes the RTP stream and its metadata extension.
type StreamConfig struct {
	MTU            int           `yaml:"mtu"`
	PayloadType    uint8         `yaml:"payload_type"`
	ExtensionID    uint8         `yaml:"extension_id"`
	QueueSize      int           `yaml:"queue_size"`
	LossInterval   time.Duration `yaml:"loss_interval"`
	LossAccounting *bool         `yaml:"loss_accounting,omitempty"`
}

// InteropConfig describes the shared graphics/compute image pool.
type InteropConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DeviceUUID string `yaml:"device_uuid"`
	PoolSize   int    `yaml:"pool_size"`
	Width      uint32 `yaml:"width"`
	Height     uint32 `yaml:"height"`
	Format     string `yaml:"format"`
}

type RecordConfig struct {
	Path string `yaml:"path"`
}

// SourceConfig selects the demo frame producer. File replays an Annex-B
// stream; Pattern fills pool images instead.
type SourceConfig struct {
	File    string `yaml:"file"`
	FPS     int    `yaml:"fps"`
	Loop    bool   `yaml:"loop"`
	Pattern bool   `yaml:"pattern"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color *bool  `yaml:"color,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks ranges that would otherwise fail deep inside startup.
func Validate(cfg Config) error {
	var errs []error
	if cfg.Server.MaxClients < 1 {
		errs = append(errs, fmt.Errorf("server.max_clients must be >= 1, got %d", cfg.Server.MaxClients))
	}
	if cfg.Stream.ExtensionID < 1 || cfg.Stream.ExtensionID > rtpext.MaxExtensionID {
		errs = append(errs, fmt.Errorf("stream.extension_id must be in [1,%d], got %d",
			rtpext.MaxExtensionID, cfg.Stream.ExtensionID))
	}
	if cfg.Stream.PayloadType < 96 || cfg.Stream.PayloadType > 127 {
		errs = append(errs, fmt.Errorf("stream.payload_type must be dynamic (96-127), got %d", cfg.Stream.PayloadType))
	}
	if cfg.Stream.LossInterval <= 0 {
		errs = append(errs, fmt.Errorf("stream.loss_interval must be > 0, got %s", cfg.Stream.LossInterval))
	}
	if cfg.Stream.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("stream.queue_size must be >= 1, got %d", cfg.Stream.QueueSize))
	}
	if cfg.Interop.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("interop.pool_size must be >= 1, got %d", cfg.Interop.PoolSize))
	}
	if cfg.Interop.Width == 0 || cfg.Interop.Height == 0 {
		errs = append(errs, fmt.Errorf("interop extent must be non-zero, got %dx%d", cfg.Interop.Width, cfg.Interop.Height))
	}
	if _, err := TextureFormat(cfg.Interop.Format); err != nil {
		errs = append(errs, err)
	}
	if cfg.Interop.DeviceUUID != "" {
		if _, err := gpu.ParseDeviceUUID(cfg.Interop.DeviceUUID); err != nil {
			errs = append(errs, fmt.Errorf("interop.device_uuid: %w", err))
		}
	}
	if cfg.Source.FPS < 1 {
		errs = append(errs, fmt.Errorf("source.fps must be >= 1, got %d", cfg.Source.FPS))
	}
	return errors.Join(errs...)
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.Server.PprofAddr == "" {
		cfg.Server.PprofAddr = DefaultPprofAddr
	}
	if cfg.Server.MaxClients == 0 {
		cfg.Server.MaxClients = DefaultMaxClients
	}
	if cfg.Server.STUNServers == nil {
		cfg.Server.STUNServers = []string{DefaultSTUNServer}
	}
	if cfg.Server.ProbeNAT == nil {
		cfg.Server.ProbeNAT = boolPtr(false)
	}

	if cfg.Stream.MTU == 0 {
		cfg.Stream.MTU = DefaultMTU
	}
	if cfg.Stream.PayloadType == 0 {
		cfg.Stream.PayloadType = DefaultPayloadType
	}
	if cfg.Stream.ExtensionID == 0 {
		cfg.Stream.ExtensionID = rtpext.DefaultExtensionID
	}
	if cfg.Stream.QueueSize == 0 {
		cfg.Stream.QueueSize = DefaultQueueSize
	}
	if cfg.Stream.LossInterval == 0 {
		cfg.Stream.LossInterval = DefaultLossInterval
	}
	if cfg.Stream.LossAccounting == nil {
		cfg.Stream.LossAccounting = boolPtr(true)
	}

	if cfg.Interop.PoolSize == 0 {
		cfg.Interop.PoolSize = DefaultPoolSize
	}
	if cfg.Interop.Width == 0 {
		cfg.Interop.Width = DefaultWidth
	}
	if cfg.Interop.Height == 0 {
		cfg.Interop.Height = DefaultHeight
	}
	if cfg.Interop.Format == "" {
		cfg.Interop.Format = DefaultFormat
	}

	if cfg.Record.Path == "" {
		cfg.Record.Path = DefaultRecordPath
	}
	if cfg.Source.FPS == 0 {
		cfg.Source.FPS = DefaultFPS
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Color == nil {
		cfg.Log.Color = boolPtr(true)
	}
}

var textureFormats = map[string]gputypes.TextureFormat{
	"rgba8":      gputypes.TextureFormatRGBA8Unorm,
	"rgba8-srgb": gputypes.TextureFormatRGBA8UnormSrgb,
	"rg8":        gputypes.TextureFormatRG8Unorm,
	"r8":         gputypes.TextureFormatR8Unorm,
}

// TextureFormat maps a configured format name to the pool pixel format.
func TextureFormat(name string) (gputypes.TextureFormat, error) {
	if f, ok := textureFormats[strings.ToLower(name)]; ok {
		return f, nil
	}
	return gputypes.TextureFormatUndefined, fmt.Errorf("interop.format %q not supported (rgba8, rgba8-srgb, rg8, r8)", name)
}

// SplitList splits a comma-separated flag value, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
