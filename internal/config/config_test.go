package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Stream.ExtensionID != 1 || cfg.Stream.MTU != DefaultMTU || cfg.Stream.LossInterval != DefaultLossInterval {
		t.Fatalf("stream defaults not set: %+v", cfg.Stream)
	}
	if cfg.Stream.LossAccounting == nil || !*cfg.Stream.LossAccounting {
		t.Fatalf("loss_accounting default not true")
	}
	if cfg.Log.Color == nil || !*cfg.Log.Color {
		t.Fatalf("log.color default not true")
	}
	if len(cfg.Server.STUNServers) != 1 || cfg.Server.STUNServers[0] != DefaultSTUNServer {
		t.Fatalf("stun_servers=%v", cfg.Server.STUNServers)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadKeepsExplicitFalse(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "server.yaml")
	doc := `
stream:
  extension_id: 7
  loss_interval: 250ms
  loss_accounting: false
server:
  stun_servers: []
log:
  color: false
interop:
  enabled: true
  device_uuid: 9a4f2a58-6c3e-4f0b-8f43-0d5b6a7c8e91
  format: RG8
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.ExtensionID != 7 || cfg.Stream.LossInterval != 250*time.Millisecond {
		t.Fatalf("stream=%+v", cfg.Stream)
	}
	if *cfg.Stream.LossAccounting || *cfg.Log.Color {
		t.Fatalf("explicit false overwritten by defaults")
	}
	if len(cfg.Server.STUNServers) != 0 {
		t.Fatalf("explicit empty stun_servers replaced: %v", cfg.Server.STUNServers)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if f, _ := TextureFormat(cfg.Interop.Format); f != gputypes.TextureFormatRG8Unorm {
		t.Fatalf("format=%v", f)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"extension id too large", func(c *Config) { c.Stream.ExtensionID = 16 }, "extension_id"},
		{"payload type static", func(c *Config) { c.Stream.PayloadType = 8 }, "payload_type"},
		{"negative loss interval", func(c *Config) { c.Stream.LossInterval = -time.Second }, "loss_interval"},
		{"no clients", func(c *Config) { c.Server.MaxClients = -1 }, "max_clients"},
		{"empty pool", func(c *Config) { c.Interop.PoolSize = -2 }, "pool_size"},
		{"bad uuid", func(c *Config) { c.Interop.DeviceUUID = "gpu0" }, "device_uuid"},
		{"unknown format", func(c *Config) { c.Interop.Format = "nv12" }, "interop.format"},
		{"zero fps", func(c *Config) { c.Source.FPS = -1 }, "source.fps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "server.yaml")
	cfg := Default()
	cfg.Stream.LossInterval = 2 * time.Second
	cfg.Source.File = "/tmp/demo.h264"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Stream.LossInterval != 2*time.Second || got.Source.File != "/tmp/demo.h264" {
		t.Fatalf("round trip lost values: %+v", got)
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := SplitList(" stun:a:3478, ,stun:b:19302 ")
	if len(got) != 2 || got[0] != "stun:a:3478" || got[1] != "stun:b:19302" {
		t.Fatalf("SplitList=%q", got)
	}
	if SplitList("") != nil {
		t.Fatalf("empty input should give nil")
	}
}
