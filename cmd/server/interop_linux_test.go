package main

import (
	"testing"

	"github.com/dj-oyu/xr-streaming-server/internal/config"
	"github.com/dj-oyu/xr-streaming-server/internal/encode"
)

func TestOpenPoolWithHostMemory(t *testing.T) {
	cfg := config.Default().Interop
	cfg.Enabled = true
	cfg.Width, cfg.Height = 16, 8
	cfg.PoolSize = 2

	pool, err := openPool(cfg)
	if err != nil {
		t.Fatalf("openPool: %v", err)
	}
	if pool == nil {
		t.Fatalf("openPool returned no pool on linux")
	}
	defer closePool(pool)

	if info := pool.Info(); info.Capacity != 2 || info.Width != 16 {
		t.Fatalf("pool info %+v", info)
	}
	if !patternPreviewOnly(encode.NewPassthrough(), pool) {
		t.Fatalf("raw pattern frames reported as sendable through the passthrough encoder")
	}
}

func TestOpenPoolDisabled(t *testing.T) {
	pool, err := openPool(config.Default().Interop)
	if err != nil || pool != nil {
		t.Fatalf("openPool(disabled) = %v, %v", pool, err)
	}
}
