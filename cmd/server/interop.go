package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/xr-streaming-server/internal/config"
	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
	"github.com/dj-oyu/xr-streaming-server/internal/gpu/hostmem"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
)

// openPool creates the shared image pool. A missing interop backend or an
// unmatched compute device only disables the pool; any other failure is fatal.
func openPool(cfg config.InteropConfig) (*gpu.Pool, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	id := gpu.DeviceUUID(uuid.New())
	if cfg.DeviceUUID != "" {
		var err error
		if id, err = gpu.ParseDeviceUUID(cfg.DeviceUUID); err != nil {
			return nil, err
		}
	}

	graphics, runtime, err := hostmem.Open(id)
	if errors.Is(err, hostmem.ErrUnsupported) {
		logger.Warn("Interop", "%v; continuing with CPU frames", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open interop devices: %w", err)
	}

	compute, ordinal, err := gpu.SelectComputeDevice(runtime, graphics.UUID())
	if errors.Is(err, gpu.ErrNoMatchingDevice) {
		logger.Warn("Interop", "%v; continuing with CPU frames", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Interop", "Compute device %d matches graphics device %s", ordinal, graphics.UUID())

	format, err := config.TextureFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	pool, err := gpu.NewPool(graphics, compute, gpu.PoolInfo{
		Width:    cfg.Width,
		Height:   cfg.Height,
		Format:   format,
		Capacity: cfg.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create image pool: %w", err)
	}
	return pool, nil
}

func closePool(pool *gpu.Pool) {
	if pool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Close(ctx); err != nil {
		logger.Warn("Interop", "Pool close: %v", err)
	}
}
