//go:build !linux

package hostmem

import "github.com/dj-oyu/xr-streaming-server/internal/gpu"

func Open(gpu.DeviceUUID) (gpu.GraphicsDevice, gpu.ComputeRuntime, error) {
	return nil, nil, ErrUnsupported
}
