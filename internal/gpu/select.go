package gpu

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/xr-streaming-server/internal/logger"
)

// ErrNoMatchingDevice means no usable compute device shares the graphics
// device's UUID. Callers fall back to CPU frames.
var ErrNoMatchingDevice = errors.New("gpu: no compute device matches graphics device")

// SelectComputeDevice makes current the first non-prohibited compute device
// whose UUID equals want, and returns it with its ordinal.
func SelectComputeDevice(rt ComputeRuntime, want DeviceUUID) (ComputeDevice, int, error) {
	count, err := rt.DeviceCount()
	if err != nil {
		return nil, -1, fmt.Errorf("%w: enumerate: %v", ErrNoMatchingDevice, err)
	}
	if count == 0 {
		return nil, -1, fmt.Errorf("%w: no compute devices", ErrNoMatchingDevice)
	}

	for ordinal := 0; ordinal < count; ordinal++ {
		props, err := rt.DeviceProperties(ordinal)
		if err != nil {
			logger.Debug("GPU", "Device %d: properties unavailable: %v", ordinal, err)
			continue
		}
		if props.Mode == ComputeModeProhibited {
			logger.Debug("GPU", "Device %d (%s): compute prohibited, skipping", ordinal, props.Name)
			continue
		}
		if !props.UUID.Equal(want) {
			continue
		}

		dev, err := rt.SetDevice(ordinal)
		if err != nil {
			return nil, -1, fmt.Errorf("set compute device %d: %w", ordinal, err)
		}
		logger.Info("GPU", "Compute device %d: %q matches %s", ordinal, props.Name, want)
		return dev, ordinal, nil
	}

	return nil, -1, fmt.Errorf("%w: %s among %d devices", ErrNoMatchingDevice, want, count)
}
