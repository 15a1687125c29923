//go:build !unix && !windows

package gpu

import "errors"

const PlatformHandleType = HandleTypeOpaqueFD

var errNoOSHandles = errors.New("gpu: external handles unsupported on this platform")

var osHandleOps = handleOps{
	close: func(uintptr) error { return errNoOSHandles },
	dup:   func(uintptr) (uintptr, error) { return 0, errNoOSHandles },
}
