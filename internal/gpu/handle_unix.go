//go:build unix

package gpu

import "golang.org/x/sys/unix"

// PlatformHandleType is the handle kind exported on this host.
const PlatformHandleType = HandleTypeOpaqueFD

var osHandleOps = handleOps{
	close: func(v uintptr) error {
		return unix.Close(int(v))
	},
	dup: func(v uintptr) (uintptr, error) {
		fd, err := unix.FcntlInt(v, unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			return 0, err
		}
		return uintptr(fd), nil
	},
}
