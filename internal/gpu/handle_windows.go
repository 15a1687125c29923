//go:build windows

package gpu

import "golang.org/x/sys/windows"

// PlatformHandleType is the handle kind exported on this host.
const PlatformHandleType = HandleTypeOpaqueWin32

var osHandleOps = handleOps{
	close: func(v uintptr) error {
		return windows.CloseHandle(windows.Handle(v))
	},
	dup: func(v uintptr) (uintptr, error) {
		self := windows.CurrentProcess()
		var out windows.Handle
		err := windows.DuplicateHandle(self, windows.Handle(v), self, &out, 0, false, windows.DUPLICATE_SAME_ACCESS)
		if err != nil {
			return 0, err
		}
		return uintptr(out), nil
	},
}
