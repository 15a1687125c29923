package gpu

import (
	"errors"
	"fmt"
	"sync"
)

// ErrHandleClosed is returned when using an ExternalHandle after Close.
var ErrHandleClosed = errors.New("gpu: external handle closed")

// HandleType is the OS resource kind behind an exported memory handle.
type HandleType int

const (
	HandleTypeOpaqueFD HandleType = iota + 1
	HandleTypeOpaqueWin32
)

func (t HandleType) String() string {
	switch t {
	case HandleTypeOpaqueFD:
		return "opaque-fd"
	case HandleTypeOpaqueWin32:
		return "opaque-win32"
	default:
		return fmt.Sprintf("handle-type(%d)", int(t))
	}
}

type handleOps struct {
	close func(v uintptr) error
	dup   func(v uintptr) (uintptr, error)
}

// ExternalHandle is an owned OS handle to exported device memory. It is
// closed exactly once; copies must go through Dup.
type ExternalHandle struct {
	typ HandleType
	ops handleOps

	mu     sync.Mutex
	value  uintptr
	closed bool
}

// NewExternalHandle takes ownership of an OS handle of the host's kind.
func NewExternalHandle(v uintptr) *ExternalHandle {
	return newExternalHandle(PlatformHandleType, v, osHandleOps)
}

func newExternalHandle(t HandleType, v uintptr, ops handleOps) *ExternalHandle {
	return &ExternalHandle{typ: t, value: v, ops: ops}
}

func (h *ExternalHandle) Type() HandleType { return h.typ }

// Value returns the raw OS handle. It stays owned by h.
func (h *ExternalHandle) Value() (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHandleClosed
	}
	return h.value, nil
}

// Dup returns an independently owned duplicate.
func (h *ExternalHandle) Dup() (*ExternalHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	v, err := h.ops.dup(h.value)
	if err != nil {
		return nil, fmt.Errorf("dup %s handle: %w", h.typ, err)
	}
	return newExternalHandle(h.typ, v, h.ops), nil
}

// Close releases the OS handle. Later calls are no-ops.
func (h *ExternalHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.ops.close(h.value); err != nil {
		return fmt.Errorf("close %s handle: %w", h.typ, err)
	}
	return nil
}

func (h *ExternalHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
