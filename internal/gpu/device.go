// Package gpu owns device-resident frame images shared between a graphics
// device and a compute device without copies, and the fixed-size pool that
// hands them out to frame producers.
package gpu

import (
	"bytes"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
)

// DeviceUUID is the 16-byte hardware identity reported by both APIs.
type DeviceUUID [16]byte

// ParseDeviceUUID parses the canonical textual form.
func ParseDeviceUUID(s string) (DeviceUUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceUUID{}, fmt.Errorf("parse device uuid: %w", err)
	}
	return DeviceUUID(u), nil
}

// Equal compares byte-for-byte.
func (d DeviceUUID) Equal(other DeviceUUID) bool {
	return bytes.Equal(d[:], other[:])
}

func (d DeviceUUID) String() string {
	return uuid.UUID(d).String()
}

// Tiling is the image memory layout.
type Tiling int

const (
	TilingOptimal Tiling = iota
	TilingLinear
)

// MemoryPropertyFlags mirror the graphics API's memory property bits.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
)

// MemoryType is one entry of the graphics device's memory type table.
type MemoryType struct {
	Flags     MemoryPropertyFlags
	HeapIndex uint32
}

// MemoryRequirements is what the graphics device needs to back an image.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	TypeBits  uint32
}

// ImageHandle and MemoryHandle are graphics-API object handles.
type (
	ImageHandle  uint64
	MemoryHandle uint64
)

// ImageCreateInfo describes an exportable image.
type ImageCreateInfo struct {
	Extent     gputypes.Extent3D
	Format     gputypes.TextureFormat
	Usage      gputypes.TextureUsage
	Tiling     Tiling
	HandleType HandleType
}

// GraphicsDevice is the graphics-API side of the interop pair.
type GraphicsDevice interface {
	UUID() DeviceUUID
	MemoryTypes() []MemoryType
	CreateImage(info ImageCreateInfo) (ImageHandle, error)
	ImageMemoryRequirements(img ImageHandle) MemoryRequirements
	AllocateMemory(size uint64, typeIndex uint32, export HandleType) (MemoryHandle, error)
	BindImageMemory(img ImageHandle, mem MemoryHandle) error
	ExportMemory(mem MemoryHandle, t HandleType) (*ExternalHandle, error)
	DestroyImage(img ImageHandle)
	FreeMemory(mem MemoryHandle)
}

// ComputeMode mirrors the compute runtime's per-device scheduling mode.
type ComputeMode int

const (
	ComputeModeDefault ComputeMode = iota
	ComputeModeExclusiveProcess
	ComputeModeProhibited
)

func (m ComputeMode) String() string {
	switch m {
	case ComputeModeDefault:
		return "default"
	case ComputeModeExclusiveProcess:
		return "exclusive-process"
	case ComputeModeProhibited:
		return "prohibited"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ComputeDeviceProperties is what enumeration reports per device.
type ComputeDeviceProperties struct {
	Name string
	UUID DeviceUUID
	Mode ComputeMode
}

// ComputeRuntime enumerates compute devices.
type ComputeRuntime interface {
	DeviceCount() (int, error)
	DeviceProperties(ordinal int) (ComputeDeviceProperties, error)
	SetDevice(ordinal int) (ComputeDevice, error)
}

type (
	ExternalMemory uint64
	MipmappedArray uint64
)

// ArrayDesc describes how imported memory is viewed as a mipmapped array.
type ArrayDesc struct {
	Offset   uint64
	Width    uint32
	Height   uint32
	Channels ChannelFormat
	Levels   uint32
}

// DeviceArray is one addressable level of a mipmapped array. Data is set
// only when the backend can expose the level to the host.
type DeviceArray struct {
	Handle   uint64
	Width    uint32
	Height   uint32
	Channels ChannelFormat
	Data     []byte
}

// ComputeDevice is the compute-API side of the interop pair, already made
// current.
type ComputeDevice interface {
	ImportExternalMemory(h *ExternalHandle, size uint64) (ExternalMemory, error)
	MapMipmappedArray(mem ExternalMemory, desc ArrayDesc) (MipmappedArray, error)
	ArrayLevel(arr MipmappedArray, level uint32) (DeviceArray, error)
	DestroyMipmappedArray(arr MipmappedArray)
	DestroyExternalMemory(mem ExternalMemory)
}
