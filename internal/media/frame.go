// Package media wraps produced frames, CPU buffers or pooled GPU images,
// into timestamped pipeline buffers that carry their Down-Message.
package media

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
)

// Format is a frame pixel format.
type Format int

const (
	FormatUnknown Format = iota
	FormatRGB8
	FormatRGBA8
	FormatRGBX8
	FormatYUYV422
	FormatL8
	FormatH264 // encoded Annex-B access unit
)

var formatNames = map[Format]string{
	FormatRGB8:    "RGB",
	FormatRGBA8:   "RGBA",
	FormatRGBX8:   "RGBx",
	FormatYUYV422: "YUY2",
	FormatL8:      "GRAY8",
	FormatH264:    "H264",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// BytesPerPixel is 0 for encoded formats.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGB8:
		return 3
	case FormatRGBA8, FormatRGBX8:
		return 4
	case FormatYUYV422:
		return 2
	case FormatL8:
		return 1
	default:
		return 0
	}
}

// Raw reports whether f is an uncompressed pixel layout.
func (f Format) Raw() bool { return f.BytesPerPixel() > 0 }

// FormatForTexture maps a pool image format to a frame format.
func FormatForTexture(tf gputypes.TextureFormat) (Format, bool) {
	switch tf {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb, gputypes.TextureFormatRGBA8Uint:
		return FormatRGBA8, true
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Uint:
		return FormatL8, true
	case gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatRG8Uint:
		return FormatYUYV422, true
	default:
		return FormatUnknown, false
	}
}

// FrameInfo describes a frame's layout and origin time.
type FrameInfo struct {
	Format      Format
	Width       int
	Height      int
	Stride      int
	TimestampNS int64
}

// Frame is either a *CPUFrame or a *GPUFrame.
type Frame interface {
	Info() FrameInfo
	ByteSize() int
	// Bytes returns a host view of the pixels, or nil if the frame is
	// device-only.
	Bytes() []byte
	// Release gives up the frame's payload. Only the first call counts.
	Release()
}

// CPUBuffer is a reference counted byte slice.
type CPUBuffer struct {
	data   []byte
	refs   atomic.Int32
	onFree func([]byte)
}

// NewCPUBuffer wraps data with one reference. onFree, if set, runs when the
// last reference is dropped.
func NewCPUBuffer(data []byte, onFree func([]byte)) *CPUBuffer {
	b := &CPUBuffer{data: data, onFree: onFree}
	b.refs.Store(1)
	return b
}

func (b *CPUBuffer) Bytes() []byte { return b.data }

// Retain adds a reference.
func (b *CPUBuffer) Retain() *CPUBuffer {
	b.refs.Add(1)
	return b
}

// Release drops a reference.
func (b *CPUBuffer) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		if b.onFree != nil {
			b.onFree(b.data)
		}
		b.data = nil
	case n < 0:
		panic("media: CPUBuffer released too many times")
	}
}

func (b *CPUBuffer) Refs() int32 { return b.refs.Load() }

// CPUFrame is a frame in host memory.
type CPUFrame struct {
	info     FrameInfo
	buf      *CPUBuffer
	released atomic.Bool
}

// NewCPUFrame takes over one reference of buf.
func NewCPUFrame(info FrameInfo, buf *CPUBuffer) *CPUFrame {
	return &CPUFrame{info: info, buf: buf}
}

func (f *CPUFrame) Info() FrameInfo { return f.info }
func (f *CPUFrame) ByteSize() int   { return len(f.buf.Bytes()) }
func (f *CPUFrame) Bytes() []byte   { return f.buf.Bytes() }

func (f *CPUFrame) Release() {
	if f.released.CompareAndSwap(false, true) {
		f.buf.Release()
	}
}

// GPUFrame is a frame held in a leased pool image.
type GPUFrame struct {
	info  FrameInfo
	lease *gpu.Lease
}

// NewGPUFrame wraps a lease. The lease is released with the frame.
func NewGPUFrame(lease *gpu.Lease, timestampNS int64) (*GPUFrame, error) {
	img := lease.Image()
	format, ok := FormatForTexture(img.Format())
	if !ok {
		return nil, fmt.Errorf("media: no frame format for %s", img.Format())
	}
	return &GPUFrame{
		info: FrameInfo{
			Format:      format,
			Width:       int(img.Width()),
			Height:      int(img.Height()),
			Stride:      img.Stride(),
			TimestampNS: timestampNS,
		},
		lease: lease,
	}, nil
}

func (f *GPUFrame) Info() FrameInfo   { return f.info }
func (f *GPUFrame) ByteSize() int     { return f.info.Stride * f.info.Height }
func (f *GPUFrame) Bytes() []byte     { return f.lease.Image().Bytes() }
func (f *GPUFrame) Image() *gpu.Image { return f.lease.Image() }
func (f *GPUFrame) Release()          { f.lease.Release() }
