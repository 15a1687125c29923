package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

var (
	// ErrOutOfDeviceMemory means no memory type satisfies the image.
	ErrOutOfDeviceMemory = errors.New("gpu: out of device memory")
	// ErrInteropFailed wraps compute-side import or mapping failures.
	ErrInteropFailed = errors.New("gpu: compute import failed")
)

// DefaultImageUsage covers transfer source, transfer destination and
// sampled access.
const DefaultImageUsage = gputypes.TextureUsageCopySrc |
	gputypes.TextureUsageCopyDst |
	gputypes.TextureUsageTextureBinding

// ImageDesc describes one shared image.
type ImageDesc struct {
	Width       uint32
	Height      uint32
	Format      gputypes.TextureFormat
	Usage       gputypes.TextureUsage
	MemoryFlags MemoryPropertyFlags
}

func (d ImageDesc) withDefaults() ImageDesc {
	if d.Usage == gputypes.TextureUsageNone {
		d.Usage = DefaultImageUsage
	}
	if d.MemoryFlags == 0 {
		d.MemoryFlags = MemoryPropertyDeviceLocal
	}
	return d
}

// Image is a graphics-device image whose memory is also mapped on the
// compute device. Zero handles are null handles.
type Image struct {
	graphics GraphicsDevice
	compute  ComputeDevice

	desc     ImageDesc
	channels ChannelFormat
	size     uint64

	image  ImageHandle
	memory MemoryHandle
	handle *ExternalHandle
	extMem ExternalMemory
	mipmap MipmappedArray
	array  DeviceArray

	destroyed bool
}

// CreateImage allocates an exportable image on graphics and imports it into
// compute. On error nothing is left allocated on either device.
func CreateImage(graphics GraphicsDevice, compute ComputeDevice, desc ImageDesc) (*Image, error) {
	desc = desc.withDefaults()
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("gpu: invalid image extent %dx%d", desc.Width, desc.Height)
	}
	channels, err := ChannelFormatFor(desc.Format)
	if err != nil {
		return nil, err
	}

	img := &Image{
		graphics: graphics,
		compute:  compute,
		desc:     desc,
		channels: channels,
	}

	img.image, err = graphics.CreateImage(ImageCreateInfo{
		Extent:     gputypes.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		Format:     desc.Format,
		Usage:      desc.Usage,
		Tiling:     TilingOptimal,
		HandleType: PlatformHandleType,
	})
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}

	req := graphics.ImageMemoryRequirements(img.image)
	typeIndex, ok := findMemoryType(graphics.MemoryTypes(), req.TypeBits, desc.MemoryFlags)
	if !ok {
		img.Destroy()
		return nil, fmt.Errorf("%w: type bits %#x, flags %#x", ErrOutOfDeviceMemory, req.TypeBits, desc.MemoryFlags)
	}
	img.size = req.Size

	img.memory, err = graphics.AllocateMemory(req.Size, typeIndex, PlatformHandleType)
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("allocate %d bytes: %w", req.Size, err)
	}
	if err := graphics.BindImageMemory(img.image, img.memory); err != nil {
		img.Destroy()
		return nil, fmt.Errorf("bind image memory: %w", err)
	}

	img.handle, err = graphics.ExportMemory(img.memory, PlatformHandleType)
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("export memory: %w", err)
	}

	img.extMem, err = compute.ImportExternalMemory(img.handle, req.Size)
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("%w: import %d bytes: %v", ErrInteropFailed, req.Size, err)
	}
	img.mipmap, err = compute.MapMipmappedArray(img.extMem, ArrayDesc{
		Width:    desc.Width,
		Height:   desc.Height,
		Channels: channels,
		Levels:   1,
	})
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("%w: map mipmapped array: %v", ErrInteropFailed, err)
	}
	img.array, err = compute.ArrayLevel(img.mipmap, 0)
	if err != nil {
		img.Destroy()
		return nil, fmt.Errorf("%w: array level 0: %v", ErrInteropFailed, err)
	}

	return img, nil
}

func findMemoryType(types []MemoryType, typeBits uint32, want MemoryPropertyFlags) (uint32, bool) {
	for i, t := range types {
		if i >= 32 {
			break
		}
		if typeBits&(1<<uint(i)) != 0 && t.Flags&want == want {
			return uint32(i), true
		}
	}
	return 0, false
}

func (img *Image) Width() uint32                  { return img.desc.Width }
func (img *Image) Height() uint32                 { return img.desc.Height }
func (img *Image) Format() gputypes.TextureFormat { return img.desc.Format }
func (img *Image) Channels() ChannelFormat        { return img.channels }

// Size is the allocation size reported by the graphics device.
func (img *Image) Size() uint64 { return img.size }

// Stride is the tightly packed row size in bytes.
func (img *Image) Stride() int {
	return int(img.desc.Width) * img.channels.BitsPerPixel() / 8
}

// Array is level 0 as seen by the compute device.
func (img *Image) Array() DeviceArray { return img.array }

// Bytes is the host view of level 0, or nil for device-only backends.
func (img *Image) Bytes() []byte { return img.array.Data }

// GraphicsHandle is the image as known to the graphics device.
func (img *Image) GraphicsHandle() ImageHandle { return img.image }

// Handle is the exported memory handle. It stays owned by the image.
func (img *Image) Handle() *ExternalHandle { return img.handle }

// Destroy releases both sides in reverse creation order. Safe to call on a
// partially built image and more than once.
func (img *Image) Destroy() {
	if img.destroyed {
		return
	}
	img.destroyed = true

	if img.mipmap != 0 {
		img.compute.DestroyMipmappedArray(img.mipmap)
		img.mipmap = 0
	}
	if img.extMem != 0 {
		img.compute.DestroyExternalMemory(img.extMem)
		img.extMem = 0
	}
	if img.handle != nil {
		_ = img.handle.Close()
		img.handle = nil
	}
	if img.image != 0 {
		img.graphics.DestroyImage(img.image)
		img.image = 0
	}
	if img.memory != 0 {
		img.graphics.FreeMemory(img.memory)
		img.memory = 0
	}
	img.array = DeviceArray{}
}
