// Package hostmem is an interop device pair backed by anonymous shared
// memory. The graphics side allocates memfd files; the compute side maps the
// exported descriptors again, so both sides address the same pages.
package hostmem

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"golang.org/x/sys/unix"

	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
)

const pageSize = 4096

type image struct {
	info   gpu.ImageCreateInfo
	memory gpu.MemoryHandle
}

type region struct {
	fd   int
	data []byte
}

// Graphics is the allocating side.
type Graphics struct {
	uuid gpu.DeviceUUID

	mu       sync.Mutex
	next     uint64
	images   map[gpu.ImageHandle]*image
	memories map[gpu.MemoryHandle]*region
}

// Open returns a graphics device and a compute runtime that share id.
func Open(id gpu.DeviceUUID) (gpu.GraphicsDevice, gpu.ComputeRuntime, error) {
	g, err := NewGraphics(id)
	if err != nil {
		return nil, nil, err
	}
	return g, NewRuntime(id), nil
}

// NewGraphics returns a graphics device reporting id as its UUID.
func NewGraphics(id gpu.DeviceUUID) (*Graphics, error) {
	return &Graphics{
		uuid:     id,
		images:   make(map[gpu.ImageHandle]*image),
		memories: make(map[gpu.MemoryHandle]*region),
	}, nil
}

func (g *Graphics) UUID() gpu.DeviceUUID { return g.uuid }

func (g *Graphics) MemoryTypes() []gpu.MemoryType {
	return []gpu.MemoryType{{
		Flags: gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent,
	}}
}

func (g *Graphics) CreateImage(info gpu.ImageCreateInfo) (gpu.ImageHandle, error) {
	if info.HandleType != gpu.HandleTypeOpaqueFD {
		return 0, fmt.Errorf("hostmem: unsupported handle type %s", info.HandleType)
	}
	if gpu.BytesPerPixel(info.Format) == 0 {
		return 0, fmt.Errorf("hostmem: unsupported format %s", info.Format)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	h := gpu.ImageHandle(g.next)
	g.images[h] = &image{info: info}
	return h, nil
}

func (g *Graphics) ImageMemoryRequirements(h gpu.ImageHandle) gpu.MemoryRequirements {
	g.mu.Lock()
	img, ok := g.images[h]
	g.mu.Unlock()
	if !ok {
		return gpu.MemoryRequirements{}
	}
	return gpu.MemoryRequirements{
		Size:      imageSize(img.info.Extent, img.info.Format),
		Alignment: pageSize,
		TypeBits:  1,
	}
}

func imageSize(e gputypes.Extent3D, f gputypes.TextureFormat) uint64 {
	n := uint64(e.Width) * uint64(e.Height) * uint64(gpu.BytesPerPixel(f))
	return (n + pageSize - 1) &^ (pageSize - 1)
}

func (g *Graphics) AllocateMemory(size uint64, typeIndex uint32, export gpu.HandleType) (gpu.MemoryHandle, error) {
	if typeIndex != 0 {
		return 0, fmt.Errorf("hostmem: no memory type %d", typeIndex)
	}
	fd, err := unix.MemfdCreate("xr-frame", unix.MFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("ftruncate %d: %w", size, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("mmap: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	h := gpu.MemoryHandle(g.next)
	g.memories[h] = &region{fd: fd, data: data}
	return h, nil
}

func (g *Graphics) BindImageMemory(img gpu.ImageHandle, mem gpu.MemoryHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.images[img]
	if !ok {
		return fmt.Errorf("hostmem: unknown image %d", img)
	}
	r, ok := g.memories[mem]
	if !ok {
		return fmt.Errorf("hostmem: unknown memory %d", mem)
	}
	if need := imageSize(i.info.Extent, i.info.Format); uint64(len(r.data)) < need {
		return fmt.Errorf("hostmem: memory %d too small: %d < %d", mem, len(r.data), need)
	}
	i.memory = mem
	return nil
}

func (g *Graphics) ExportMemory(mem gpu.MemoryHandle, t gpu.HandleType) (*gpu.ExternalHandle, error) {
	if t != gpu.HandleTypeOpaqueFD {
		return nil, fmt.Errorf("hostmem: cannot export %s", t)
	}
	g.mu.Lock()
	r, ok := g.memories[mem]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("hostmem: unknown memory %d", mem)
	}
	fd, err := unix.FcntlInt(uintptr(r.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup memfd: %w", err)
	}
	return gpu.NewExternalHandle(uintptr(fd)), nil
}

// ImageBytes is the graphics-side mapping of a bound image.
func (g *Graphics) ImageBytes(h gpu.ImageHandle) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	img, ok := g.images[h]
	if !ok || img.memory == 0 {
		return nil
	}
	r := g.memories[img.memory]
	n := uint64(img.info.Extent.Width) * uint64(img.info.Extent.Height) * uint64(gpu.BytesPerPixel(img.info.Format))
	return r.data[:n]
}

func (g *Graphics) DestroyImage(h gpu.ImageHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.images, h)
}

func (g *Graphics) FreeMemory(mem gpu.MemoryHandle) {
	g.mu.Lock()
	r, ok := g.memories[mem]
	delete(g.memories, mem)
	g.mu.Unlock()
	if !ok {
		return
	}
	_ = unix.Munmap(r.data)
	_ = unix.Close(r.fd)
}

// Live reports how many images and allocations are outstanding.
func (g *Graphics) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.images) + len(g.memories)
}

// Runtime exposes a single compute device sharing the graphics UUID.
type Runtime struct {
	uuid gpu.DeviceUUID
	name string
}

func NewRuntime(id gpu.DeviceUUID) *Runtime {
	return &Runtime{uuid: id, name: "hostmem"}
}

func (r *Runtime) DeviceCount() (int, error) { return 1, nil }

func (r *Runtime) DeviceProperties(ordinal int) (gpu.ComputeDeviceProperties, error) {
	if ordinal != 0 {
		return gpu.ComputeDeviceProperties{}, fmt.Errorf("hostmem: no device %d", ordinal)
	}
	return gpu.ComputeDeviceProperties{Name: r.name, UUID: r.uuid, Mode: gpu.ComputeModeDefault}, nil
}

func (r *Runtime) SetDevice(ordinal int) (gpu.ComputeDevice, error) {
	if ordinal != 0 {
		return nil, fmt.Errorf("hostmem: no device %d", ordinal)
	}
	return newCompute(), nil
}

type mipmap struct {
	mem  gpu.ExternalMemory
	desc gpu.ArrayDesc
}

// Compute maps imported descriptors into its own address range.
type Compute struct {
	mu       sync.Mutex
	next     uint64
	mappings map[gpu.ExternalMemory][]byte
	arrays   map[gpu.MipmappedArray]*mipmap
}

func newCompute() *Compute {
	return &Compute{
		mappings: make(map[gpu.ExternalMemory][]byte),
		arrays:   make(map[gpu.MipmappedArray]*mipmap),
	}
}

func (c *Compute) ImportExternalMemory(h *gpu.ExternalHandle, size uint64) (gpu.ExternalMemory, error) {
	if h.Type() != gpu.HandleTypeOpaqueFD {
		return 0, fmt.Errorf("hostmem: cannot import %s", h.Type())
	}
	fd, err := h.Value()
	if err != nil {
		return 0, err
	}
	data, err := unix.Mmap(int(fd), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("mmap imported fd: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	m := gpu.ExternalMemory(c.next)
	c.mappings[m] = data
	return m, nil
}

func (c *Compute) MapMipmappedArray(mem gpu.ExternalMemory, desc gpu.ArrayDesc) (gpu.MipmappedArray, error) {
	if desc.Levels != 1 {
		return 0, fmt.Errorf("hostmem: %d levels unsupported", desc.Levels)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.mappings[mem]
	if !ok {
		return 0, fmt.Errorf("hostmem: unknown external memory %d", mem)
	}
	need := desc.Offset + uint64(desc.Width)*uint64(desc.Height)*uint64(desc.Channels.BitsPerPixel()/8)
	if need > uint64(len(data)) {
		return 0, fmt.Errorf("hostmem: array needs %d bytes, memory has %d", need, len(data))
	}
	c.next++
	a := gpu.MipmappedArray(c.next)
	c.arrays[a] = &mipmap{mem: mem, desc: desc}
	return a, nil
}

func (c *Compute) ArrayLevel(arr gpu.MipmappedArray, level uint32) (gpu.DeviceArray, error) {
	if level != 0 {
		return gpu.DeviceArray{}, fmt.Errorf("hostmem: no level %d", level)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.arrays[arr]
	if !ok {
		return gpu.DeviceArray{}, fmt.Errorf("hostmem: unknown array %d", arr)
	}
	d := m.desc
	n := uint64(d.Width) * uint64(d.Height) * uint64(d.Channels.BitsPerPixel()/8)
	return gpu.DeviceArray{
		Handle:   uint64(arr),
		Width:    d.Width,
		Height:   d.Height,
		Channels: d.Channels,
		Data:     c.mappings[m.mem][d.Offset : d.Offset+n],
	}, nil
}

func (c *Compute) DestroyMipmappedArray(arr gpu.MipmappedArray) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.arrays, arr)
}

func (c *Compute) DestroyExternalMemory(mem gpu.ExternalMemory) {
	c.mu.Lock()
	data, ok := c.mappings[mem]
	delete(c.mappings, mem)
	c.mu.Unlock()
	if ok {
		_ = unix.Munmap(data)
	}
}
