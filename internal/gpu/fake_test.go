package gpu

import (
	"errors"
	"sync"
)

var errInjected = errors.New("injected failure")

// fakeDevices implements both sides of the interop pair and records every
// live object so tests can check for leaks.
type fakeDevices struct {
	mu sync.Mutex

	uuid        DeviceUUID
	memoryTypes []MemoryType
	typeBits    uint32

	// failStep names the call that fails; failAfter lets that many calls
	// succeed first.
	failStep  string
	failAfter int
	calls     map[string]int

	next        uint64
	images      map[ImageHandle]bool
	memories    map[MemoryHandle]uint64
	extMems     map[ExternalMemory]bool
	mipmaps     map[MipmappedArray]bool
	openHandles map[uintptr]bool
	importSizes []uint64
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		uuid: DeviceUUID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		memoryTypes: []MemoryType{
			{Flags: MemoryPropertyHostVisible},
			{Flags: MemoryPropertyDeviceLocal},
		},
		typeBits:    0b11,
		calls:       make(map[string]int),
		images:      make(map[ImageHandle]bool),
		memories:    make(map[MemoryHandle]uint64),
		extMems:     make(map[ExternalMemory]bool),
		mipmaps:     make(map[MipmappedArray]bool),
		openHandles: make(map[uintptr]bool),
	}
}

func (f *fakeDevices) fail(step string) bool {
	f.calls[step]++
	return f.failStep == step && f.calls[step] > f.failAfter
}

func (f *fakeDevices) id() uint64 {
	f.next++
	return f.next
}

func (f *fakeDevices) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images) + len(f.memories) + len(f.extMems) + len(f.mipmaps) + len(f.openHandles)
}

func (f *fakeDevices) UUID() DeviceUUID { return f.uuid }

func (f *fakeDevices) MemoryTypes() []MemoryType { return f.memoryTypes }

func (f *fakeDevices) CreateImage(info ImageCreateInfo) (ImageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail("CreateImage") {
		return 0, errInjected
	}
	h := ImageHandle(f.id())
	f.images[h] = true
	return h, nil
}

func (f *fakeDevices) ImageMemoryRequirements(ImageHandle) MemoryRequirements {
	return MemoryRequirements{Size: 4096, Alignment: 256, TypeBits: f.typeBits}
}

func (f *fakeDevices) AllocateMemory(size uint64, typeIndex uint32, export HandleType) (MemoryHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail("AllocateMemory") {
		return 0, errInjected
	}
	h := MemoryHandle(f.id())
	f.memories[h] = size
	return h, nil
}

func (f *fakeDevices) BindImageMemory(ImageHandle, MemoryHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail("BindImageMemory") {
		return errInjected
	}
	return nil
}

func (f *fakeDevices) ExportMemory(mem MemoryHandle, t HandleType) (*ExternalHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail("ExportMemory") {
		return nil, errInjected
	}
	v := uintptr(f.id())
	f.openHandles[v] = true
	return newExternalHandle(t, v, f.handleOps()), nil
}

func (f *fakeDevices) handleOps() handleOps {
	return handleOps{
		close: func(v uintptr) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if !f.openHandles[v] {
				return errors.New("double close")
			}
			delete(f.openHandles, v)
			return nil
		},
		dup: func(v uintptr) (uintptr, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			n := uintptr(f.id())
			f.openHandles[n] = true
			return n, nil
		},
	}
}

func (f *fakeDevices) DestroyImage(img ImageHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, img)
}

func (f *fakeDevices) FreeMemory(mem MemoryHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.memories, mem)
}

func (f *fakeDevices) ImportExternalMemory(h *ExternalHandle, size uint64) (ExternalMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail("ImportExternalMemory") {
		return 0, errInjected
	}
	f.importSizes = append(f.importSizes, size)
	m := ExternalMemory(f.id())
	f.extMems[m] = true
	return m, nil
}

func (f *fakeDevices) MapMipmappedArray(mem ExternalMemory, desc ArrayDesc) (MipmappedArray, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail("MapMipmappedArray") {
		return 0, errInjected
	}
	if desc.Levels != 1 {
		return 0, errors.New("expected one level")
	}
	a := MipmappedArray(f.id())
	f.mipmaps[a] = true
	return a, nil
}

func (f *fakeDevices) ArrayLevel(arr MipmappedArray, level uint32) (DeviceArray, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail("ArrayLevel") {
		return DeviceArray{}, errInjected
	}
	return DeviceArray{Handle: uint64(arr)}, nil
}

func (f *fakeDevices) DestroyMipmappedArray(arr MipmappedArray) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mipmaps, arr)
}

func (f *fakeDevices) DestroyExternalMemory(mem ExternalMemory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.extMems, mem)
}

// fakeRuntime enumerates a fixed device list.
type fakeRuntime struct {
	devices  []ComputeDeviceProperties
	countErr error
	current  int
}

func (r *fakeRuntime) DeviceCount() (int, error) { return len(r.devices), r.countErr }

func (r *fakeRuntime) DeviceProperties(ordinal int) (ComputeDeviceProperties, error) {
	return r.devices[ordinal], nil
}

func (r *fakeRuntime) SetDevice(ordinal int) (ComputeDevice, error) {
	r.current = ordinal
	return newFakeDevices(), nil
}
