package gpu

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestCreateImageImportsExactSize(t *testing.T) {
	dev := newFakeDevices()
	img, err := CreateImage(dev, dev, ImageDesc{Width: 8, Height: 4, Format: gputypes.TextureFormatRGBA8Uint})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	defer img.Destroy()

	if len(dev.importSizes) != 1 || dev.importSizes[0] != img.Size() {
		t.Fatalf("import sizes %v, want [%d]", dev.importSizes, img.Size())
	}
	if img.Handle() == nil || img.Handle().Closed() {
		t.Fatalf("exported handle not held by image")
	}
	if img.Stride() != 32 {
		t.Fatalf("stride=%d, want 32", img.Stride())
	}
}

func TestCreateImageRejectsUnmappedFormat(t *testing.T) {
	dev := newFakeDevices()
	_, err := CreateImage(dev, dev, ImageDesc{Width: 8, Height: 8, Format: gputypes.TextureFormatBGRA8Unorm})
	if !errors.Is(err, ErrNoChannelFormat) {
		t.Fatalf("err=%v, want ErrNoChannelFormat", err)
	}
	if dev.calls["CreateImage"] != 0 {
		t.Fatalf("image allocated before format check")
	}
}

func TestCreateImageNoMemoryType(t *testing.T) {
	dev := newFakeDevices()
	dev.typeBits = 0b01 // host-visible only

	_, err := CreateImage(dev, dev, ImageDesc{Width: 8, Height: 8, Format: gputypes.TextureFormatR8Unorm})
	if !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Fatalf("err=%v, want ErrOutOfDeviceMemory", err)
	}
	if n := dev.live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
}

func TestCreateImageComputeFailureIsClassified(t *testing.T) {
	dev := newFakeDevices()
	dev.failStep = "MapMipmappedArray"

	_, err := CreateImage(dev, dev, ImageDesc{Width: 8, Height: 8, Format: gputypes.TextureFormatRG16Unorm})
	if !errors.Is(err, ErrInteropFailed) {
		t.Fatalf("err=%v, want ErrInteropFailed", err)
	}
	if n := dev.live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
}

func TestImageDestroyTwice(t *testing.T) {
	dev := newFakeDevices()
	img, err := CreateImage(dev, dev, ImageDesc{Width: 2, Height: 2, Format: gputypes.TextureFormatR16Uint})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	img.Destroy()
	img.Destroy()
	if n := dev.live(); n != 0 {
		t.Fatalf("%d objects leaked", n)
	}
}

func TestFindMemoryType(t *testing.T) {
	types := []MemoryType{
		{Flags: MemoryPropertyHostVisible},
		{Flags: MemoryPropertyDeviceLocal | MemoryPropertyHostVisible},
		{Flags: MemoryPropertyDeviceLocal},
	}
	if idx, ok := findMemoryType(types, 0b100, MemoryPropertyDeviceLocal); !ok || idx != 2 {
		t.Fatalf("got (%d,%v), want (2,true)", idx, ok)
	}
	if idx, ok := findMemoryType(types, 0b111, MemoryPropertyDeviceLocal); !ok || idx != 1 {
		t.Fatalf("got (%d,%v), want (1,true)", idx, ok)
	}
	if _, ok := findMemoryType(types, 0b001, MemoryPropertyDeviceLocal); ok {
		t.Fatalf("expected no match")
	}
}
