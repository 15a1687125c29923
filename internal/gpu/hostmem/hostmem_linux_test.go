package hostmem

import (
	"bytes"
	"context"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
)

func openPair(t *testing.T) (*Graphics, gpu.ComputeDevice, gpu.DeviceUUID) {
	t.Helper()
	id := gpu.DeviceUUID{0x10, 0x20, 0x30}
	g, err := NewGraphics(id)
	if err != nil {
		t.Fatalf("NewGraphics: %v", err)
	}
	compute, _, err := gpu.SelectComputeDevice(NewRuntime(id), g.UUID())
	if err != nil {
		t.Fatalf("SelectComputeDevice: %v", err)
	}
	return g, compute, id
}

func TestSharedImageIsZeroCopy(t *testing.T) {
	g, compute, _ := openPair(t)

	img, err := gpu.CreateImage(g, compute, gpu.ImageDesc{
		Width:  16,
		Height: 8,
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	defer img.Destroy()

	graphicsView := g.ImageBytes(img.GraphicsHandle())
	computeView := img.Bytes()
	if len(graphicsView) != 16*8*4 || len(computeView) != len(graphicsView) {
		t.Fatalf("views %d/%d bytes, want %d", len(graphicsView), len(computeView), 16*8*4)
	}
	if &graphicsView[0] == &computeView[0] {
		t.Fatalf("expected two distinct mappings")
	}

	for i := range graphicsView {
		graphicsView[i] = byte(i)
	}
	if !bytes.Equal(graphicsView, computeView) {
		t.Fatalf("compute mapping does not observe graphics writes")
	}
	computeView[0] = 0xff
	if graphicsView[0] != 0xff {
		t.Fatalf("graphics mapping does not observe compute writes")
	}
}

func TestPoolLifecycle(t *testing.T) {
	g, compute, _ := openPair(t)

	pool, err := gpu.NewPool(g, compute, gpu.PoolInfo{
		Width:    32,
		Height:   32,
		Format:   gputypes.TextureFormatR8Unorm,
		Capacity: 3,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if g.Live() != 6 {
		t.Fatalf("live=%d, want 6", g.Live())
	}

	lease, ok := pool.Lease()
	if !ok {
		t.Fatalf("lease failed")
	}
	lease.Release()

	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if g.Live() != 0 {
		t.Fatalf("live=%d after Close", g.Live())
	}
}

func TestRejectsUnmappedFormat(t *testing.T) {
	g, compute, _ := openPair(t)
	if _, err := gpu.CreateImage(g, compute, gpu.ImageDesc{
		Width:  4,
		Height: 4,
		Format: gputypes.TextureFormatBGRA8Unorm,
	}); err == nil {
		t.Fatalf("expected error")
	}
	if g.Live() != 0 {
		t.Fatalf("live=%d", g.Live())
	}
}
