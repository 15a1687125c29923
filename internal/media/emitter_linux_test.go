package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
	"github.com/dj-oyu/xr-streaming-server/internal/gpu/hostmem"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
)

func newHostPool(t *testing.T, capacity int) *gpu.Pool {
	t.Helper()
	id := gpu.DeviceUUID{0x42}
	g, rt, err := hostmem.Open(id)
	if err != nil {
		t.Fatalf("hostmem.Open: %v", err)
	}
	compute, _, err := gpu.SelectComputeDevice(rt, id)
	if err != nil {
		t.Fatalf("SelectComputeDevice: %v", err)
	}
	pool, err := gpu.NewPool(g, compute, gpu.PoolInfo{
		Width:    8,
		Height:   4,
		Format:   gputypes.TextureFormatRGBA8Unorm,
		Capacity: capacity,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pool.Close(ctx); err != nil {
			t.Errorf("pool.Close: %v", err)
		}
	})
	return pool
}

func TestPushImageReturnsLeaseAfterRelease(t *testing.T) {
	pool := newHostPool(t, 1)
	m := metrics.New()
	e := NewEmitter(2, m)

	lease, ok := pool.Lease()
	if !ok {
		t.Fatal("lease failed")
	}
	if err := e.PushImage(lease, 10, []byte{1}); err != nil {
		t.Fatalf("PushImage: %v", err)
	}
	if _, ok := pool.Acquire(); ok {
		t.Fatalf("image reusable while frame is queued")
	}

	b := <-e.Buffers()
	info := b.Frame.Info()
	if info.Format != FormatRGBA8 || info.Width != 8 || info.Height != 4 || info.Stride != 32 {
		t.Fatalf("unexpected frame info %+v", info)
	}
	if len(b.Frame.Bytes()) != 8*4*4 {
		t.Fatalf("host view %d bytes", len(b.Frame.Bytes()))
	}
	b.Release()

	if pool.InUse() != 0 {
		t.Fatalf("InUse=%d after release", pool.InUse())
	}
	if m.FramesEmittedGPU.Load() != 1 {
		t.Fatalf("FramesEmittedGPU=%d", m.FramesEmittedGPU.Load())
	}
}

func TestPushImageRejectedReleasesLease(t *testing.T) {
	pool := newHostPool(t, 2)
	e := NewEmitter(2, nil)

	l1, _ := pool.Lease()
	if err := e.PushImage(l1, 10, nil); err != nil {
		t.Fatal(err)
	}
	l2, _ := pool.Lease()
	if err := e.PushImage(l2, 5, nil); !errors.Is(err, ErrNonMonotonic) {
		t.Fatalf("err=%v", err)
	}
	if pool.InUse() != 1 {
		t.Fatalf("InUse=%d, rejected lease not returned", pool.InUse())
	}

	b := <-e.Buffers()
	b.Release()
	if pool.InUse() != 0 {
		t.Fatalf("InUse=%d after releasing the queued frame", pool.InUse())
	}
}

func TestPoolCloseFailsWithQueuedFrame(t *testing.T) {
	pool := newHostPool(t, 1)
	e := NewEmitter(1, nil)

	lease, _ := pool.Lease()
	if err := e.PushImage(lease, 1, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Close(ctx); !errors.Is(err, gpu.ErrLeasesOutstanding) {
		t.Fatalf("Close with a queued frame: err=%v, want ErrLeasesOutstanding", err)
	}

	b := <-e.Buffers()
	b.Release()
}
