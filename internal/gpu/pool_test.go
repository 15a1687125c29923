package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
)

func newTestPool(t *testing.T, capacity int) (*Pool, *fakeDevices) {
	t.Helper()
	dev := newFakeDevices()
	pool, err := NewPool(dev, dev, PoolInfo{
		Width:    64,
		Height:   32,
		Format:   gputypes.TextureFormatRGBA8Unorm,
		Capacity: capacity,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool, dev
}

func TestPoolCapacityBound(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("capacity=%d", n), func(t *testing.T) {
			pool, _ := newTestPool(t, n)

			held := make([]*Image, 0, n)
			for i := 0; i < n; i++ {
				img, ok := pool.Acquire()
				if !ok {
					t.Fatalf("acquire %d of %d failed", i+1, n)
				}
				held = append(held, img)
			}
			if _, ok := pool.Acquire(); ok {
				t.Fatalf("acquire %d succeeded on capacity %d", n+1, n)
			}
			if pool.InUse() != n {
				t.Fatalf("InUse=%d, want %d", pool.InUse(), n)
			}

			pool.Release(held[0])
			if _, ok := pool.Acquire(); !ok {
				t.Fatalf("acquire after release failed")
			}
		})
	}
}

func TestPoolExhaustionScenario(t *testing.T) {
	pool, _ := newTestPool(t, 2)

	a, ok := pool.Acquire()
	if !ok {
		t.Fatalf("first acquire failed")
	}
	if _, ok := pool.Acquire(); !ok {
		t.Fatalf("second acquire failed")
	}
	if _, ok := pool.Acquire(); ok {
		t.Fatalf("third acquire should report empty")
	}
	pool.Release(a)
	b, ok := pool.Acquire()
	if !ok {
		t.Fatalf("acquire after release failed")
	}
	if b != a {
		t.Fatalf("expected the released image to be handed out again")
	}
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	other, _ := newTestPool(t, 1)

	img, _ := pool.Acquire()
	pool.Release(img)
	pool.Release(img)
	if pool.InUse() != 0 {
		t.Fatalf("InUse=%d after double release", pool.InUse())
	}

	held, _ := pool.Acquire()
	foreign, _ := other.Acquire()
	pool.Release(foreign)
	pool.Release(nil)
	if pool.InUse() != 1 {
		t.Fatalf("InUse=%d after foreign release, want 1", pool.InUse())
	}
	if other.InUse() != 1 {
		t.Fatalf("foreign pool changed: InUse=%d", other.InUse())
	}
	pool.Release(held)
}

func TestPoolConcurrentAcquire(t *testing.T) {
	const capacity = 3
	pool, _ := newTestPool(t, capacity)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*Image
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if img, ok := pool.Acquire(); ok {
				mu.Lock()
				granted = append(granted, img)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(granted) != capacity {
		t.Fatalf("granted %d leases, want %d", len(granted), capacity)
	}
	seen := make(map[*Image]bool)
	for _, img := range granted {
		if seen[img] {
			t.Fatalf("image handed out twice")
		}
		seen[img] = true
	}
}

func TestNewPoolFailsAtomically(t *testing.T) {
	steps := []string{
		"CreateImage",
		"AllocateMemory",
		"BindImageMemory",
		"ExportMemory",
		"ImportExternalMemory",
		"MapMipmappedArray",
		"ArrayLevel",
	}
	for _, step := range steps {
		t.Run(step, func(t *testing.T) {
			dev := newFakeDevices()
			dev.failStep = step
			dev.failAfter = 2

			pool, err := NewPool(dev, dev, PoolInfo{
				Width:    16,
				Height:   16,
				Format:   gputypes.TextureFormatR8Unorm,
				Capacity: 4,
			})
			if err == nil {
				t.Fatalf("expected error")
			}
			if pool != nil {
				t.Fatalf("pool returned with error")
			}
			if n := dev.live(); n != 0 {
				t.Fatalf("%d device objects leaked", n)
			}
		})
	}
}

func TestNewPoolRejectsZeroCapacity(t *testing.T) {
	dev := newFakeDevices()
	if _, err := NewPool(dev, dev, PoolInfo{Width: 1, Height: 1, Format: gputypes.TextureFormatR8Unorm}); err == nil {
		t.Fatalf("expected error for capacity 0")
	}
}

func TestPoolInfo(t *testing.T) {
	pool, _ := newTestPool(t, 3)
	info := pool.Info()
	if info.Width != 64 || info.Height != 32 || info.Capacity != 3 || info.Format != gputypes.TextureFormatRGBA8Unorm {
		t.Fatalf("Info=%+v", info)
	}
}

func TestPoolCloseWaitsForLeases(t *testing.T) {
	pool, dev := newTestPool(t, 2)

	lease, ok := pool.Lease()
	if !ok {
		t.Fatalf("lease failed")
	}

	done := make(chan error, 1)
	go func() {
		done <- pool.Close(context.Background())
	}()

	// Closing pools hand out nothing.
	deadline := time.Now().Add(time.Second)
	for {
		img, ok := pool.Acquire()
		if !ok {
			break
		}
		pool.Release(img)
		if time.Now().After(deadline) {
			t.Fatalf("pool still handing out images while closing")
		}
	}

	select {
	case err := <-done:
		t.Fatalf("Close returned before lease release: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if dev.live() == 0 {
		t.Fatalf("images destroyed while leased")
	}

	lease.Release()
	lease.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not return after release")
	}
	if n := dev.live(); n != 0 {
		t.Fatalf("%d device objects left after Close", n)
	}
	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPoolCloseTimeout(t *testing.T) {
	pool, dev := newTestPool(t, 1)
	img, _ := pool.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := pool.Close(ctx)
	if !errors.Is(err, ErrLeasesOutstanding) {
		t.Fatalf("err=%v, want ErrLeasesOutstanding", err)
	}
	if dev.live() == 0 {
		t.Fatalf("images freed despite outstanding lease")
	}

	pool.Release(img)
	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("Close after release: %v", err)
	}
	if n := dev.live(); n != 0 {
		t.Fatalf("%d device objects left", n)
	}
}
