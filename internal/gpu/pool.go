package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/dj-oyu/xr-streaming-server/internal/logger"
)

var (
	ErrPoolClosed        = errors.New("gpu: pool closed")
	ErrLeasesOutstanding = errors.New("gpu: pool has outstanding leases")
)

// PoolInfo is the read-only shape of a pool.
type PoolInfo struct {
	Width    uint32
	Height   uint32
	Format   gputypes.TextureFormat
	Capacity int
}

// Pool is a fixed set of shared images handed out one lease at a time.
type Pool struct {
	info PoolInfo

	mu      sync.Mutex
	images  []*Image
	used    []bool
	inUse   int
	closing bool
	closed  bool
	idle    chan struct{}
}

// NewPool creates every image up front. If any image fails, all images
// created so far are destroyed and the error is returned.
func NewPool(graphics GraphicsDevice, compute ComputeDevice, info PoolInfo) (*Pool, error) {
	if info.Capacity < 1 {
		return nil, fmt.Errorf("gpu: pool capacity must be >= 1, got %d", info.Capacity)
	}

	images := make([]*Image, 0, info.Capacity)
	for i := 0; i < info.Capacity; i++ {
		img, err := CreateImage(graphics, compute, ImageDesc{
			Width:  info.Width,
			Height: info.Height,
			Format: info.Format,
		})
		if err != nil {
			for _, created := range images {
				created.Destroy()
			}
			return nil, fmt.Errorf("pool image %d/%d: %w", i+1, info.Capacity, err)
		}
		images = append(images, img)
	}

	logger.Info("Pool", "Created %d images %dx%d %s (%d bytes each)",
		info.Capacity, info.Width, info.Height, info.Format, images[0].Size())

	return &Pool{
		info:   info,
		images: images,
		used:   make([]bool, len(images)),
	}, nil
}

// Acquire returns the first unused image. It returns false when every image
// is leased or the pool is closing.
func (p *Pool) Acquire() (*Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return nil, false
	}
	for i, used := range p.used {
		if !used {
			p.used[i] = true
			p.inUse++
			return p.images[i], true
		}
	}
	return nil, false
}

// Release returns img to the pool. Images that are not part of this pool or
// not currently leased are ignored.
func (p *Pool) Release(img *Image) {
	if img == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, candidate := range p.images {
		if candidate != img {
			continue
		}
		if !p.used[i] {
			return
		}
		p.used[i] = false
		p.inUse--
		if p.closing && p.inUse == 0 && p.idle != nil {
			close(p.idle)
			p.idle = nil
		}
		return
	}
}

// Lease acquires an image wrapped so it can be released once.
func (p *Pool) Lease() (*Lease, bool) {
	img, ok := p.Acquire()
	if !ok {
		return nil, false
	}
	return &Lease{pool: p, image: img}, true
}

// Info returns the pool shape.
func (p *Pool) Info() PoolInfo {
	return p.info
}

// InUse returns the number of leased images.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Close stops handing out images, waits for all leases to come back and then
// destroys the images. If ctx ends first nothing is freed and
// ErrLeasesOutstanding is returned; Close may be called again later.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	var idle chan struct{}
	if p.inUse > 0 {
		if p.idle == nil {
			p.idle = make(chan struct{})
		}
		idle = p.idle
	}
	p.mu.Unlock()

	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("%w: %d in use: %v", ErrLeasesOutstanding, p.InUse(), ctx.Err())
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	images := p.images
	p.images = nil
	p.used = nil
	p.mu.Unlock()

	for _, img := range images {
		img.Destroy()
	}
	logger.Info("Pool", "Destroyed %d images", len(images))
	return nil
}

// Lease is exclusive use of one pooled image until Release.
type Lease struct {
	pool  *Pool
	image *Image
	once  sync.Once
}

func (l *Lease) Image() *Image { return l.image }

// Release returns the image to its pool. Later calls do nothing.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.Release(l.image)
	})
}
