package source

import (
	"context"
	"fmt"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/media"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
)

// Pattern renders a moving gradient into leased pool images and emits them
// as device frames. A frame is skipped when the pool is exhausted.
type Pattern struct {
	pool    *gpu.Pool
	cfg     Config
	emitter *media.Emitter
	metrics *metrics.Metrics
	msgs    messages
	warn    *logger.Sampled
	bpp     int
	frame   int
}

func NewPattern(pool *gpu.Pool, cfg Config, em *media.Emitter, tracking <-chan downmsg.UpMessage, m *metrics.Metrics) (*Pattern, error) {
	info := pool.Info()
	if _, ok := media.FormatForTexture(info.Format); !ok {
		return nil, fmt.Errorf("pattern: pool format %v has no frame format", info.Format)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Pattern{
		pool:    pool,
		cfg:     cfg,
		emitter: em,
		metrics: m,
		msgs:    messages{tracking: tracking, control: cfg.Control},
		warn:    logger.Every("Source", 100),
		bpp:     gpu.BytesPerPixel(info.Format),
	}, nil
}

// Run emits one frame per tick until ctx is done or the emitter closes.
func (p *Pattern) Run(ctx context.Context) error {
	info := p.pool.Info()
	logger.Info("Source", "Rendering test pattern %dx%d at %d fps into %d pooled images",
		info.Width, info.Height, p.cfg.FPS, info.Capacity)

	ticker := time.NewTicker(frameInterval(p.cfg.FPS))
	defer ticker.Stop()
	clk := newClock()

	for {
		if err := waitTick(ctx, ticker); err != nil {
			return err
		}
		if !p.step(clk.nowNS()) {
			return nil
		}
	}
}

// step emits one frame and reports whether the producer should continue.
func (p *Pattern) step(tsNS int64) bool {
	lease, ok := p.pool.Lease()
	p.metrics.PoolInUse.Store(uint64(p.pool.InUse()))
	if !ok {
		p.metrics.PoolExhausted.Add(1)
		p.warn.Warn("Image pool exhausted, skipping frame")
		// the id is consumed so the gap shows up in loss accounting
		p.msgs.seq++
		return true
	}

	img := lease.Image()
	fill(img.Bytes(), img.Stride(), int(img.Width())*p.bpp, int(img.Height()), p.frame)
	p.frame++

	err := p.emitter.PushImage(lease, tsNS, p.msgs.next(tsNS))
	return !pushFailed(err, p.warn)
}

// fill writes a diagonal gradient shifted by frame.
func fill(pix []byte, stride, rowBytes, height, frame int) {
	for y := 0; y < height; y++ {
		row := pix[y*stride : y*stride+rowBytes]
		for x := range row {
			row[x] = byte(x + y + frame*4)
		}
	}
}
