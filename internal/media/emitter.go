package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/gpu"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
)

var (
	ErrNonMonotonic  = errors.New("media: timestamp not after previous frame")
	ErrPipelineFull  = errors.New("media: pipeline queue full")
	ErrEmitterClosed = errors.New("media: emitter closed")
	ErrInvalidFrame  = errors.New("media: invalid frame layout")
)

// DefaultQueueSize is the number of buffers that may wait for the pipeline.
const DefaultQueueSize = 4

// Buffer is one timestamped frame queued for the pipeline.
type Buffer struct {
	Frame    Frame
	PTS      time.Duration // relative to the first emitted frame
	Duration time.Duration // gap to the previous frame, 0 for the first
	Sequence uint64
	// Meta is an encoded Down-Message, or nil.
	Meta      []byte
	EmittedAt time.Time
}

// Release releases the underlying frame.
func (b *Buffer) Release() {
	if b.Frame != nil {
		b.Frame.Release()
	}
}

// Emitter turns produced frames into pipeline buffers. Push is safe for
// concurrent use, but timestamps must increase across all callers.
type Emitter struct {
	metrics *metrics.Metrics
	odd     *logger.Sampled

	mu      sync.Mutex
	out     chan *Buffer
	started bool
	firstNS int64
	lastNS  int64
	seq     uint64
	closed  bool
}

// NewEmitter creates an emitter with a queue of the given depth.
func NewEmitter(queue int, m *metrics.Metrics) *Emitter {
	if queue < 1 {
		queue = DefaultQueueSize
	}
	if m == nil {
		m = metrics.New()
	}
	return &Emitter{
		metrics: m,
		odd:     logger.Every("Emitter", 300),
		out:     make(chan *Buffer, queue),
	}
}

// Buffers is closed by Close.
func (e *Emitter) Buffers() <-chan *Buffer {
	return e.out
}

// PushCPU copies data into a new host frame and emits it. For raw formats
// data must hold at least stride*height bytes; encoded formats ignore
// stride.
func (e *Emitter) PushCPU(data []byte, width, height, stride int, format Format, timestampNS int64, meta []byte) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidFrame, width, height)
	}
	n := len(data)
	switch {
	case format.Raw():
		if stride < width*format.BytesPerPixel() {
			return fmt.Errorf("%w: stride %d < %d*%d", ErrInvalidFrame, stride, width, format.BytesPerPixel())
		}
		n = stride * height
		if len(data) < n {
			return fmt.Errorf("%w: %d bytes, need %d", ErrInvalidFrame, len(data), n)
		}
	case format == FormatH264:
		if n == 0 {
			return fmt.Errorf("%w: empty access unit", ErrInvalidFrame)
		}
		stride = 0
	default:
		return fmt.Errorf("%w: format %s", ErrInvalidFrame, format)
	}

	copied := make([]byte, n)
	copy(copied, data)
	frame := NewCPUFrame(FrameInfo{
		Format:      format,
		Width:       width,
		Height:      height,
		Stride:      stride,
		TimestampNS: timestampNS,
	}, NewCPUBuffer(copied, nil))

	if err := e.Push(frame, meta); err != nil {
		return err
	}
	e.metrics.FramesEmittedCPU.Add(1)
	return nil
}

// PushImage emits a leased pool image. The lease is returned to the pool
// once the pipeline is done with the frame, or immediately on error.
func (e *Emitter) PushImage(lease *gpu.Lease, timestampNS int64, meta []byte) error {
	frame, err := NewGPUFrame(lease, timestampNS)
	if err != nil {
		lease.Release()
		return err
	}
	if err := e.Push(frame, meta); err != nil {
		return err
	}
	e.metrics.FramesEmittedGPU.Add(1)
	return nil
}

// Push emits frame. It owns the frame from here on: on any error the frame
// is released before returning. meta is copied.
func (e *Emitter) Push(frame Frame, meta []byte) error {
	info := frame.Info()
	if info.Format.Raw() && (info.Width%2 != 0 || info.Height%2 != 0) {
		e.metrics.FramesOddSize.Add(1)
		e.odd.Warn("Odd frame size %dx%d, chroma subsampled encoders may crop", info.Width, info.Height)
	}

	var m []byte
	if len(meta) > 0 {
		m = append([]byte(nil), meta...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		frame.Release()
		return ErrEmitterClosed
	}

	ts := info.TimestampNS
	buf := &Buffer{Frame: frame, Meta: m, EmittedAt: time.Now()}
	if e.started {
		if ts <= e.lastNS {
			e.metrics.FramesNonMonotonic.Add(1)
			frame.Release()
			return fmt.Errorf("%w: %d <= %d", ErrNonMonotonic, ts, e.lastNS)
		}
		buf.PTS = time.Duration(ts - e.firstNS)
		buf.Duration = time.Duration(ts - e.lastNS)
	}
	buf.Sequence = e.seq

	select {
	case e.out <- buf:
	default:
		e.metrics.FramesDropped.Add(1)
		frame.Release()
		return ErrPipelineFull
	}

	if !e.started {
		e.started = true
		e.firstNS = ts
	}
	e.lastNS = ts
	e.seq++
	return nil
}

// Close stops accepting frames and closes the buffer channel. Buffers still
// queued stay readable.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.out)
}
