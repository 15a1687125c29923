package media

import (
	"errors"
	"testing"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
)

func rgba(w, h int) []byte { return make([]byte, w*h*4) }

func TestEmitterTiming(t *testing.T) {
	t.Parallel()
	e := NewEmitter(8, metrics.New())

	stamps := []int64{1_000_000_000, 1_016_000_000, 1_050_000_000}
	for _, ts := range stamps {
		if err := e.PushCPU(rgba(4, 2), 4, 2, 16, FormatRGBA8, ts, nil); err != nil {
			t.Fatalf("PushCPU(%d): %v", ts, err)
		}
	}

	want := []struct {
		pts, dur time.Duration
	}{
		{0, 0},
		{16 * time.Millisecond, 16 * time.Millisecond},
		{50 * time.Millisecond, 34 * time.Millisecond},
	}
	for i, w := range want {
		b := <-e.Buffers()
		if b.PTS != w.pts || b.Duration != w.dur {
			t.Fatalf("buffer %d: pts=%v dur=%v, want %v %v", i, b.PTS, b.Duration, w.pts, w.dur)
		}
		if b.Sequence != uint64(i) {
			t.Fatalf("buffer %d: sequence %d", i, b.Sequence)
		}
		b.Release()
	}
}

func TestEmitterRejectsNonMonotonic(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	e := NewEmitter(8, m)

	if err := e.PushCPU(rgba(2, 2), 2, 2, 8, FormatRGBA8, 100, nil); err != nil {
		t.Fatal(err)
	}
	for _, ts := range []int64{100, 99} {
		err := e.PushCPU(rgba(2, 2), 2, 2, 8, FormatRGBA8, ts, nil)
		if !errors.Is(err, ErrNonMonotonic) {
			t.Fatalf("ts=%d: err=%v, want ErrNonMonotonic", ts, err)
		}
	}
	if got := m.FramesNonMonotonic.Load(); got != 2 {
		t.Fatalf("FramesNonMonotonic=%d, want 2", got)
	}
	if err := e.PushCPU(rgba(2, 2), 2, 2, 8, FormatRGBA8, 101, nil); err != nil {
		t.Fatalf("next increasing timestamp rejected: %v", err)
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	e := NewEmitter(1, m)

	first := NewCPUBuffer(make([]byte, 16), nil)
	if err := e.Push(NewCPUFrame(FrameInfo{Format: FormatRGBA8, Width: 2, Height: 2, Stride: 8, TimestampNS: 1}, first), nil); err != nil {
		t.Fatal(err)
	}

	freed := false
	second := NewCPUBuffer(make([]byte, 16), func([]byte) { freed = true })
	err := e.Push(NewCPUFrame(FrameInfo{Format: FormatRGBA8, Width: 2, Height: 2, Stride: 8, TimestampNS: 2}, second), nil)
	if !errors.Is(err, ErrPipelineFull) {
		t.Fatalf("err=%v, want ErrPipelineFull", err)
	}
	if !freed {
		t.Fatalf("dropped frame was not released")
	}
	if m.FramesDropped.Load() != 1 {
		t.Fatalf("FramesDropped=%d", m.FramesDropped.Load())
	}

	// A dropped frame does not advance the clock.
	<-e.Buffers()
	if err := e.PushCPU(rgba(2, 2), 2, 2, 8, FormatRGBA8, 2, nil); err != nil {
		t.Fatalf("retry of dropped timestamp: %v", err)
	}
}

func TestEmitterCopiesInputs(t *testing.T) {
	t.Parallel()
	e := NewEmitter(2, nil)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	meta := []byte{0xa, 0xb}
	if err := e.PushCPU(data, 1, 2, 4, FormatRGBA8, 1, meta); err != nil {
		t.Fatal(err)
	}
	data[0], meta[0] = 0xff, 0xff

	b := <-e.Buffers()
	if b.Frame.Bytes()[0] != 1 {
		t.Fatalf("frame aliases caller data")
	}
	if b.Meta[0] != 0xa {
		t.Fatalf("meta aliases caller data")
	}
}

func TestEmitterNilMeta(t *testing.T) {
	t.Parallel()
	e := NewEmitter(1, nil)
	if err := e.PushCPU(rgba(2, 2), 2, 2, 8, FormatRGBA8, 1, []byte{}); err != nil {
		t.Fatal(err)
	}
	if b := <-e.Buffers(); b.Meta != nil {
		t.Fatalf("empty meta should be nil, got %v", b.Meta)
	}
}

func TestEmitterValidatesLayout(t *testing.T) {
	t.Parallel()
	e := NewEmitter(4, nil)
	tests := []struct {
		name   string
		data   []byte
		w, h   int
		stride int
		format Format
	}{
		{"zero width", rgba(1, 1), 0, 1, 4, FormatRGBA8},
		{"short stride", rgba(4, 1), 4, 1, 8, FormatRGBA8},
		{"short data", make([]byte, 10), 2, 2, 8, FormatRGBA8},
		{"empty access unit", nil, 2, 2, 0, FormatH264},
		{"unknown format", rgba(1, 1), 1, 1, 4, FormatUnknown},
	}
	for _, tt := range tests {
		if err := e.PushCPU(tt.data, tt.w, tt.h, tt.stride, tt.format, 1, nil); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("%s: err=%v, want ErrInvalidFrame", tt.name, err)
		}
	}
}

func TestEmitterOddSizeCounted(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	e := NewEmitter(1, m)
	if err := e.PushCPU(make([]byte, 3*3*3), 3, 3, 9, FormatRGB8, 1, nil); err != nil {
		t.Fatal(err)
	}
	if m.FramesOddSize.Load() != 1 {
		t.Fatalf("FramesOddSize=%d", m.FramesOddSize.Load())
	}
}

func TestEmitterClose(t *testing.T) {
	t.Parallel()
	e := NewEmitter(2, nil)
	if err := e.PushCPU(rgba(2, 2), 2, 2, 8, FormatRGBA8, 1, nil); err != nil {
		t.Fatal(err)
	}
	e.Close()
	e.Close()

	if err := e.PushCPU(rgba(2, 2), 2, 2, 8, FormatRGBA8, 2, nil); !errors.Is(err, ErrEmitterClosed) {
		t.Fatalf("err=%v, want ErrEmitterClosed", err)
	}
	if _, ok := <-e.Buffers(); !ok {
		t.Fatalf("queued buffer lost on Close")
	}
	if _, ok := <-e.Buffers(); ok {
		t.Fatalf("channel not closed")
	}
}

func TestCPUBufferRefs(t *testing.T) {
	t.Parallel()
	frees := 0
	b := NewCPUBuffer([]byte{1}, func([]byte) { frees++ })
	b.Retain()
	f := NewCPUFrame(FrameInfo{Format: FormatL8, Width: 1, Height: 1, Stride: 1}, b)
	f.Release()
	f.Release()
	if frees != 0 || b.Refs() != 1 {
		t.Fatalf("frees=%d refs=%d after frame release", frees, b.Refs())
	}
	b.Release()
	if frees != 1 {
		t.Fatalf("frees=%d, want 1", frees)
	}
}
