package source

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/media"
)

var (
	sps   = []byte{0, 0, 0, 1, 0x67, 0x42, 0xe0, 0x1f}
	pps   = []byte{0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80}
	idr   = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x21}
	slice = []byte{0, 0, 0, 1, 0x41, 0x9a, 0x02}
)

func writeStream(t *testing.T, parts ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.h264")
	if err := os.WriteFile(path, bytes.Join(parts, nil), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func drain(e *media.Emitter) []*media.Buffer {
	var out []*media.Buffer
	for {
		select {
		case b := <-e.Buffers():
			out = append(out, b)
		default:
			return out
		}
	}
}

func TestReplayEmitsAccessUnitsWithMessages(t *testing.T) {
	t.Parallel()
	path := writeStream(t, sps, pps, idr, slice, slice)
	em := media.NewEmitter(8, nil)

	view := downmsg.View{Fov: downmsg.Fov{AngleLeft: -0.7, AngleRight: 0.7, AngleUp: 0.6, AngleDown: -0.6}}
	tracking := make(chan downmsg.UpMessage, 1)
	tracking <- downmsg.UpMessage{ID: 9, Tracking: &downmsg.Tracking{Views: []downmsg.View{view, view}, DisplayTimeNS: 1234}}

	r := NewReplay(path, false, Config{FPS: 1000, Width: 64, Height: 32}, em, tracking)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	bufs := drain(em)
	if len(bufs) != 3 || r.Frames() != 3 {
		t.Fatalf("got %d buffers (%d frames), want 3", len(bufs), r.Frames())
	}
	if !bytes.Equal(bufs[0].Frame.Bytes(), bytes.Join([][]byte{sps, pps, idr}, nil)) {
		t.Fatalf("first access unit %x", bufs[0].Frame.Bytes())
	}
	for i, b := range bufs {
		if b.Frame.Info().Format != media.FormatH264 {
			t.Fatalf("buffer %d format %s", i, b.Frame.Info().Format)
		}
		msg, err := downmsg.DecodeDown(b.Meta)
		if err != nil {
			t.Fatalf("buffer %d meta: %v", i, err)
		}
		if msg.FrameData.FrameSequenceID != uint64(i+1) {
			t.Fatalf("buffer %d sequence id %d", i, msg.FrameData.FrameSequenceID)
		}
		if len(msg.FrameData.Views) != 2 || msg.FrameData.DisplayTimeNS != 1234 {
			t.Fatalf("buffer %d ignores tracking: %+v", i, msg.FrameData)
		}
		b.Release()
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	t.Parallel()
	path := writeStream(t, sps, pps, idr, slice)
	em := media.NewEmitter(1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewReplay(path, true, Config{FPS: 1, Width: 2, Height: 2}, em, nil)
	if err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
}

func TestReplayLoopRejectsEmptyFile(t *testing.T) {
	t.Parallel()
	path := writeStream(t, []byte{1, 2, 3})
	r := NewReplay(path, true, Config{FPS: 1000, Width: 2, Height: 2}, media.NewEmitter(1, nil), nil)
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("looping over an empty stream should fail")
	}
}

func TestReplayReturnsWhenEmitterClosed(t *testing.T) {
	t.Parallel()
	path := writeStream(t, sps, pps, idr, slice, slice)
	em := media.NewEmitter(4, nil)
	em.Close()

	r := NewReplay(path, true, Config{FPS: 1000, Width: 2, Height: 2}, em, nil)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestMessagesCountSkippedIDs(t *testing.T) {
	t.Parallel()
	m := messages{}
	first, _ := downmsg.PeekSequenceID(m.next(1))
	m.seq++ // frame skipped
	second, _ := downmsg.PeekSequenceID(m.next(2))
	if first != 1 || second != 3 {
		t.Fatalf("ids %d, %d", first, second)
	}
}
