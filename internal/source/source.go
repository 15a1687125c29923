// Package source produces demo frames: an Annex-B file replayed at a fixed
// rate, or a test pattern rendered into pooled shared images. Every frame
// carries a Down-Message built from the client's latest tracking state.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/media"
)

// Config is shared by both producers.
type Config struct {
	FPS    int
	Width  int
	Height int
	// Control is copied into every Down-Message.
	Control []byte
}

// clock stamps frames with wall time advanced by the monotonic clock, so
// timestamps never step backwards.
type clock struct {
	baseNS int64
	start  time.Time
}

func newClock() clock {
	now := time.Now()
	return clock{baseNS: now.UnixNano(), start: now}
}

func (c clock) nowNS() int64 {
	return c.baseNS + int64(time.Since(c.start))
}

// messages turns tracking updates into per-frame Down-Messages.
type messages struct {
	tracking <-chan downmsg.UpMessage
	control  []byte
	latest   *downmsg.Tracking
	seq      uint64
}

// next drains pending tracking updates and returns the encoded message for
// the next frame. Sequence ids advance even when a frame is later dropped,
// so gaps reach the loss accountant.
func (m *messages) next(tsNS int64) []byte {
	for drained := false; !drained; {
		select {
		case up, ok := <-m.tracking:
			if !ok {
				m.tracking = nil
				drained = true
				continue
			}
			if up.Tracking != nil {
				m.latest = up.Tracking
			}
		default:
			drained = true
		}
	}

	m.seq++
	msg := downmsg.DownMessage{
		FrameData: downmsg.FrameData{FrameSequenceID: m.seq, DisplayTimeNS: tsNS},
		Control:   m.control,
	}
	if m.latest != nil {
		msg.FrameData.Views = m.latest.Views
		if m.latest.DisplayTimeNS != 0 {
			msg.FrameData.DisplayTimeNS = m.latest.DisplayTimeNS
		}
	}

	b, err := downmsg.EncodeDown(msg)
	if err != nil {
		logger.Warn("Source", "Down-Message %d not encodable: %v", m.seq, err)
		return nil
	}
	return b
}

// pushFailed reports whether err should stop the producer.
func pushFailed(err error, warn *logger.Sampled) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, media.ErrEmitterClosed):
		return true
	case errors.Is(err, media.ErrPipelineFull), errors.Is(err, media.ErrNonMonotonic):
		warn.Warn("Frame dropped: %v", err)
		return false
	default:
		warn.Error("Frame rejected: %v", err)
		return false
	}
}

func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

func waitTick(ctx context.Context, t *time.Ticker) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
