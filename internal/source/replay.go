package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/h264"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/media"
)

// Replay pushes the access units of an Annex-B file at a fixed rate.
type Replay struct {
	path    string
	loop    bool
	cfg     Config
	emitter *media.Emitter
	msgs    messages
	warn    *logger.Sampled
	frames  uint64
}

// NewReplay prepares a replay of path. tracking may be nil.
func NewReplay(path string, loop bool, cfg Config, em *media.Emitter, tracking <-chan downmsg.UpMessage) *Replay {
	return &Replay{
		path:    path,
		loop:    loop,
		cfg:     cfg,
		emitter: em,
		msgs:    messages{tracking: tracking, control: cfg.Control},
		warn:    logger.Every("Source", 100),
	}
}

// Run replays until the file ends (or forever with loop), the emitter is
// closed, or ctx is done. Reaching the end of a non-looping file returns nil.
func (r *Replay) Run(ctx context.Context) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()

	logger.Info("Source", "Replaying %s at %d fps (loop=%v)", r.path, r.cfg.FPS, r.loop)

	reader := h264.NewAccessUnitReader(f)
	ticker := time.NewTicker(frameInterval(r.cfg.FPS))
	defer ticker.Stop()
	clk := newClock()
	emptyPass := true

	for {
		au, err := reader.Next()
		if errors.Is(err, io.EOF) {
			if !r.loop {
				logger.Info("Source", "Replay finished after %d frames", r.frames)
				return nil
			}
			if emptyPass {
				return fmt.Errorf("replay %s: no access units", r.path)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind replay: %w", err)
			}
			reader = h264.NewAccessUnitReader(f)
			emptyPass = true
			continue
		}
		if err != nil {
			return fmt.Errorf("read replay: %w", err)
		}
		emptyPass = false

		if err := waitTick(ctx, ticker); err != nil {
			return err
		}

		ts := clk.nowNS()
		meta := r.msgs.next(ts)
		err = r.emitter.PushCPU(au, r.cfg.Width, r.cfg.Height, 0, media.FormatH264, ts, meta)
		if pushFailed(err, r.warn) {
			return nil
		}
		if err == nil {
			r.frames++
		}
	}
}

// Frames is the number of access units accepted by the emitter.
func (r *Replay) Frames() uint64 { return r.frames }
