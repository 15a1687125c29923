// Package encode turns pipeline buffers into H.264 access units.
package encode

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/xr-streaming-server/internal/h264"
	"github.com/dj-oyu/xr-streaming-server/internal/media"
	"github.com/dj-oyu/xr-streaming-server/pkg/types"
)

var ErrUnsupportedFormat = errors.New("encode: unsupported input format")

// Encoder produces one access unit per buffer. The returned frame may alias
// the buffer's bytes and is only valid until the buffer is released.
type Encoder interface {
	Encode(b *media.Buffer) (*types.EncodedFrame, error)
	// Headers returns the last seen SPS and PPS.
	Headers() (sps, pps []byte)
}

// Passthrough forwards frames that are already H.264 encoded, such as
// hardware encoder output or a replayed Annex-B file. It does no pixel
// encoding; raw frames are rejected.
type Passthrough struct {
	proc *h264.Processor
}

func NewPassthrough() *Passthrough {
	return &Passthrough{proc: h264.NewProcessor()}
}

// Accepts reports whether frames of format f can be encoded.
func (p *Passthrough) Accepts(f media.Format) bool { return f == media.FormatH264 }

func (p *Passthrough) Encode(b *media.Buffer) (*types.EncodedFrame, error) {
	info := b.Frame.Info()
	if !p.Accepts(info.Format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, info.Format)
	}
	data := b.Frame.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("encode: empty access unit (seq %d)", b.Sequence)
	}

	frame := &types.EncodedFrame{
		Data:     data,
		PTS:      b.PTS,
		Duration: b.Duration,
		Sequence: b.Sequence,
		Width:    info.Width,
		Height:   info.Height,
		Meta:     b.Meta,
	}
	p.proc.Process(frame)
	return frame, nil
}

func (p *Passthrough) Headers() (sps, pps []byte) {
	return p.proc.Headers()
}

// PrependHeaders makes an IDR access unit independently decodable.
func (p *Passthrough) PrependHeaders(data []byte) []byte {
	return p.proc.PrependHeaders(data)
}
