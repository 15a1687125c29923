// Package stream runs the per-stream pipeline: encode, packetize, attach
// Down-Messages and fan the packets out.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/encode"
	"github.com/dj-oyu/xr-streaming-server/internal/events"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/media"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
	"github.com/dj-oyu/xr-streaming-server/internal/rtpext"
	"github.com/dj-oyu/xr-streaming-server/pkg/types"
)

const (
	DefaultMTU         = 1400
	DefaultPayloadType = 102
	VideoClockRate     = 90000

	rtpHeaderSize      = 12
	extensionHeadroom  = 4 + 2 + rtpext.MaxPayloadSize + 3 // largest padded two-byte extension block
	minPacketizerSpace = 64
)

// PacketSink receives the packets of one frame. It must not block and must
// not keep pkts after returning unless it copies them.
type PacketSink interface {
	WritePackets(pkts []*rtp.Packet)
}

// FrameSink receives every encoded frame after it was sent.
type FrameSink interface {
	WriteFrame(f *types.EncodedFrame)
}

// PreviewSink is offered raw frames. It must copy what it keeps.
type PreviewSink interface {
	Offer(f media.Frame)
}

// Publisher receives operator events. It must not block.
type Publisher interface {
	Publish(typ string, data any)
}

// LossEvent is published once per loss accounting interval.
type LossEvent struct {
	Skipped   uint64  `json:"skipped"`
	Observed  int     `json:"observed"`
	ElapsedMS int64   `json:"elapsed_ms"`
	Rate      float64 `json:"skipped_per_second"`
}

// Config controls packetization and metadata handling.
type Config struct {
	MTU            uint16
	PayloadType    uint8
	SSRC           uint32 // random when 0
	ExtensionID    uint8
	LossInterval   time.Duration
	LossAccounting bool
}

// Pipeline consumes emitter buffers on a single goroutine. It owns its
// injector and loss accountant.
type Pipeline struct {
	cfg        Config
	in         <-chan *media.Buffer
	enc        encode.Encoder
	sink       PacketSink
	recorder   FrameSink
	preview    PreviewSink
	events     Publisher
	metrics    *metrics.Metrics
	packetizer rtp.Packetizer
	injector   *rtpext.Injector
	loss       *rtpext.LossAccountant
	tsBase     uint32
	encodeLog  *logger.Sampled
}

// New builds a pipeline reading from in.
func New(cfg Config, in <-chan *media.Buffer, enc encode.Encoder, sink PacketSink, m *metrics.Metrics) (*Pipeline, error) {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if int(cfg.MTU) < rtpHeaderSize+extensionHeadroom+minPacketizerSpace {
		return nil, fmt.Errorf("stream: MTU %d leaves no room for payload", cfg.MTU)
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultPayloadType
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	if m == nil {
		m = metrics.New()
	}

	injector, err := rtpext.NewInjector(cfg.ExtensionID, m)
	if err != nil {
		return nil, err
	}
	loss := rtpext.NewLossAccountant(cfg.LossInterval, m)
	loss.SetEnabled(cfg.LossAccounting)

	return &Pipeline{
		cfg: cfg,
		in:  in,
		enc: enc,
		// the packetizer subtracts the fixed header itself
		packetizer: rtp.NewPacketizer(cfg.MTU-extensionHeadroom, cfg.PayloadType, cfg.SSRC,
			&codecs.H264Payloader{}, rtp.NewRandomSequencer(), VideoClockRate),
		sink:      sink,
		metrics:   m,
		injector:  injector,
		loss:      loss,
		tsBase:    rand.Uint32(),
		encodeLog: logger.Every("Stream", 300),
	}, nil
}

// SetRecorder must be called before Run.
func (p *Pipeline) SetRecorder(r FrameSink) { p.recorder = r }

// SetPreview must be called before Run.
func (p *Pipeline) SetPreview(s PreviewSink) { p.preview = s }

// SetEvents must be called before Run.
func (p *Pipeline) SetEvents(pub Publisher) { p.events = pub }

// Loss exposes the accountant so callers can toggle it.
func (p *Pipeline) Loss() *rtpext.LossAccountant { return p.loss }

func (p *Pipeline) SSRC() uint32 { return p.cfg.SSRC }

// Run processes buffers until the input channel is closed or ctx ends.
// Buffers still queued when ctx ends are released unsent.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Info("Stream", "Pipeline started (ssrc=%08x pt=%d mtu=%d ext=%d)",
		p.cfg.SSRC, p.cfg.PayloadType, p.cfg.MTU, p.injector.ID())
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case buf, ok := <-p.in:
			if !ok {
				logger.Info("Stream", "Input closed, pipeline stopped")
				return nil
			}
			p.process(buf, time.Now())
		}
	}
}

func (p *Pipeline) drain() {
	n := 0
	for {
		select {
		case buf, ok := <-p.in:
			if !ok {
				logger.Debug("Stream", "Released %d unsent buffers", n)
				return
			}
			buf.Release()
			n++
		default:
			logger.Debug("Stream", "Released %d unsent buffers", n)
			return
		}
	}
}

// process handles one buffer and always releases it.
func (p *Pipeline) process(buf *media.Buffer, now time.Time) {
	defer buf.Release()

	if p.preview != nil && buf.Frame.Info().Format.Raw() {
		p.preview.Offer(buf.Frame)
	}

	frame, err := p.enc.Encode(buf)
	if err != nil {
		p.metrics.EncodeErrors.Add(1)
		if errors.Is(err, encode.ErrUnsupportedFormat) {
			p.encodeLog.Warn("Frame %d not sent: %v", buf.Sequence, err)
		} else {
			p.encodeLog.Error("Encode failed for frame %d: %v", buf.Sequence, err)
		}
		return
	}
	p.metrics.FramesEncoded.Add(1)

	pkts := p.packetizer.Packetize(frame.Data, clockTicks(frame.Duration))
	if len(pkts) == 0 {
		return
	}
	ts := p.tsBase + clockTicks(frame.PTS)
	for _, pkt := range pkts {
		pkt.Timestamp = ts
	}

	if p.injector.InjectFrame(pkts, frame.Meta) == rtpext.ResultAttached {
		if id, ok := downmsg.PeekSequenceID(frame.Meta); ok {
			if report, done := p.loss.Observe(id, now); done && p.events != nil {
				p.events.Publish(events.TypeLoss, LossEvent{
					Skipped:   report.Skipped,
					Observed:  report.Observed,
					ElapsedMS: report.Elapsed.Milliseconds(),
					Rate:      report.Rate,
				})
			}
		}
	}

	p.sink.WritePackets(pkts)

	if p.recorder != nil {
		p.recorder.WriteFrame(frame)
	}
	p.metrics.UpdateProcessLatency(time.Since(buf.EmittedAt))
}

// clockTicks converts a duration to 90 kHz units, wrapping like RTP
// timestamps do.
func clockTicks(d time.Duration) uint32 {
	secs, rem := int64(d/time.Second), int64(d%time.Second)
	return uint32(secs*VideoClockRate + rem*VideoClockRate/int64(time.Second))
}
