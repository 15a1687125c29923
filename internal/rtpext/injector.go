// Package rtpext carries Down-Messages in RTP header extensions and accounts
// for the ones that never reach the wire.
package rtpext

import (
	"bytes"
	"fmt"

	"github.com/pion/rtp"

	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
)

const (
	// DefaultExtensionID is used when no id is configured.
	DefaultExtensionID = 1
	// MaxExtensionID keeps the id valid in both RFC 8285 profiles.
	MaxExtensionID = 15
	// MaxPayloadSize is the two-byte header profile limit.
	MaxPayloadSize = 255

	profileTwoByte = 0x1000
)

// Result is the outcome of one injection.
type Result int

const (
	ResultAttached Result = iota
	ResultNoMetadata
	ResultOversized
	ResultFailed
	ResultNotFlagged
)

func (r Result) String() string {
	switch r {
	case ResultAttached:
		return "attached"
	case ResultNoMetadata:
		return "no-metadata"
	case ResultOversized:
		return "oversized"
	case ResultFailed:
		return "failed"
	case ResultNotFlagged:
		return "not-flagged"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Injector embeds metadata into outgoing packets. Packets are always
// forwarded; metadata that cannot be embedded is dropped and counted.
type Injector struct {
	id      uint8
	metrics *metrics.Metrics

	oversized  *logger.Sampled
	failed     *logger.Sampled
	notFlagged *logger.Sampled
}

// NewInjector uses DefaultExtensionID when id is 0.
func NewInjector(id uint8, m *metrics.Metrics) (*Injector, error) {
	if id == 0 {
		id = DefaultExtensionID
	}
	if id > MaxExtensionID {
		return nil, fmt.Errorf("rtpext: extension id %d out of range [1,%d]", id, MaxExtensionID)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Injector{
		id:         id,
		metrics:    m,
		oversized:  logger.Every("RTPExt", 100),
		failed:     logger.Every("RTPExt", 100),
		notFlagged: logger.Every("RTPExt", 100),
	}, nil
}

func (in *Injector) ID() uint8 { return in.id }

// Inject embeds meta into one packet.
func (in *Injector) Inject(pkt *rtp.Packet, meta []byte) Result {
	if r, ok := in.check(meta); !ok {
		return r
	}
	return in.embed(pkt, meta)
}

// InjectFrame embeds meta into every packet of one frame. Missing and
// oversized metadata are counted once per frame; the worst per-packet
// result is returned.
func (in *Injector) InjectFrame(pkts []*rtp.Packet, meta []byte) Result {
	if r, ok := in.check(meta); !ok {
		return r
	}
	result := ResultAttached
	for _, pkt := range pkts {
		if r := in.embed(pkt, meta); r > result {
			result = r
		}
	}
	return result
}

func (in *Injector) check(meta []byte) (Result, bool) {
	if len(meta) == 0 {
		in.metrics.MetadataMissing.Add(1)
		return ResultNoMetadata, false
	}
	if len(meta) > MaxPayloadSize {
		in.metrics.MetadataOversized.Add(1)
		in.oversized.Warn("Down-Message of %d bytes exceeds %d byte extension limit, dropped", len(meta), MaxPayloadSize)
		return ResultOversized, false
	}
	return ResultAttached, true
}

func (in *Injector) embed(pkt *rtp.Packet, meta []byte) Result {
	if !pkt.Extension {
		pkt.Extension = true
		pkt.ExtensionProfile = profileTwoByte
	}
	if err := pkt.SetExtension(in.id, meta); err != nil {
		in.metrics.MetadataFailed.Add(1)
		in.failed.Error("Failed to embed Down-Message (seq %d): %v", pkt.SequenceNumber, err)
		return ResultFailed
	}
	if !pkt.Extension {
		in.metrics.MetadataNotFlagged.Add(1)
		in.notFlagged.Warn("Extension bit not set after embedding (seq %d)", pkt.SequenceNumber)
		return ResultNotFlagged
	}
	if !bytes.Equal(pkt.GetExtension(in.id), meta) {
		in.metrics.MetadataFailed.Add(1)
		in.failed.Error("Embedded extension payload mismatch (seq %d)", pkt.SequenceNumber)
		return ResultFailed
	}
	in.metrics.MetadataAttached.Add(1)
	return ResultAttached
}
