package types

import "time"

// EncodedFrame is one H.264 access unit on its way to the packetizer
type EncodedFrame struct {
	Data     []byte        // Annex-B NAL units
	PTS      time.Duration // Presentation time relative to stream start
	Duration time.Duration // Gap to the previous frame
	Sequence uint64        // Emitter sequence number
	IsIDR    bool          // True if this frame contains an IDR
	Width    int           // Frame width
	Height   int           // Frame height
	Meta     []byte        // Encoded Down-Message, nil if none
}

// NALUnit represents a single H.264 NAL unit
type NALUnit struct {
	Type uint8  // NAL unit type (lower 5 bits)
	Data []byte // Complete NAL unit including start code
}

// NALUnitType constants
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)

// IsVCL reports whether t carries slice data
func IsVCL(t uint8) bool {
	return t >= NALTypeSlice && t <= NALTypeIDR
}
