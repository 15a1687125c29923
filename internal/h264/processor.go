package h264

import (
	"bytes"
	"sync"

	"github.com/dj-oyu/xr-streaming-server/pkg/types"
)

// NAL unit start codes
var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// Processor tracks parameter sets across a stream so that any IDR can be
// made independently decodable.
type Processor struct {
	mu         sync.RWMutex
	spsCache   []byte // Cached SPS NAL unit
	ppsCache   []byte // Cached PPS NAL unit
	hasHeaders bool   // True if SPS/PPS are cached
}

// NewProcessor creates a new H.264 processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Process scans an access unit, caches its parameter sets and marks IDRs.
// Only SPS/PPS are copied; slice data is never touched.
func (p *Processor) Process(frame *types.EncodedFrame) {
	frame.IsIDR = false
	forEachNAL(frame.Data, func(nalType uint8, nal []byte) {
		switch nalType {
		case types.NALTypeSPS:
			p.mu.Lock()
			p.spsCache = append(p.spsCache[:0:0], nal...)
			p.mu.Unlock()
		case types.NALTypePPS:
			p.mu.Lock()
			p.ppsCache = append(p.ppsCache[:0:0], nal...)
			p.hasHeaders = len(p.spsCache) > 0
			p.mu.Unlock()
		case types.NALTypeIDR:
			frame.IsIDR = true
		}
	})
}

// PrependHeaders prepends the cached SPS/PPS to an IDR access unit that
// does not carry its own. Other data is returned unchanged.
func (p *Processor) PrependHeaders(data []byte) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.hasHeaders {
		return data
	}

	hasIDR, hasSPS := false, false
	forEachNAL(data, func(nalType uint8, _ []byte) {
		switch nalType {
		case types.NALTypeIDR:
			hasIDR = true
		case types.NALTypeSPS:
			hasSPS = true
		}
	})
	if !hasIDR || hasSPS {
		return data
	}

	result := make([]byte, 0, len(p.spsCache)+len(p.ppsCache)+len(data))
	result = append(result, p.spsCache...)
	result = append(result, p.ppsCache...)
	return append(result, data...)
}

// HasHeaders returns true if SPS/PPS headers are cached
func (p *Processor) HasHeaders() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasHeaders
}

// Headers returns copies of the cached SPS and PPS
func (p *Processor) Headers() (sps, pps []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return bytes.Clone(p.spsCache), bytes.Clone(p.ppsCache)
}

// SplitNALUnits splits Annex-B data into NAL units. Each unit keeps its
// start code and aliases data.
func SplitNALUnits(data []byte) []types.NALUnit {
	units := make([]types.NALUnit, 0, 8)
	forEachNAL(data, func(nalType uint8, nal []byte) {
		units = append(units, types.NALUnit{Type: nalType, Data: nal})
	})
	return units
}

// forEachNAL calls fn for every NAL unit in data, start code included.
func forEachNAL(data []byte, fn func(nalType uint8, nal []byte)) {
	offset := 0
	for offset < len(data) {
		startCodeLen := startCodeAt(data, offset)
		if startCodeLen == 0 {
			offset++
			continue
		}

		nalStart := offset
		nalHeaderOffset := offset + startCodeLen
		if nalHeaderOffset >= len(data) {
			return
		}

		nalEnd := findNextStartCode(data, nalHeaderOffset+1)
		if nalEnd == -1 {
			nalEnd = len(data)
		}

		fn(data[nalHeaderOffset]&0x1F, data[nalStart:nalEnd])
		offset = nalEnd
	}
}

func startCodeAt(data []byte, offset int) int {
	if bytes.HasPrefix(data[offset:], startCode4) {
		return 4
	}
	if bytes.HasPrefix(data[offset:], startCode3) {
		return 3
	}
	return 0
}

// findNextStartCode finds the next start code position
func findNextStartCode(data []byte, offset int) int {
	for i := offset; i < len(data)-2; i++ {
		if data[i] == 0x00 && data[i+1] == 0x00 {
			if data[i+2] == 0x01 {
				return i // Found 0x000001
			}
			if i+3 < len(data) && data[i+2] == 0x00 && data[i+3] == 0x01 {
				return i // Found 0x00000001
			}
		}
	}
	return -1 // No start code found
}

// ExtractNALType extracts the NAL unit type from raw data
func ExtractNALType(data []byte) uint8 {
	if n := startCodeAt(data, 0); n > 0 && len(data) > n {
		return data[n] & 0x1F
	}
	return 0
}

// IsIDRFrame checks if data contains an IDR slice
func IsIDRFrame(data []byte) bool {
	idr := false
	forEachNAL(data, func(nalType uint8, _ []byte) {
		if nalType == types.NALTypeIDR {
			idr = true
		}
	})
	return idr
}
