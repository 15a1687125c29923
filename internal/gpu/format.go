package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// ErrNoChannelFormat is returned for pixel formats the compute side cannot
// address without reinterpreting bytes.
var ErrNoChannelFormat = errors.New("gpu: no compute channel format for pixel format")

// ChannelKind describes how the compute side interprets channel bits.
type ChannelKind int

const (
	ChannelKindNone ChannelKind = iota
	ChannelKindSigned
	ChannelKindUnsigned
	ChannelKindFloat
	ChannelKindUnsignedNormalized
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelKindSigned:
		return "signed"
	case ChannelKindUnsigned:
		return "unsigned"
	case ChannelKindFloat:
		return "float"
	case ChannelKindUnsignedNormalized:
		return "unorm"
	default:
		return "none"
	}
}

// ChannelFormat is the per-channel bit layout of a compute-side array.
type ChannelFormat struct {
	X, Y, Z, W int
	Kind       ChannelKind
}

// BitsPerPixel is the sum of all channel widths.
func (c ChannelFormat) BitsPerPixel() int {
	return c.X + c.Y + c.Z + c.W
}

func (c ChannelFormat) String() string {
	return fmt.Sprintf("%d/%d/%d/%d %s", c.X, c.Y, c.Z, c.W, c.Kind)
}

var channelFormats = map[gputypes.TextureFormat]ChannelFormat{
	gputypes.TextureFormatR8Uint:  {X: 8, Kind: ChannelKindUnsigned},
	gputypes.TextureFormatR8Unorm: {X: 8, Kind: ChannelKindUnsigned},

	gputypes.TextureFormatR16Uint:  {X: 16, Kind: ChannelKindUnsigned},
	gputypes.TextureFormatR16Unorm: {X: 16, Kind: ChannelKindUnsigned},

	gputypes.TextureFormatRG8Uint:  {X: 8, Y: 8, Kind: ChannelKindUnsigned},
	gputypes.TextureFormatRG8Unorm: {X: 8, Y: 8, Kind: ChannelKindUnsignedNormalized},

	gputypes.TextureFormatRG16Uint:  {X: 16, Y: 16, Kind: ChannelKindUnsigned},
	gputypes.TextureFormatRG16Unorm: {X: 16, Y: 16, Kind: ChannelKindUnsignedNormalized},

	gputypes.TextureFormatRGBA8Sint:      {X: 8, Y: 8, Z: 8, W: 8, Kind: ChannelKindSigned},
	gputypes.TextureFormatRGBA8Uint:      {X: 8, Y: 8, Z: 8, W: 8, Kind: ChannelKindUnsigned},
	gputypes.TextureFormatRGBA8Unorm:     {X: 8, Y: 8, Z: 8, W: 8, Kind: ChannelKindUnsignedNormalized},
	gputypes.TextureFormatRGBA8UnormSrgb: {X: 8, Y: 8, Z: 8, W: 8, Kind: ChannelKindUnsignedNormalized},
}

// ChannelFormatFor maps a pixel format to its compute channel layout.
func ChannelFormatFor(f gputypes.TextureFormat) (ChannelFormat, error) {
	c, ok := channelFormats[f]
	if !ok {
		return ChannelFormat{}, fmt.Errorf("%w: %s", ErrNoChannelFormat, f)
	}
	return c, nil
}

// BytesPerPixel returns the packed pixel size of an interop format, or 0 when
// the format has no channel mapping.
func BytesPerPixel(f gputypes.TextureFormat) int {
	c, ok := channelFormats[f]
	if !ok {
		return 0
	}
	return c.BitsPerPixel() / 8
}
