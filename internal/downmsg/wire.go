// Package downmsg encodes the per-frame metadata sent alongside video
// (Down-Messages) and the tracking messages clients send back
// (Up-Messages) in protobuf wire format.
package downmsg

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMessageTooLarge means a message does not fit its schema bounds.
var ErrMessageTooLarge = errors.New("downmsg: message exceeds schema bounds")

// DecodeError reports malformed input.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("downmsg: decode at offset %d: %s", e.Offset, e.Reason)
}

func decodeErr(off int, format string, args ...any) error {
	return &DecodeError{Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// Vec3 is a position in meters.
type Vec3 struct {
	X, Y, Z float32
}

// Quat is a unit orientation quaternion.
type Quat struct {
	X, Y, Z, W float32
}

type Pose struct {
	Position    Vec3
	Orientation Quat
}

// Fov holds the four half-angles of a view frustum in radians.
type Fov struct {
	AngleLeft  float32
	AngleRight float32
	AngleUp    float32
	AngleDown  float32
}

// View is one eye.
type View struct {
	Pose Pose
	Fov  Fov
}

// visitFields walks the fields of one message. field is the raw value
// (for bytes fields still length-prefixed); at is its absolute offset.
func visitFields(b []byte, base int, visit func(num protowire.Number, typ protowire.Type, field []byte, at int) error) error {
	for off := 0; off < len(b); {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return decodeErr(base+off, "tag: %v", protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, b[off+n:])
		if m < 0 {
			return decodeErr(base+off+n, "field %d: %v", num, protowire.ParseError(m))
		}
		if err := visit(num, typ, b[off+n:off+n+m], base+off+n); err != nil {
			return err
		}
		off += n + m
	}
	return nil
}

func wantType(num protowire.Number, got, want protowire.Type, at int) error {
	if got != want {
		return decodeErr(at, "field %d: wire type %d, want %d", num, got, want)
	}
	return nil
}

// ConsumeFieldValue has already validated the value, so these cannot fail.

func varintValue(field []byte) uint64 {
	v, _ := protowire.ConsumeVarint(field)
	return v
}

func floatValue(field []byte) float32 {
	v, _ := protowire.ConsumeFixed32(field)
	return math.Float32frombits(v)
}

func bytesValue(field []byte) ([]byte, int) {
	v, n := protowire.ConsumeBytes(field)
	return v, n - len(v)
}

const sizeFloatField = 1 + 4 // tag for fields < 16 plus fixed32

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func sizeVarintField(v uint64) int {
	return 1 + protowire.SizeVarint(v)
}

func sizeMessageField(n int) int {
	return 1 + protowire.SizeBytes(n)
}

func appendMessageHeader(b []byte, num protowire.Number, n int) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendVarint(b, uint64(n))
}

// Vec3: 1 x, 2 y, 3 z.

func (v Vec3) size() int { return 3 * sizeFloatField }

func (v Vec3) append(b []byte) []byte {
	b = appendFloat(b, 1, v.X)
	b = appendFloat(b, 2, v.Y)
	return appendFloat(b, 3, v.Z)
}

func decodeVec3(b []byte, base int) (Vec3, error) {
	var v Vec3
	err := visitFields(b, base, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		if num < 1 || num > 3 {
			return nil
		}
		if err := wantType(num, typ, protowire.Fixed32Type, at); err != nil {
			return err
		}
		f := floatValue(field)
		switch num {
		case 1:
			v.X = f
		case 2:
			v.Y = f
		case 3:
			v.Z = f
		}
		return nil
	})
	return v, err
}

// Quat: 1 x, 2 y, 3 z, 4 w.

func (q Quat) size() int { return 4 * sizeFloatField }

func (q Quat) append(b []byte) []byte {
	b = appendFloat(b, 1, q.X)
	b = appendFloat(b, 2, q.Y)
	b = appendFloat(b, 3, q.Z)
	return appendFloat(b, 4, q.W)
}

func decodeQuat(b []byte, base int) (Quat, error) {
	var q Quat
	err := visitFields(b, base, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		if num < 1 || num > 4 {
			return nil
		}
		if err := wantType(num, typ, protowire.Fixed32Type, at); err != nil {
			return err
		}
		f := floatValue(field)
		switch num {
		case 1:
			q.X = f
		case 2:
			q.Y = f
		case 3:
			q.Z = f
		case 4:
			q.W = f
		}
		return nil
	})
	return q, err
}

// Pose: 1 position, 2 orientation.

func (p Pose) size() int {
	return sizeMessageField(p.Position.size()) + sizeMessageField(p.Orientation.size())
}

func (p Pose) append(b []byte) []byte {
	b = appendMessageHeader(b, 1, p.Position.size())
	b = p.Position.append(b)
	b = appendMessageHeader(b, 2, p.Orientation.size())
	return p.Orientation.append(b)
}

func decodePose(b []byte, base int) (Pose, error) {
	var p Pose
	err := visitFields(b, base, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		if num != 1 && num != 2 {
			return nil
		}
		if err := wantType(num, typ, protowire.BytesType, at); err != nil {
			return err
		}
		v, hdr := bytesValue(field)
		var err error
		if num == 1 {
			p.Position, err = decodeVec3(v, at+hdr)
		} else {
			p.Orientation, err = decodeQuat(v, at+hdr)
		}
		return err
	})
	return p, err
}

// Fov: 1 left, 2 right, 3 up, 4 down.

func (f Fov) size() int { return 4 * sizeFloatField }

func (f Fov) append(b []byte) []byte {
	b = appendFloat(b, 1, f.AngleLeft)
	b = appendFloat(b, 2, f.AngleRight)
	b = appendFloat(b, 3, f.AngleUp)
	return appendFloat(b, 4, f.AngleDown)
}

func decodeFov(b []byte, base int) (Fov, error) {
	var f Fov
	err := visitFields(b, base, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		if num < 1 || num > 4 {
			return nil
		}
		if err := wantType(num, typ, protowire.Fixed32Type, at); err != nil {
			return err
		}
		v := floatValue(field)
		switch num {
		case 1:
			f.AngleLeft = v
		case 2:
			f.AngleRight = v
		case 3:
			f.AngleUp = v
		case 4:
			f.AngleDown = v
		}
		return nil
	})
	return f, err
}

// View: 1 pose, 2 fov.

func (v View) size() int {
	return sizeMessageField(v.Pose.size()) + sizeMessageField(v.Fov.size())
}

func (v View) append(b []byte) []byte {
	b = appendMessageHeader(b, 1, v.Pose.size())
	b = v.Pose.append(b)
	b = appendMessageHeader(b, 2, v.Fov.size())
	return v.Fov.append(b)
}

func decodeView(b []byte, base int) (View, error) {
	var v View
	err := visitFields(b, base, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		if num != 1 && num != 2 {
			return nil
		}
		if err := wantType(num, typ, protowire.BytesType, at); err != nil {
			return err
		}
		payload, hdr := bytesValue(field)
		var err error
		if num == 1 {
			v.Pose, err = decodePose(payload, at+hdr)
		} else {
			v.Fov, err = decodeFov(payload, at+hdr)
		}
		return err
	})
	return v, err
}
