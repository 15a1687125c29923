package downmsg

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxViews is the number of eyes a frame can describe.
	MaxViews = 2
	// MaxControlSize bounds the opaque control blob.
	MaxControlSize = 64
)

// MaxDownMessageSize is the worst-case encoded size of a DownMessage.
var MaxDownMessageSize = maxDownMessage().size()

// FrameData describes the frame a Down-Message travels with.
type FrameData struct {
	FrameSequenceID uint64
	DisplayTimeNS   int64
	Views           []View
}

// DownMessage is the per-frame metadata sent to the client.
//
// Wire layout: DownMessage{1 frame_data, 2 control}, FrameData{1 seq,
// 2 display_time_ns, 3 repeated views}. Empty Views and Control encode like
// nil ones and decode as nil.
type DownMessage struct {
	FrameData FrameData
	Control   []byte
}

func maxDownMessage() DownMessage {
	return DownMessage{
		FrameData: FrameData{
			FrameSequenceID: math.MaxUint64,
			DisplayTimeNS:   -1,
			Views:           make([]View, MaxViews),
		},
		Control: make([]byte, MaxControlSize),
	}
}

func (f FrameData) size() int {
	n := sizeVarintField(f.FrameSequenceID) + sizeVarintField(uint64(f.DisplayTimeNS))
	for _, v := range f.Views {
		n += sizeMessageField(v.size())
	}
	return n
}

func (f FrameData) append(b []byte) []byte {
	b = appendVarint(b, 1, f.FrameSequenceID)
	b = appendVarint(b, 2, uint64(f.DisplayTimeNS))
	for _, v := range f.Views {
		b = appendMessageHeader(b, 3, v.size())
		b = v.append(b)
	}
	return b
}

func (m DownMessage) size() int {
	n := sizeMessageField(m.FrameData.size())
	if len(m.Control) > 0 {
		n += 1 + protowire.SizeBytes(len(m.Control))
	}
	return n
}

// Size returns the encoded size.
func (m DownMessage) Size() int { return m.size() }

func (m DownMessage) check() error {
	if len(m.FrameData.Views) > MaxViews || len(m.Control) > MaxControlSize {
		return ErrMessageTooLarge
	}
	if m.size() > MaxDownMessageSize {
		return ErrMessageTooLarge
	}
	return nil
}

// AppendDown appends the encoding of m to dst.
func AppendDown(dst []byte, m DownMessage) ([]byte, error) {
	if err := m.check(); err != nil {
		return dst, err
	}
	dst = appendMessageHeader(dst, 1, m.FrameData.size())
	dst = m.FrameData.append(dst)
	if len(m.Control) > 0 {
		dst = protowire.AppendTag(dst, 2, protowire.BytesType)
		dst = protowire.AppendBytes(dst, m.Control)
	}
	return dst, nil
}

// EncodeDown encodes m into a new buffer with MaxDownMessageSize capacity.
func EncodeDown(m DownMessage) ([]byte, error) {
	return AppendDown(make([]byte, 0, MaxDownMessageSize), m)
}

// DecodeDown parses b. Malformed input yields a *DecodeError.
func DecodeDown(b []byte) (DownMessage, error) {
	var m DownMessage
	if len(b) > MaxDownMessageSize {
		return m, decodeErr(0, "%d bytes exceeds maximum %d", len(b), MaxDownMessageSize)
	}
	err := visitFields(b, 0, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		switch num {
		case 1:
			if err := wantType(num, typ, protowire.BytesType, at); err != nil {
				return err
			}
			payload, hdr := bytesValue(field)
			fd, err := decodeFrameData(payload, at+hdr)
			if err != nil {
				return err
			}
			m.FrameData = fd
		case 2:
			if err := wantType(num, typ, protowire.BytesType, at); err != nil {
				return err
			}
			payload, _ := bytesValue(field)
			if len(payload) > MaxControlSize {
				return decodeErr(at, "control blob of %d bytes exceeds %d", len(payload), MaxControlSize)
			}
			m.Control = append([]byte(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return DownMessage{}, err
	}
	return m, nil
}

func decodeFrameData(b []byte, base int) (FrameData, error) {
	var f FrameData
	err := visitFields(b, base, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		switch num {
		case 1, 2:
			if err := wantType(num, typ, protowire.VarintType, at); err != nil {
				return err
			}
			if num == 1 {
				f.FrameSequenceID = varintValue(field)
			} else {
				f.DisplayTimeNS = int64(varintValue(field))
			}
		case 3:
			if err := wantType(num, typ, protowire.BytesType, at); err != nil {
				return err
			}
			if len(f.Views) == MaxViews {
				return decodeErr(at, "more than %d views", MaxViews)
			}
			payload, hdr := bytesValue(field)
			v, err := decodeView(payload, at+hdr)
			if err != nil {
				return err
			}
			f.Views = append(f.Views, v)
		}
		return nil
	})
	return f, err
}

// PeekSequenceID extracts frame_data.frame_sequence_id without decoding the
// rest of the message or allocating. Repeated fields resolve like DecodeDown:
// the last frame_data wins, and within it the last sequence id. ok is false
// when that frame_data carries no id.
func PeekSequenceID(b []byte) (uint64, bool) {
	frame, ok := findField(b, 1, protowire.BytesType)
	if !ok {
		return 0, false
	}
	payload, n := protowire.ConsumeBytes(frame)
	if n < 0 {
		return 0, false
	}
	seq, ok := findField(payload, 1, protowire.VarintType)
	if !ok {
		return 0, false
	}
	v, n := protowire.ConsumeVarint(seq)
	if n < 0 {
		return 0, false
	}
	return v, true
}

// findField returns the last occurrence of the field. Malformed input reports
// no field.
func findField(b []byte, want protowire.Number, wantTyp protowire.Type) ([]byte, bool) {
	var last []byte
	found := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, false
		}
		if num == want && typ == wantTyp {
			last, found = b[:m], true
		}
		b = b[m:]
	}
	return last, found
}
