package downmsg

import "google.golang.org/protobuf/encoding/protowire"

// MaxUpMessageSize bounds what the data channel accepts.
const MaxUpMessageSize = 1024

// Tracking is the client's latest head and eye state.
type Tracking struct {
	HeadPose      Pose
	Views         []View
	DisplayTimeNS int64
}

// UpMessage is sent by the client on the data channel.
//
// Wire layout: UpMessage{1 id, 2 tracking}, Tracking{1 head_pose,
// 2 repeated views, 3 display_time_ns}.
type UpMessage struct {
	ID       uint64
	Tracking *Tracking
}

func (t Tracking) size() int {
	n := sizeMessageField(t.HeadPose.size())
	for _, v := range t.Views {
		n += sizeMessageField(v.size())
	}
	return n + sizeVarintField(uint64(t.DisplayTimeNS))
}

func (t Tracking) append(b []byte) []byte {
	b = appendMessageHeader(b, 1, t.HeadPose.size())
	b = t.HeadPose.append(b)
	for _, v := range t.Views {
		b = appendMessageHeader(b, 2, v.size())
		b = v.append(b)
	}
	return appendVarint(b, 3, uint64(t.DisplayTimeNS))
}

// EncodeUp encodes m.
func EncodeUp(m UpMessage) ([]byte, error) {
	if m.Tracking != nil && len(m.Tracking.Views) > MaxViews {
		return nil, ErrMessageTooLarge
	}
	b := appendVarint(nil, 1, m.ID)
	if m.Tracking != nil {
		b = appendMessageHeader(b, 2, m.Tracking.size())
		b = m.Tracking.append(b)
	}
	if len(b) > MaxUpMessageSize {
		return nil, ErrMessageTooLarge
	}
	return b, nil
}

// DecodeUp parses b. Malformed input yields a *DecodeError.
func DecodeUp(b []byte) (UpMessage, error) {
	var m UpMessage
	if len(b) > MaxUpMessageSize {
		return m, decodeErr(0, "%d bytes exceeds maximum %d", len(b), MaxUpMessageSize)
	}
	err := visitFields(b, 0, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		switch num {
		case 1:
			if err := wantType(num, typ, protowire.VarintType, at); err != nil {
				return err
			}
			m.ID = varintValue(field)
		case 2:
			if err := wantType(num, typ, protowire.BytesType, at); err != nil {
				return err
			}
			payload, hdr := bytesValue(field)
			t, err := decodeTracking(payload, at+hdr)
			if err != nil {
				return err
			}
			m.Tracking = &t
		}
		return nil
	})
	if err != nil {
		return UpMessage{}, err
	}
	return m, nil
}

func decodeTracking(b []byte, base int) (Tracking, error) {
	var t Tracking
	err := visitFields(b, base, func(num protowire.Number, typ protowire.Type, field []byte, at int) error {
		switch num {
		case 1, 2:
			if err := wantType(num, typ, protowire.BytesType, at); err != nil {
				return err
			}
			payload, hdr := bytesValue(field)
			if num == 1 {
				p, err := decodePose(payload, at+hdr)
				t.HeadPose = p
				return err
			}
			if len(t.Views) == MaxViews {
				return decodeErr(at, "more than %d views", MaxViews)
			}
			v, err := decodeView(payload, at+hdr)
			if err != nil {
				return err
			}
			t.Views = append(t.Views, v)
		case 3:
			if err := wantType(num, typ, protowire.VarintType, at); err != nil {
				return err
			}
			t.DisplayTimeNS = int64(varintValue(field))
		}
		return nil
	})
	return t, err
}
