package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// SidecarMagic starts every Down-Message sidecar file.
const SidecarMagic = "XRDOWN01"

// Record locates one frame in the recorded elementary stream together with
// the Down-Message that was sent with it.
type Record struct {
	Seq         uint64 `cbor:"seq" json:"seq"`
	PTSNS       int64  `cbor:"pts_ns" json:"pts_ns"`
	Offset      uint64 `cbor:"offset" json:"offset"`
	Size        int    `cbor:"size" json:"size"`
	IDR         bool   `cbor:"idr" json:"idr"`
	DownMessage []byte `cbor:"down_message,omitempty" json:"down_message,omitempty"`
}

type sidecarWriter struct {
	w   *bufio.Writer
	enc *cbor.Encoder
}

func newSidecarWriter(w io.Writer) (*sidecarWriter, error) {
	bw := bufio.NewWriterSize(w, 64*1024)
	if _, err := bw.WriteString(SidecarMagic); err != nil {
		return nil, err
	}
	return &sidecarWriter{w: bw, enc: cbor.NewEncoder(bw)}, nil
}

func (s *sidecarWriter) write(r Record) error {
	return s.enc.Encode(r)
}

func (s *sidecarWriter) flush() error {
	return s.w.Flush()
}

// SidecarReader reads records written during a recording.
type SidecarReader struct {
	dec *cbor.Decoder
}

// NewSidecarReader checks the magic and returns a reader positioned at the
// first record.
func NewSidecarReader(r io.Reader) (*SidecarReader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(SidecarMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != SidecarMagic {
		return nil, fmt.Errorf("unexpected sidecar magic %q", string(magic))
	}
	return &SidecarReader{dec: cbor.NewDecoder(br)}, nil
}

// Next returns io.EOF after the last complete record. A record cut short
// by a crash is reported as io.ErrUnexpectedEOF.
func (s *SidecarReader) Next() (Record, error) {
	var r Record
	if err := s.dec.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	return r, nil
}
