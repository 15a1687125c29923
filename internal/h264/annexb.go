package h264

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/dj-oyu/xr-streaming-server/pkg/types"
)

const readChunk = 64 * 1024

// AccessUnitReader groups an Annex-B byte stream into access units. A unit
// is every non-VCL NAL followed by one slice, which covers single-slice
// streams such as camera and demo encodes.
type AccessUnitReader struct {
	r       *bufio.Reader
	buf     []byte
	pending []byte
	eof     bool
}

// NewAccessUnitReader reads from r.
func NewAccessUnitReader(r io.Reader) *AccessUnitReader {
	return &AccessUnitReader{r: bufio.NewReaderSize(r, readChunk)}
}

// Next returns the next access unit. It returns io.EOF once the stream is
// exhausted.
func (a *AccessUnitReader) Next() ([]byte, error) {
	for {
		nal, err := a.nextNAL()
		if err != nil {
			if errors.Is(err, io.EOF) && len(a.pending) > 0 {
				au := a.pending
				a.pending = nil
				return au, nil
			}
			return nil, err
		}
		a.pending = append(a.pending, nal...)
		if types.IsVCL(ExtractNALType(nal)) {
			au := a.pending
			a.pending = nil
			return au, nil
		}
	}
}

// nextNAL returns one NAL unit with its start code.
func (a *AccessUnitReader) nextNAL() ([]byte, error) {
	for {
		start := -1
		if len(a.buf) > 0 {
			if startCodeAt(a.buf, 0) > 0 {
				start = 0
			} else if i := bytes.Index(a.buf, startCode3); i >= 0 {
				// leading garbage
				a.buf = a.buf[i:]
				start = 0
			} else if len(a.buf) > 3 {
				a.buf = a.buf[len(a.buf)-3:]
			}
		}
		if start == 0 {
			hdr := startCodeAt(a.buf, 0)
			if end := findNextStartCode(a.buf, hdr+1); end > 0 {
				nal := bytes.Clone(a.buf[:end])
				a.buf = a.buf[end:]
				return nal, nil
			}
		}
		if a.eof {
			if start == 0 && len(a.buf) > startCodeAt(a.buf, 0) {
				nal := a.buf
				a.buf = nil
				return nal, nil
			}
			return nil, io.EOF
		}
		if err := a.fill(); err != nil {
			return nil, err
		}
	}
}

func (a *AccessUnitReader) fill() error {
	chunk := make([]byte, readChunk)
	n, err := a.r.Read(chunk)
	a.buf = append(a.buf, chunk[:n]...)
	if errors.Is(err, io.EOF) {
		a.eof = true
		return nil
	}
	return err
}
