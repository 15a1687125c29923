package preview

import (
	"bytes"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/media"
)

func rgbaFrame(w, h int, fill byte) *media.CPUFrame {
	data := bytes.Repeat([]byte{fill, 0x20, 0x40, 0xff}, w*h)
	info := media.FrameInfo{Format: media.FormatRGBA8, Width: w, Height: h, Stride: w * 4}
	return media.NewCPUFrame(info, media.NewCPUBuffer(data, nil))
}

func TestJPEGBeforeOffer(t *testing.T) {
	t.Parallel()
	p := New(64, 0)
	if _, ok := p.JPEG(); ok {
		t.Fatalf("thumbnail before any frame")
	}
}

func TestOfferScalesDown(t *testing.T) {
	t.Parallel()
	p := New(32, 0)
	f := rgbaFrame(128, 64, 0x80)
	p.Offer(f)
	f.Release()

	data, ok := p.JPEG()
	if !ok {
		t.Fatalf("no thumbnail")
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
		t.Fatalf("thumbnail %v, want 32x16", b)
	}
}

func TestOfferCopiesPixels(t *testing.T) {
	t.Parallel()
	p := New(64, 0)
	data := make([]byte, 8*8)
	info := media.FrameInfo{Format: media.FormatL8, Width: 8, Height: 8, Stride: 8}
	p.Offer(media.NewCPUFrame(info, media.NewCPUBuffer(data, nil)))

	data[0] = 0xff
	if p.pixels[0] != 0 {
		t.Fatalf("preview aliases the frame")
	}
}

func TestOfferRespectsInterval(t *testing.T) {
	t.Parallel()
	p := New(64, time.Second)
	now := time.Unix(100, 0)
	p.now = func() time.Time { return now }

	p.Offer(rgbaFrame(4, 4, 1))
	now = now.Add(100 * time.Millisecond)
	p.Offer(rgbaFrame(4, 4, 2))
	if p.seq != 1 || p.pixels[0] != 1 {
		t.Fatalf("offer inside interval was kept (seq %d)", p.seq)
	}
	now = now.Add(time.Second)
	p.Offer(rgbaFrame(4, 4, 3))
	if p.seq != 2 || p.pixels[0] != 3 {
		t.Fatalf("offer after interval dropped (seq %d)", p.seq)
	}
}

func TestOfferIgnoresEncodedFrames(t *testing.T) {
	t.Parallel()
	p := New(64, 0)
	info := media.FrameInfo{Format: media.FormatH264}
	p.Offer(media.NewCPUFrame(info, media.NewCPUBuffer([]byte{0, 0, 0, 1, 0x65}, nil)))
	if _, ok := p.JPEG(); ok {
		t.Fatalf("encoded frame produced a thumbnail")
	}
}

func TestToImageFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format media.Format
		bpp    int
	}{
		{media.FormatRGB8, 3},
		{media.FormatRGBA8, 4},
		{media.FormatRGBX8, 4},
		{media.FormatYUYV422, 2},
		{media.FormatL8, 1},
	}
	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			t.Parallel()
			const w, h = 6, 4
			stride := w*tt.bpp + 8 // padded rows
			info := media.FrameInfo{Format: tt.format, Width: w, Height: h, Stride: stride}
			img, err := toImage(info, make([]byte, stride*h))
			if err != nil {
				t.Fatalf("toImage: %v", err)
			}
			if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
				t.Fatalf("bounds %v", b)
			}
		})
	}
}

func TestServeHTTPFallsBackToColorBars(t *testing.T) {
	t.Parallel()
	p := New(80, 0)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview.jpg", nil))

	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("status %d, content type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := jpeg.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 80 || b.Dy() != 60 {
		t.Fatalf("color bars %v", b)
	}
}
