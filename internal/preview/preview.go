// Package preview keeps a thumbnail of the latest raw frame for operators.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/media"
)

const (
	DefaultMaxWidth = 640
	DefaultInterval = 500 * time.Millisecond
	jpegQuality     = 75
)

// Preview samples raw frames offered by the pipeline. Offer copies at most
// one frame per interval; encoding happens only when a thumbnail is asked for.
type Preview struct {
	maxWidth int
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	info      media.FrameInfo
	pixels    []byte
	lastOffer time.Time
	seq       uint64
	jpegSeq   uint64
	jpeg      []byte
}

func New(maxWidth int, interval time.Duration) *Preview {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if interval < 0 {
		interval = DefaultInterval
	}
	return &Preview{maxWidth: maxWidth, interval: interval, now: time.Now}
}

// Offer copies the frame's pixels if the sampling interval has elapsed.
// Device-only and encoded frames are ignored.
func (p *Preview) Offer(f media.Frame) {
	info := f.Info()
	if !info.Format.Raw() {
		return
	}
	data := f.Bytes()
	if data == nil || len(data) < info.Stride*info.Height {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if !p.lastOffer.IsZero() && now.Sub(p.lastOffer) < p.interval {
		return
	}
	p.lastOffer = now
	p.info = info
	p.pixels = append(p.pixels[:0], data[:info.Stride*info.Height]...)
	p.seq++
}

// JPEG returns the latest thumbnail, or false before any frame was offered.
func (p *Preview) JPEG() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seq == 0 {
		return nil, false
	}
	if p.jpegSeq == p.seq {
		return p.jpeg, true
	}

	img, err := toImage(p.info, p.pixels)
	if err != nil {
		logger.Warn("Preview", "Cannot render %s frame: %v", p.info.Format, err)
		return nil, false
	}
	out, err := encode(scale(img, p.maxWidth))
	if err != nil {
		logger.Warn("Preview", "JPEG encode failed: %v", err)
		return nil, false
	}
	p.jpeg, p.jpegSeq = out, p.seq
	return out, true
}

// ServeHTTP writes the latest thumbnail, or color bars when none exists.
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, ok := p.JPEG()
	if !ok {
		var err error
		if data, err = blankJPEG(p.maxWidth); err != nil {
			http.Error(w, "Failed to render frame", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

// ServeMJPEG streams the thumbnail as multipart JPEG until the client leaves.
func (p *Preview) ServeMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	blank, err := blankJPEG(p.maxWidth)
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	interval := p.interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		jpegData := blank
		if data, ok := p.JPEG(); ok {
			jpegData = data
		}

		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			logger.Debug("Preview", "Client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			logger.Debug("Preview", "Client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func toImage(info media.FrameInfo, pix []byte) (image.Image, error) {
	rect := image.Rect(0, 0, info.Width, info.Height)
	switch info.Format {
	case media.FormatRGBA8:
		return &image.NRGBA{Pix: pix, Stride: info.Stride, Rect: rect}, nil
	case media.FormatRGBX8:
		img := image.NewRGBA(rect)
		for y := 0; y < info.Height; y++ {
			src := pix[y*info.Stride : y*info.Stride+info.Width*4]
			dst := img.Pix[y*img.Stride : y*img.Stride+info.Width*4]
			copy(dst, src)
			for x := 3; x < len(dst); x += 4 {
				dst[x] = 0xff
			}
		}
		return img, nil
	case media.FormatRGB8:
		img := image.NewRGBA(rect)
		for y := 0; y < info.Height; y++ {
			row := pix[y*info.Stride:]
			for x := 0; x < info.Width; x++ {
				o := y*img.Stride + x*4
				img.Pix[o] = row[x*3]
				img.Pix[o+1] = row[x*3+1]
				img.Pix[o+2] = row[x*3+2]
				img.Pix[o+3] = 0xff
			}
		}
		return img, nil
	case media.FormatL8:
		return &image.Gray{Pix: pix, Stride: info.Stride, Rect: rect}, nil
	case media.FormatYUYV422:
		img := image.NewRGBA(rect)
		for y := 0; y < info.Height; y++ {
			row := pix[y*info.Stride:]
			for x := 0; x+1 < info.Width; x += 2 {
				y0, u, y1, v := row[x*2], row[x*2+1], row[x*2+2], row[x*2+3]
				img.SetRGBA(x, y, yuv(y0, u, v))
				img.SetRGBA(x+1, y, yuv(y1, u, v))
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported format %s", info.Format)
	}
}

func yuv(y, cb, cr uint8) color.RGBA {
	r, g, b := color.YCbCrToRGB(y, cb, cr)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

func scale(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	if b.Dx() <= maxWidth {
		return src
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// blankJPEG renders color bars at a 4:3 aspect.
func blankJPEG(width int) ([]byte, error) {
	height := width * 3 / 4
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := max(width/len(colors), 1)
	for y := range height {
		for x := range width {
			barIndex := min(x/barWidth, len(colors)-1)
			img.SetRGBA(x, y, colors[barIndex])
		}
	}
	return encode(img)
}
