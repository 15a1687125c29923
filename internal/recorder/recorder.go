package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/h264"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
	"github.com/dj-oyu/xr-streaming-server/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Recorder records the outgoing H.264 stream to an Annex-B file and the
// Down-Message of each frame to a CBOR sidecar next to it.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	sidecarFile  *os.File
	sidecar      *sidecarWriter
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	skipped      uint64
	startTime    time.Time
	frameChan    chan *types.EncodedFrame
	stopChan     chan struct{}
	wg           sync.WaitGroup
	metrics      *metrics.Metrics

	// Header management
	proc            *h264.Processor
	firstIDRWritten bool
}

// NewRecorder creates a new recorder
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath: basePath,
		metrics:  m,
		proc:     h264.NewProcessor(),
	}
}

// Start starts recording to a new file pair
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create recording dir: %w", err)
	}

	// Generate filename with timestamp
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("recording_%s.h264", timestamp)
	path := filepath.Join(r.basePath, filename)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	sidecarFile, err := os.Create(SidecarPath(path))
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to create sidecar: %w", err)
	}
	sidecar, err := newSidecarWriter(sidecarFile)
	if err != nil {
		file.Close()
		sidecarFile.Close()
		return fmt.Errorf("failed to write sidecar header: %w", err)
	}

	// Initialize state
	r.file = file
	r.sidecarFile = sidecarFile
	r.sidecar = sidecar
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.skipped = 0
	r.startTime = time.Now()
	r.firstIDRWritten = false
	r.frameChan = make(chan *types.EncodedFrame, 60) // Buffer 2 seconds
	r.stopChan = make(chan struct{})

	r.metrics.RecordingActive.Store(1)
	r.metrics.RecordingBytes.Store(0)
	r.metrics.RecordingFrames.Store(0)

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	logger.Info("Recorder", "Recording to %s", path)
	return nil
}

// SidecarPath returns the Down-Message sidecar path for a recording.
func SidecarPath(h264Path string) string {
	return h264Path + ".downmsg.cbor"
}

// Stop stops recording and flushes both files
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	// Wait for write goroutine to drain
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.RecordingActive.Store(0)

	var errs []error
	if err := r.sidecar.flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush sidecar: %w", err))
	}
	for _, f := range []*os.File{r.file, r.sidecarFile} {
		if err := f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync %s: %w", f.Name(), err))
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", f.Name(), err))
		}
	}
	r.file, r.sidecarFile, r.sidecar = nil, nil, nil

	logger.Info("Recorder", "Stopped %s (%d frames, %d bytes, %d skipped before first IDR)",
		r.filename, r.frameCount, r.bytesWritten, r.skipped)
	return errors.Join(errs...)
}

// WriteFrame queues a copy of frame without blocking. Frames are dropped
// when not recording or when the writer falls behind.
func (r *Recorder) WriteFrame(frame *types.EncodedFrame) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return
	}

	cp := *frame
	cp.Data = append([]byte(nil), frame.Data...)
	cp.Meta = append([]byte(nil), frame.Meta...)

	select {
	case r.frameChan <- &cp:
	default:
		logger.Debug("Recorder", "Writer behind, dropped frame %d", frame.Sequence)
	}
}

// writeFrames writes frames to file until stop, then drains the queue
func (r *Recorder) writeFrames(frames <-chan *types.EncodedFrame, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

// writeFrame appends one access unit and its sidecar record
func (r *Recorder) writeFrame(frame *types.EncodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}

	r.proc.Process(frame)

	dataToWrite := frame.Data
	if !r.firstIDRWritten {
		if !frame.IsIDR {
			// not decodable without a preceding IDR
			r.skipped++
			return
		}
		// Prepend SPS and PPS headers to ensure playability
		dataToWrite = r.proc.PrependHeaders(frame.Data)
		r.firstIDRWritten = true
	}

	offset := r.bytesWritten
	n, err := r.file.Write(dataToWrite)
	r.bytesWritten += uint64(n)
	if err != nil {
		logger.Error("Recorder", "Write failed: %v", err)
		return
	}

	if err := r.sidecar.write(Record{
		Seq:         frame.Sequence,
		PTSNS:       int64(frame.PTS),
		Offset:      offset,
		Size:        n,
		IDR:         frame.IsIDR,
		DownMessage: frame.Meta,
	}); err != nil {
		logger.Error("Recorder", "Sidecar write failed: %v", err)
	}

	r.frameCount++
	r.metrics.RecordingBytes.Store(r.bytesWritten)
	r.metrics.RecordingFrames.Store(r.frameCount)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMS:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMS   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
