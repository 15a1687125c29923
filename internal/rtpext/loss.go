package rtpext

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
)

// DefaultReportInterval is the loss accounting window.
const DefaultReportInterval = 5 * time.Second

// Report summarizes one accounting window.
type Report struct {
	Skipped  uint64
	Observed int
	Elapsed  time.Duration
	Rate     float64 // skipped per second
}

// LossAccountant measures how many Down-Message ids never made it into a
// packet. Ids are the frame sequence ids of sent messages; gaps are frames
// dropped before transmission. Receiver-side loss is not visible here.
//
// Observe must be called from a single goroutine.
type LossAccountant struct {
	interval time.Duration
	metrics  *metrics.Metrics
	enabled  atomic.Bool

	ids   []uint64
	start time.Time
}

// NewLossAccountant returns an enabled accountant.
func NewLossAccountant(interval time.Duration, m *metrics.Metrics) *LossAccountant {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if m == nil {
		m = metrics.New()
	}
	a := &LossAccountant{
		interval: interval,
		metrics:  m,
		ids:      make([]uint64, 0, 512),
	}
	a.enabled.Store(true)
	return a
}

// SetEnabled toggles accounting. Disabling discards the current window.
func (a *LossAccountant) SetEnabled(on bool) {
	a.enabled.Store(on)
}

func (a *LossAccountant) Enabled() bool { return a.enabled.Load() }

// Observe records a sent id. When the window has elapsed it returns the
// window's report and starts a new one.
func (a *LossAccountant) Observe(id uint64, now time.Time) (Report, bool) {
	if !a.enabled.Load() {
		if len(a.ids) > 0 || !a.start.IsZero() {
			a.ids = a.ids[:0]
			a.start = time.Time{}
		}
		return Report{}, false
	}
	if a.start.IsZero() {
		a.start = now
	}
	a.ids = append(a.ids, id)

	elapsed := now.Sub(a.start)
	if elapsed < a.interval {
		return Report{}, false
	}

	r := Report{
		Skipped:  CountSkipped(a.ids),
		Observed: len(a.ids),
		Elapsed:  elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		r.Rate = float64(r.Skipped) / secs
	}

	logger.Info("Loss", "Skipping DownMsgs at rate %.2f/second", r.Rate)
	a.metrics.SetDownMsgSkipRate(r.Rate)

	a.ids = a.ids[:0]
	a.start = now
	return r, true
}

// CountSkipped sorts ids in place and sums the gaps between consecutive
// distinct ids.
func CountSkipped(ids []uint64) uint64 {
	slices.Sort(ids)
	var skipped uint64
	for i := 1; i < len(ids); i++ {
		prev, cur := ids[i-1], ids[i]
		if cur > prev {
			skipped += cur - prev - 1
		}
	}
	return skipped
}
