package stats

import "meshctl/internal/model"

// DefaultHistorySize is the trend window kept for sparkline display.
const DefaultHistorySize = 20

// PeakFloorBytesPerSec keeps sparkline scaling sane on quiet links.
const PeakFloorBytesPerSec = 1 << 20 // 1 MiB/s

// RateHistory is a fixed-length ring of aggregate speed samples with an
// incrementally cached running maximum. The peak is read on every redraw
// while the ring changes once per poll, so it is maintained on write instead
// of rescanned on read.
type RateHistory struct {
	samples []model.SpeedSample
	next    int
	count   int
	peak    float64
}

// NewRateHistory creates a ring holding size samples. Size 0 selects
// DefaultHistorySize.
func NewRateHistory(size int) *RateHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &RateHistory{samples: make([]model.SpeedSample, size), peak: PeakFloorBytesPerSec}
}

// Push appends a sample, evicting the oldest when full.
func (h *RateHistory) Push(s model.SpeedSample) {
	evicted := h.samples[h.next]
	wasFull := h.count == len(h.samples)
	h.samples[h.next] = s
	h.next = (h.next + 1) % len(h.samples)
	if !wasFull {
		h.count++
	}

	if wasFull && sampleMax(evicted) >= h.peak {
		// The evicted sample may have carried the peak; rescan once.
		h.peak = PeakFloorBytesPerSec
		for i := 0; i < h.count; i++ {
			if m := sampleMax(h.samples[i]); m > h.peak {
				h.peak = m
			}
		}
		return
	}
	if m := sampleMax(s); m > h.peak {
		h.peak = m
	}
}

// Samples returns the retained window, oldest first.
func (h *RateHistory) Samples() []model.SpeedSample {
	out := make([]model.SpeedSample, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += len(h.samples)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.samples[(start+i)%len(h.samples)])
	}
	return out
}

// Peak returns the running maximum over the window, never below the floor.
func (h *RateHistory) Peak() float64 { return h.peak }

// Reset empties the window, e.g. on a session boundary.
func (h *RateHistory) Reset() {
	for i := range h.samples {
		h.samples[i] = model.SpeedSample{}
	}
	h.next = 0
	h.count = 0
	h.peak = PeakFloorBytesPerSec
}

func sampleMax(s model.SpeedSample) float64 {
	if s.RxBytesPerSec > s.TxBytesPerSec {
		return s.RxBytesPerSec
	}
	return s.TxBytesPerSec
}
