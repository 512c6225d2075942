// Package history keeps short, bounded windows of recent observations per
// (venue, symbol) for volatility and activity scoring.
package history

import (
	"math"
	"time"
)

// Sample is one retained data point.
type Sample struct {
	Price     float64
	Volume    float64
	Liquidity float64
	Time      time.Time
}

// Window is a fixed-capacity FIFO of samples. The oldest sample is dropped
// when a push would exceed capacity. Not safe for concurrent use.
type Window struct {
	buf   []Sample
	start int
	n     int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when full.
func (w *Window) Push(s Sample) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = s
		w.n++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

func (w *Window) Len() int { return w.n }
func (w *Window) Cap() int { return len(w.buf) }

// Samples returns the retained samples oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Stats summarizes a window.
type Stats struct {
	Count       int
	Mean        float64
	StdDev      float64 // population standard deviation of price
	Volatility  float64 // StdDev / Mean
	PriceChange float64 // (last - first) / first
	AvgVolume   float64
	Activity    float64 // samples per second over the window span
}

// Stats computes price statistics over the window. Fewer than two samples
// give zero dispersion.
func (w *Window) Stats() Stats {
	st := Stats{Count: w.n}
	if w.n == 0 {
		return st
	}

	var sum, vol float64
	for i := 0; i < w.n; i++ {
		s := w.buf[(w.start+i)%len(w.buf)]
		sum += s.Price
		vol += s.Volume
	}
	st.Mean = sum / float64(w.n)
	st.AvgVolume = vol / float64(w.n)
	if w.n < 2 {
		return st
	}

	var variance float64
	for i := 0; i < w.n; i++ {
		d := w.buf[(w.start+i)%len(w.buf)].Price - st.Mean
		variance += d * d
	}
	st.StdDev = math.Sqrt(variance / float64(w.n))
	if st.Mean != 0 {
		st.Volatility = st.StdDev / st.Mean
	}

	first := w.buf[w.start]
	last := w.buf[(w.start+w.n-1)%len(w.buf)]
	if first.Price != 0 {
		st.PriceChange = (last.Price - first.Price) / first.Price
	}
	if span := last.Time.Sub(first.Time).Seconds(); span > 0 {
		st.Activity = float64(w.n-1) / span
	}
	return st
}
