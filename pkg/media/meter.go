package media

import (
	"math"
	"sync"
)

// Samples are 16 bit PCM, interleaved when there are several channels.
type Samples []int16

// RMS is the root mean square of the samples, 1 is the full scale.
func (s Samples) RMS() float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		f := float64(v) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(s)))
}

// window collects samples until it is full, then starts over.
type window struct {
	s   Samples
	pos int
}

// fill copies all of s, full is called on each completed window.
func (w *window) fill(s Samples, full func(Samples)) {
	for len(s) > 0 {
		n := copy(w.s[w.pos:], s)
		s = s[n:]
		if w.pos += n; w.pos == len(w.s) {
			w.pos = 0
			if full != nil {
				full(w.s)
			}
		}
	}
}

// Meter is the loudness of the last full window of the captured audio,
// it serves the speech detector.
type Meter struct {
	mu    sync.Mutex
	w     window
	level float64
}

func NewMeter(size int) *Meter { return &Meter{w: window{s: make(Samples, size)}} }

// Push feeds PCM samples from the capture side.
func (m *Meter) Push(s Samples) {
	m.mu.Lock()
	m.w.fill(s, func(full Samples) { m.level = full.RMS() })
	m.mu.Unlock()
}

func (m *Meter) Level() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level, nil
}
