package media

import (
	"math"
	"testing"
)

func TestWindow(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []Samples
		full   int
	}{
		{name: "underflow", size: 4, writes: []Samples{{1, 2, 3}}, full: 0},
		{name: "exact", size: 4, writes: []Samples{{1, 2}, {3, 4}}, full: 1},
		{name: "overflow", size: 2, writes: []Samples{{1, 2, 3, 4, 5}}, full: 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := window{s: make(Samples, test.size)}
			full := 0
			for _, s := range test.writes {
				w.fill(s, func(Samples) { full++ })
			}
			if full != test.full {
				t.Errorf("full %v times, want %v", full, test.full)
			}
		})
	}
}

func TestRMS(t *testing.T) {
	if rms := (Samples{}).RMS(); rms != 0 {
		t.Errorf("empty rms %v", rms)
	}
	if rms := (Samples{math.MaxInt16, -math.MaxInt16}).RMS(); math.Abs(rms-1) > 1e-9 {
		t.Errorf("full scale rms %v", rms)
	}
	if rms := (Samples{0, 0, 0}).RMS(); rms != 0 {
		t.Errorf("silence rms %v", rms)
	}
}

func TestMeter(t *testing.T) {
	m := NewMeter(4)
	m.Push(Samples{math.MaxInt16, math.MaxInt16})
	if l, _ := m.Level(); l != 0 {
		t.Errorf("level before a full window %v", l)
	}
	m.Push(Samples{math.MaxInt16, math.MaxInt16})
	if l, _ := m.Level(); math.Abs(l-1) > 1e-9 {
		t.Errorf("level %v", l)
	}
}
