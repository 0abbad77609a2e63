package incident

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FaceCounter counts the faces on the current camera frame.
type FaceCounter interface {
	CountFaces(ctx context.Context) (int, error)
}

// FaceDetector watches for a missing face (A1) and extra faces (A2).
type FaceDetector struct {
	counter     FaceCounter
	noFaceAfter time.Duration
	now         func() time.Time

	noFaceSince time.Time
}

func NewFaceDetector(counter FaceCounter, noFaceAfter time.Duration) *FaceDetector {
	if noFaceAfter <= 0 {
		noFaceAfter = 30 * time.Second
	}
	return &FaceDetector{counter: counter, noFaceAfter: noFaceAfter, now: time.Now}
}

func (f *FaceDetector) Name() string { return "face" }

func (f *FaceDetector) Evaluate(ctx context.Context) ([]Observation, error) {
	n, err := f.counter.CountFaces(ctx)
	if err != nil {
		return nil, err
	}
	now := f.now()
	missing := false
	if n == 0 {
		if f.noFaceSince.IsZero() {
			f.noFaceSince = now
		}
		missing = now.Sub(f.noFaceSince) > f.noFaceAfter
	} else {
		f.noFaceSince = time.Time{}
	}
	return []Observation{
		{Tag: NoFace, Active: missing, Level: S2, Note: fmt.Sprintf("no face for more than %v", f.noFaceAfter)},
		{Tag: ManyFaces, Active: n > 1, Level: S2, Note: fmt.Sprintf("%d faces", n)},
	}, nil
}

// EnergyMeter gives the current RMS level of the microphone, 0..1.
type EnergyMeter interface {
	Level() (float64, error)
}

// SpeechDetector accumulates the time spent above the energy threshold (A6).
// Each loud tick adds one tick, each quiet one takes two away.
type SpeechDetector struct {
	meter     EnergyMeter
	threshold float64
	tick      time.Duration
	sustain   time.Duration

	speaking time.Duration
}

func NewSpeechDetector(meter EnergyMeter, threshold float64, tick, sustain time.Duration) *SpeechDetector {
	if threshold <= 0 {
		threshold = 0.05
	}
	if tick <= 0 {
		tick = 200 * time.Millisecond
	}
	if sustain <= 0 {
		sustain = 30 * time.Second
	}
	return &SpeechDetector{meter: meter, threshold: threshold, tick: tick, sustain: sustain}
}

func (s *SpeechDetector) Name() string { return "speech" }

func (s *SpeechDetector) Evaluate(context.Context) ([]Observation, error) {
	rms, err := s.meter.Level()
	if err != nil {
		return nil, err
	}
	active := false
	if rms > s.threshold {
		s.speaking += s.tick
		if s.speaking >= s.sustain {
			active = true
			s.speaking = 0
		}
	} else {
		s.speaking -= 2 * s.tick
		if s.speaking < 0 {
			s.speaking = 0
		}
	}
	return []Observation{{Tag: Speech, Active: active, Level: S2, Note: "sustained conversation"}}, nil
}

// Probe is one check-in verification.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Check-in probe names with their own tags.
const (
	ProbeScreen  = "screen"
	ProbeBrowser = "secure_browser"
	ProbeNetwork = "network"
)

func probeTag(name string) Tag {
	switch name {
	case ProbeScreen:
		return NoScreen
	case ProbeBrowser:
		return Browser
	case ProbeNetwork:
		return Network
	}
	return CheckIn
}

// CheckInDetector runs the check-in probes, a failed probe is an incident of its tag.
type CheckInDetector struct {
	probes []Probe
}

func NewCheckInDetector(probes ...Probe) *CheckInDetector { return &CheckInDetector{probes: probes} }

func (c *CheckInDetector) Name() string { return "check-in" }

func (c *CheckInDetector) Evaluate(ctx context.Context) ([]Observation, error) {
	// several probes may share the other tag, one failure is enough
	failed := make(map[Tag]string)
	var order []Tag
	for _, p := range c.probes {
		t := probeTag(p.Name)
		if _, seen := failed[t]; !seen {
			order = append(order, t)
			failed[t] = ""
		}
		if err := p.Check(ctx); err != nil && failed[t] == "" {
			failed[t] = fmt.Sprintf("check-in %s: %v", p.Name, err)
		}
	}
	out := make([]Observation, 0, len(order))
	for _, t := range order {
		out = append(out, Observation{Tag: t, Active: failed[t] != "", Note: failed[t]})
	}
	return out, nil
}

// FocusDetector reports the page losing focus (A3) as it happens.
type FocusDetector struct {
	mu   sync.Mutex
	emit func(Observation)
}

func NewFocusDetector() *FocusDetector { return &FocusDetector{} }

func (f *FocusDetector) Attach(emit func(Observation)) {
	f.mu.Lock()
	f.emit = emit
	f.mu.Unlock()
}

func (f *FocusDetector) send(o Observation) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	if emit != nil {
		emit(o)
	}
}

// Hidden is called when the tab is hidden or the window is blurred.
func (f *FocusDetector) Hidden(note string) {
	f.send(Observation{Tag: FocusLost, Active: true, Level: S1, Note: note})
}

// Visible is called when the focus is back.
func (f *FocusDetector) Visible() { f.send(Observation{Tag: FocusLost}) }
