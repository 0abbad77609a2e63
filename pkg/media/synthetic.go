package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
)

// Synthetic is a device set without hardware, its sources send
// the same tiny frame at a fixed rate. For demos and tests.
type Synthetic struct {
	// Frame is the sample duration, 20ms by default.
	Frame time.Duration
	// Meter hears the silence of the microphone.
	Meter *Meter
}

var (
	blankVP8  = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}
	blankOpus = []byte{0xf8, 0xff, 0xfe}
)

func (s Synthetic) frame() time.Duration {
	if s.Frame <= 0 {
		return 20 * time.Millisecond
	}
	return s.Frame
}

func (s Synthetic) OpenCamera(context.Context) ([]Source, error) {
	mic := NewTicker("microphone", api.Audio, api.Camera, blankOpus, s.frame())
	if s.Meter != nil {
		// 48kHz mono
		pcm := make(Samples, int(s.frame().Seconds()*48000))
		mic.tap = func() { s.Meter.Push(pcm) }
	}
	return []Source{NewTicker("camera", api.Video, api.Camera, blankVP8, s.frame()), mic}, nil
}

func (s Synthetic) OpenScreen(context.Context) (Source, error) {
	return NewTicker("screen", api.Video, api.Screen, blankVP8, s.frame()), nil
}

// Ticker is a source that returns a copy of one sample every period.
type Ticker struct {
	id     string
	kind   api.Kind
	label  api.Label
	data   []byte
	period time.Duration
	tap    func()

	once sync.Once
	done chan struct{}
}

func NewTicker(id string, kind api.Kind, label api.Label, data []byte, period time.Duration) *Ticker {
	return &Ticker{id: id, kind: kind, label: label, data: data, period: period, done: make(chan struct{})}
}

func (t *Ticker) ID() string       { return t.id }
func (t *Ticker) Kind() api.Kind   { return t.kind }
func (t *Ticker) Label() api.Label { return t.label }

func (t *Ticker) ReadSample() (Sample, error) {
	timer := time.NewTimer(t.period)
	defer timer.Stop()
	select {
	case <-t.done:
		return Sample{}, io.EOF
	case <-timer.C:
		if t.tap != nil {
			t.tap()
		}
		return Sample{Data: append([]byte(nil), t.data...), Duration: t.period}, nil
	}
}

func (t *Ticker) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
