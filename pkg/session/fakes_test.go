package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/signal"
)

type fakeSignal struct {
	user     string
	mu       sync.Mutex
	sent     []api.Message
	handlers map[api.Type]signal.Handler
	closed   bool
}

func newFakeSignal(user string) *fakeSignal {
	return &fakeSignal{user: user, handlers: make(map[api.Type]signal.Handler)}
}

func (f *fakeSignal) User() string { return f.user }

func (f *fakeSignal) Send(m api.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.sent = append(f.sent, m)
	return true
}

func (f *fakeSignal) On(t api.Type, h signal.Handler) {
	f.mu.Lock()
	f.handlers[t] = h
	f.mu.Unlock()
}

// deliver plays the message as if it came from the coordinator.
func (f *fakeSignal) deliver(m api.Message) {
	f.mu.Lock()
	h := f.handlers[m.Type]
	f.mu.Unlock()
	if h != nil {
		h(m)
	}
}

func (f *fakeSignal) of(t api.Type) (out []api.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return
}

func (f *fakeSignal) last(t api.Type) (api.Message, bool) {
	all := f.of(t)
	if len(all) == 0 {
		return api.Message{}, false
	}
	return all[len(all)-1], true
}

type fakeSource struct {
	id     string
	kind   api.Kind
	label  api.Label
	mu     sync.Mutex
	closed bool
}

func (s *fakeSource) ID() string       { return s.id }
func (s *fakeSource) Kind() api.Kind   { return s.kind }
func (s *fakeSource) Label() api.Label { return s.label }
func (s *fakeSource) ReadSample() (media.Sample, error) {
	return media.Sample{}, io.EOF
}
func (s *fakeSource) Close() error { s.mu.Lock(); s.closed = true; s.mu.Unlock(); return nil }
func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDevices struct {
	cameraErr error
	screenErr error
	opened    []*fakeSource
	screens   int
}

func (d *fakeDevices) OpenCamera(context.Context) ([]media.Source, error) {
	if d.cameraErr != nil {
		return nil, d.cameraErr
	}
	v := &fakeSource{id: "cam", kind: api.Video, label: api.Camera}
	a := &fakeSource{id: "mic", kind: api.Audio, label: api.Camera}
	d.opened = append(d.opened, v, a)
	return []media.Source{v, a}, nil
}

func (d *fakeDevices) OpenScreen(context.Context) (media.Source, error) {
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	d.screens++
	s := &fakeSource{id: fmt.Sprintf("screen%d", d.screens), kind: api.Video, label: api.Screen}
	d.opened = append(d.opened, s)
	return s, nil
}

type fakeTrack struct {
	id   string
	kind api.Kind
}

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) Kind() api.Kind   { return t.kind }
func (t fakeTrack) StreamID() string { return "s" }

type fakeConn struct {
	mu         sync.Mutex
	tracks     []string
	receivers  []api.Kind
	enabled    bool
	offers     int
	remote     [][]byte
	candidates [][]byte
	closed     bool

	failAnswer bool

	onTrack     func(media.RemoteTrack)
	onEnded     func(string)
	onCandidate func([]byte)
	onState     func(media.State)
}

func (c *fakeConn) AddTrack(src media.Source) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, src.ID())
	return src.ID(), nil
}

func (c *fakeConn) RemoveTrack(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.tracks {
		if t == id {
			c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)
			return nil
		}
	}
	return errors.New("no track")
}

func (c *fakeConn) AddReceiver(kind api.Kind) error {
	c.mu.Lock()
	c.receivers = append(c.receivers, kind)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetEnabled(enabled bool) { c.mu.Lock(); c.enabled = enabled; c.mu.Unlock() }

func (c *fakeConn) CreateOffer() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return []byte(fmt.Sprintf(`{"type":"offer","sdp":"o%d"}`, c.offers)), nil
}

func (c *fakeConn) CreateAnswer(offer []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAnswer {
		return nil, errors.New("bad offer")
	}
	c.remote = append(c.remote, offer)
	return []byte(`{"type":"answer","sdp":"a"}`), nil
}

func (c *fakeConn) ApplyAnswer(answer []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if string(answer) == `"bad"` {
		return errors.New("bad answer")
	}
	c.remote = append(c.remote, answer)
	return nil
}

func (c *fakeConn) AddCandidate(candidate []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remote) == 0 {
		return errors.New("no remote description")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnTrack(fn func(media.RemoteTrack)) { c.onTrack = fn }
func (c *fakeConn) OnTrackEnded(fn func(string))       { c.onEnded = fn }
func (c *fakeConn) OnCandidate(fn func([]byte))        { c.onCandidate = fn }
func (c *fakeConn) OnStateChange(fn func(media.State)) { c.onState = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) candidateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (t *fakeTransport) NewConn() (media.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return nil, errors.New("no engine")
	}
	c := &fakeConn{enabled: true}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

type statusLog struct {
	mu  sync.Mutex
	all []Status
}

func (l *statusLog) add(s Status) { l.mu.Lock(); l.all = append(l.all, s); l.mu.Unlock() }

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.all) == 0 {
		return Status{}
	}
	return l.all[len(l.all)-1]
}
