package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
)

var ErrNoSession = errors.New("no session")

type Options struct {
	Topology Topology
	Log      *logger.Logger
	// IceTTL bounds how long early candidates are kept.
	IceTTL time.Duration
}

// Candidate publishes the local camera, microphone and screen.
type Candidate struct {
	ch        Signaler
	transport media.Transport
	devices   media.Devices
	topology  Topology
	ice       *iceBuffer
	log       *logger.Logger

	mu       sync.Mutex
	session  *MediaSession
	camera   []media.Source
	screen   media.Source
	screenID string
	tracks   []api.TrackInfo
	onStatus func(Status)
}

func NewCandidate(ch Signaler, transport media.Transport, devices media.Devices, opts Options) *Candidate {
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	if opts.Topology == "" {
		opts.Topology = P2P
	}
	c := &Candidate{
		ch:        ch,
		transport: transport,
		devices:   devices,
		topology:  opts.Topology,
		ice:       newIceBuffer(opts.IceTTL),
		log:       log.Tagged("role", string(api.Candidate)),
	}
	ch.On(api.Answer, c.handleAnswer)
	ch.On(api.Ice, c.handleIce)
	ch.On(api.Control, c.handleControl)
	return c
}

// OnStatus is called on each session state change.
func (c *Candidate) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *Candidate) status(st Status) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Session returns the current media session or nil.
func (c *Candidate) Session() *MediaSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// target is where offers go: everybody in p2p (first answer wins) or the relay.
func (c *Candidate) target(s *MediaSession) string {
	if c.topology == Relay {
		return api.ServerID
	}
	if s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.peer
	}
	return ""
}

// Start opens the camera and the microphone and offers them.
func (c *Candidate) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil && !c.session.isClosed() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sources, err := c.devices.OpenCamera(ctx)
	if err != nil {
		err = api.Fail(api.Device, "open camera", err)
		c.status(Status{State: Closed, Kind: api.Device, Reason: err.Error()})
		return err
	}

	conn, err := c.transport.NewConn()
	if err != nil {
		closeAll(sources)
		return api.Fail(api.Negotiation, "new connection", err)
	}
	peer := ""
	if c.topology == Relay {
		peer = api.ServerID
	}
	s := newMediaSession(peer, c.topology, conn, c.status, c.log)
	conn.OnCandidate(func(candidate []byte) { c.ch.Send(api.NewIce(candidate, c.target(s))) })
	conn.OnStateChange(func(state media.State) {
		if state == media.StateFailed {
			s.fail(api.Transport, errors.New("media connection failed"))
		}
	})

	var infos []api.TrackInfo
	for _, src := range sources {
		id, err := conn.AddTrack(src)
		if err != nil {
			_ = conn.Close()
			closeAll(sources)
			return api.Fail(api.Negotiation, "add track", err)
		}
		infos = append(infos, api.TrackInfo{TrackID: id, Label: src.Label(), Kind: src.Kind()})
	}

	c.mu.Lock()
	c.session, c.camera, c.tracks = s, sources, infos
	c.mu.Unlock()

	return c.negotiate(s, false)
}

// negotiate sends a new offer with the current track metadata.
func (c *Candidate) negotiate(s *MediaSession, renegotiate bool) error {
	offer, err := s.conn.CreateOffer()
	if err != nil {
		err = api.Fail(api.Negotiation, "create offer", err)
		s.fail(api.Negotiation, err)
		return err
	}
	c.mu.Lock()
	infos := append([]api.TrackInfo(nil), c.tracks...)
	c.mu.Unlock()

	s.set(Negotiating)
	c.ch.Send(api.NewOffer(offer, infos, renegotiate, c.target(s)))
	return nil
}

// Reoffer sends the offer again while no proctor has answered it,
// for the proctors who joined the room after the first one.
func (c *Candidate) Reoffer() error {
	s, err := c.active()
	if err != nil {
		return err
	}
	s.mu.Lock()
	waiting := s.state == Negotiating && s.peer == ""
	s.mu.Unlock()
	if !waiting || c.topology == Relay {
		return nil
	}
	return c.negotiate(s, false)
}

func (c *Candidate) active() (*MediaSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.isClosed() {
		return nil, ErrNoSession
	}
	return c.session, nil
}

// StartScreenShare adds the screen to the running session.
// A missing screen device fails only this call.
func (c *Candidate) StartScreenShare(ctx context.Context) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	c.mu.Lock()
	sharing := c.screen != nil
	c.mu.Unlock()
	if sharing {
		return nil
	}
	src, err := c.devices.OpenScreen(ctx)
	if err != nil {
		return api.Fail(api.Device, "open screen", err)
	}
	id, err := s.conn.AddTrack(src)
	if err != nil {
		_ = src.Close()
		return api.Fail(api.Negotiation, "add screen", err)
	}
	c.mu.Lock()
	c.screen, c.screenID = src, id
	c.tracks = append(c.tracks, api.TrackInfo{TrackID: id, Label: api.Screen, Kind: src.Kind()})
	c.mu.Unlock()
	c.log.Info().Str("track", id).Msg("screen share started")
	return c.negotiate(s, true)
}

func (c *Candidate) StopScreenShare() error {
	s, err := c.active()
	if err != nil {
		return err
	}
	c.mu.Lock()
	src, id := c.screen, c.screenID
	c.screen, c.screenID = nil, ""
	tracks := c.tracks[:0]
	for _, t := range c.tracks {
		if t.TrackID != id {
			tracks = append(tracks, t)
		}
	}
	c.tracks = tracks
	c.mu.Unlock()
	if src == nil {
		return nil
	}
	if err := s.conn.RemoveTrack(id); err != nil {
		c.log.Warn().Err(err).Msg("remove screen")
	}
	_ = src.Close()
	c.log.Info().Str("track", id).Msg("screen share stopped")
	return c.negotiate(s, true)
}

// Tracks returns the metadata of the published tracks.
func (c *Candidate) Tracks() []api.TrackInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.TrackInfo(nil), c.tracks...)
}

func (c *Candidate) handleAnswer(m api.Message) {
	s := c.Session()
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.state != Negotiating {
		state := s.state
		s.mu.Unlock()
		c.log.Debug().Str("from", m.From).Str(".state", string(state)).Msg("answer ignored")
		return
	}
	if c.topology == Relay && m.From != api.ServerID {
		s.mu.Unlock()
		return
	}
	if s.peer != "" && m.From != s.peer {
		// another proctor was faster
		s.mu.Unlock()
		c.log.Debug().Str("from", m.From).Msg("answer from a stranger ignored")
		return
	}
	s.peer = m.From
	paused := s.paused
	s.mu.Unlock()

	if err := s.conn.ApplyAnswer(m.Sdp); err != nil {
		s.fail(api.Negotiation, fmt.Errorf("apply answer: %w", err))
		return
	}
	s.markRemote()
	c.ice.flush(s)
	if paused {
		s.set(Paused)
	} else {
		s.set(Connected)
	}
}

func (c *Candidate) handleIce(m api.Message) {
	s := c.Session()
	if s == nil || s.isClosed() {
		return
	}
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer != "" && m.From != peer {
		return
	}
	if peer == "" {
		// not answered yet, keep it under the sender
		c.ice.push(m.From, m.Candidate)
		return
	}
	c.ice.addIce(s, m.Candidate)
}

func (c *Candidate) handleControl(m api.Message) {
	c.log.Info().Str("from", m.From).Str("action", string(m.Action)).Msg("control")
	switch m.Action {
	case api.Pause:
		c.Pause()
	case api.Resume:
		c.Resume()
	case api.End:
		_ = c.Close()
	}
}

// Pause mutes the outbound tracks.
func (c *Candidate) Pause() {
	s := c.Session()
	if s == nil || s.isClosed() {
		return
	}
	s.mu.Lock()
	s.paused = true
	negotiating := s.state == Negotiating
	s.mu.Unlock()
	s.conn.SetEnabled(false)
	if !negotiating {
		s.set(Paused)
	}
}

func (c *Candidate) Resume() {
	s := c.Session()
	if s == nil || s.isClosed() {
		return
	}
	s.mu.Lock()
	s.paused = false
	paused := s.state == Paused
	s.mu.Unlock()
	s.conn.SetEnabled(true)
	if paused {
		s.set(Connected)
	}
}

// Close ends the session and releases the devices.
func (c *Candidate) Close() error {
	c.mu.Lock()
	s := c.session
	sources := c.camera
	if c.screen != nil {
		sources = append(sources, c.screen)
	}
	c.camera, c.screen, c.screenID, c.tracks = nil, nil, "", nil
	c.mu.Unlock()

	if s != nil {
		s.end("ended")
	}
	return closeAll(sources)
}

func closeAll(sources []media.Source) (err error) {
	for _, src := range sources {
		if e := src.Close(); e != nil && err == nil {
			err = e
		}
	}
	return
}
