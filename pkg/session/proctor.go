package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/com"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/track"
)

// Proctor receives the candidate media, one session per candidate in p2p
// or a single session with the relay.
type Proctor struct {
	ch        Signaler
	transport media.Transport
	topology  topology
	sessions  *com.Map[string, *MediaSession]
	ice       *iceBuffer
	log       *logger.Logger

	mu         sync.Mutex
	onStatus   func(Status)
	onBindings func(peer string, b track.Bindings)
	onTrack    func(peer string, ref track.Ref, t media.RemoteTrack)
}

func NewProctor(ch Signaler, transport media.Transport, opts Options) *Proctor {
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	p := &Proctor{
		ch:        ch,
		transport: transport,
		topology:  topologyOf(opts.Topology),
		sessions:  com.NewMap[string, *MediaSession](),
		ice:       newIceBuffer(opts.IceTTL),
		log:       log.Tagged("role", string(api.Proctor)),
	}
	ch.On(api.Offer, p.handleOffer)
	ch.On(api.Answer, p.handleAnswer)
	ch.On(api.Ice, p.handleIce)
	ch.On(api.ParticipantLeft, p.handleLeft)
	return p
}

func (p *Proctor) Topology() Topology { return p.topology.kind() }

// Start opens the sessions known upfront (the relay one).
func (p *Proctor) Start() error { return p.topology.start(p) }

func (p *Proctor) OnStatus(fn func(Status)) { p.mu.Lock(); p.onStatus = fn; p.mu.Unlock() }

// OnBindings is called when the camera/screen/audio of a peer change.
func (p *Proctor) OnBindings(fn func(peer string, b track.Bindings)) {
	p.mu.Lock()
	p.onBindings = fn
	p.mu.Unlock()
}

// OnTrack is called for each new inbound track with its label.
func (p *Proctor) OnTrack(fn func(peer string, ref track.Ref, t media.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Proctor) status(st Status) {
	p.mu.Lock()
	fn := p.onStatus
	p.mu.Unlock()
	if st.State == Closed {
		// a closed session is forgotten so the next offer starts over
		same := func(s *MediaSession) bool { return s.Id() == st.Session }
		if s, ok := p.sessions.DeleteIf(st.Peer, same); ok {
			s.router.Drop(st.Peer)
		}
	}
	if fn != nil {
		fn(st)
	}
}

// Session returns the live session with the peer.
func (p *Proctor) Session(peer string) (*MediaSession, bool) {
	s, ok := p.sessions.Get(peer)
	if !ok || s.isClosed() {
		return nil, false
	}
	return s, true
}

func (p *Proctor) Sessions() []*MediaSession { return p.sessions.Values() }

// open makes a new session with the peer, replacing a closed one.
func (p *Proctor) open(peer string) (*MediaSession, error) {
	conn, err := p.transport.NewConn()
	if err != nil {
		return nil, api.Fail(api.Negotiation, "new connection", err)
	}
	s := newMediaSession(peer, p.topology.kind(), conn, p.status, p.log)
	s.router = track.NewRouter(s.log)
	s.router.OnUpdate(func(owner string, b track.Bindings) {
		p.mu.Lock()
		fn := p.onBindings
		p.mu.Unlock()
		if fn != nil {
			fn(owner, b)
		}
	})
	s.router.OnRelease(func(ref track.Ref) {
		s.log.Debug().Str("track", ref.ID).Msg("track replaced")
	})

	conn.OnCandidate(func(candidate []byte) { p.ch.Send(api.NewIce(candidate, peer)) })
	conn.OnTrack(func(t media.RemoteTrack) {
		ref := s.router.Add(peer, t.ID(), t.Kind())
		s.log.Info().Str("track", ref.ID).Str("label", string(ref.Label)).Str("by", string(ref.Reason)).Msg("track")
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(peer, ref, t)
		}
	})
	conn.OnTrackEnded(func(id string) { s.router.Remove(peer, id) })
	conn.OnStateChange(func(state media.State) {
		switch state {
		case media.StateFailed:
			s.fail(api.Transport, errors.New("media connection failed"))
		case media.StateClosed:
			s.end("closed")
		}
	})

	if prev, ok := p.sessions.Swap(peer, s); ok {
		prev.end("replaced")
	}
	return s, nil
}

func (p *Proctor) handleOffer(m api.Message) {
	peer, ok := p.topology.peer(m)
	if !ok {
		return
	}
	s, ok := p.sessions.Get(peer)
	if !ok || s.isClosed() {
		var err error
		if s, err = p.open(peer); err != nil {
			p.log.Error().Err(err).Str("peer", peer).Msg("offer")
			return
		}
	}
	s.router.Meta(peer, m.TrackInfo)
	if m.Renegotiate && len(m.TrackInfo) > 0 {
		present := make([]string, 0, len(m.TrackInfo))
		for _, t := range m.TrackInfo {
			present = append(present, t.TrackID)
		}
		s.router.Prune(peer, present)
	}

	s.set(Negotiating)
	answer, err := s.conn.CreateAnswer(m.Sdp)
	if err != nil {
		s.fail(api.Negotiation, fmt.Errorf("answer: %w", err))
		return
	}
	s.markRemote()
	p.ice.flush(s)
	p.ch.Send(api.NewAnswer(answer, m.From))
	s.set(Connected)
}

func (p *Proctor) handleAnswer(m api.Message) {
	peer, ok := p.topology.peer(m)
	if !ok || p.topology.kind() != Relay {
		return
	}
	s, ok := p.Session(peer)
	if !ok || s.State() != Negotiating {
		return
	}
	// the relay labels the tracks it already forwards in its answer
	s.router.Meta(peer, m.TrackInfo)
	if err := s.conn.ApplyAnswer(m.Sdp); err != nil {
		s.fail(api.Negotiation, fmt.Errorf("apply answer: %w", err))
		return
	}
	s.markRemote()
	p.ice.flush(s)
	s.set(Connected)
}

func (p *Proctor) handleIce(m api.Message) {
	peer, ok := p.topology.peer(m)
	if !ok {
		return
	}
	s, ok := p.Session(peer)
	if !ok {
		// the offer is late
		p.ice.push(peer, m.Candidate)
		return
	}
	p.ice.addIce(s, m.Candidate)
}

func (p *Proctor) handleLeft(m api.Message) {
	if p.topology.kind() == Relay {
		return
	}
	user := m.UserID
	if s, ok := p.Session(user); ok {
		s.end("participant left")
	}
}

// Control sends a command to the candidate. End also closes the local session
// with that candidate.
func (p *Proctor) Control(action api.Action, candidate string) error {
	if !action.IsValid() {
		return fmt.Errorf("bad action %q", action)
	}
	if !p.ch.Send(api.NewControl(action, candidate)) {
		return api.Fail(api.Transport, "control", errors.New("not sent"))
	}
	if action == api.End && p.topology.kind() == P2P {
		if s, ok := p.Session(candidate); ok {
			s.end("ended by proctor")
		}
	}
	return nil
}

// Close ends every session.
func (p *Proctor) Close() error {
	for _, s := range p.sessions.Values() {
		s.end("closed")
	}
	return nil
}
