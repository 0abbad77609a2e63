// Package session drives the media negotiation of the room participants.
//
// A candidate publishes its camera (and later its screen) with offers,
// a proctor answers them, either peer to peer with every candidate
// or through the relay which forwards the candidate tracks.
package session

import (
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/com"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/signal"
	"github.com/examwatch/proctor/pkg/track"
	"github.com/patrickmn/go-cache"
)

type State string

const (
	Idle        State = "idle"
	Negotiating State = "negotiating"
	Connected   State = "connected"
	Paused      State = "paused"
	Closed      State = "closed"
)

type Topology string

const (
	P2P   Topology = "p2p"
	Relay Topology = "relay"
)

// Status is a session state change, Kind and Reason are set when the session failed.
type Status struct {
	Session string
	Peer    string
	State   State
	Reason  string
	Kind    api.ErrorKind
}

// Signaler is the signaling side used by the sessions.
type Signaler interface {
	User() string
	Send(m api.Message) bool
	On(t api.Type, h signal.Handler)
}

// MediaSession is one media connection with one remote peer.
// Each session guards its own state.
type MediaSession struct {
	id       com.Uid
	peer     string
	topology Topology
	conn     media.Conn
	router   *track.Router

	mu     sync.Mutex
	state  State
	remote bool
	paused bool

	onStatus func(Status)
	log      *logger.Logger
}

func newMediaSession(peer string, topology Topology, conn media.Conn, onStatus func(Status), log *logger.Logger) *MediaSession {
	id := com.NewUid()
	return &MediaSession{
		id:       id,
		peer:     peer,
		topology: topology,
		conn:     conn,
		state:    Idle,
		onStatus: onStatus,
		log:      log.Extend(log.With().Str(logger.SessionField, id.Short()).Str("peer", peer)),
	}
}

func (s *MediaSession) Id() string         { return s.id.String() }
func (s *MediaSession) Peer() string       { return s.peer }
func (s *MediaSession) Topology() Topology { return s.topology }

func (s *MediaSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Router returns the inbound track router of the session, nil for publishers.
func (s *MediaSession) Router() *track.Router { return s.router }

// set moves the session into a new state, closed sessions stay closed.
func (s *MediaSession) set(to State) bool {
	s.mu.Lock()
	if s.state == Closed || s.state == to {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.log.Debug().Str(".state", string(to)).Msg("session")
	s.publish(Status{State: to})
	return true
}

func (s *MediaSession) publish(st Status) {
	st.Session, st.Peer = s.Id(), s.peer
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

// fail closes the session because of an error.
func (s *MediaSession) fail(kind api.ErrorKind, err error) {
	if !s.close() {
		return
	}
	s.log.Warn().Err(err).Str("kind", string(kind)).Msg("session failed")
	st := Status{State: Closed, Kind: kind}
	if err != nil {
		st.Reason = err.Error()
	}
	s.publish(st)
}

// end closes the session normally.
func (s *MediaSession) end(reason string) {
	if s.close() {
		s.publish(Status{State: Closed, Reason: reason})
	}
}

func (s *MediaSession) close() bool {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return false
	}
	s.state = Closed
	s.mu.Unlock()
	if err := s.conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close")
	}
	return true
}

func (s *MediaSession) isClosed() bool { return s.State() == Closed }

func (s *MediaSession) markRemote() {
	s.mu.Lock()
	s.remote = true
	s.mu.Unlock()
}

func (s *MediaSession) hasRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// iceBuffer keeps the candidates which came before the remote description.
type iceBuffer struct {
	mu sync.Mutex
	c  *cache.Cache
}

const DefaultIceTTL = 30 * time.Second

func newIceBuffer(ttl time.Duration) *iceBuffer {
	if ttl <= 0 {
		ttl = DefaultIceTTL
	}
	return &iceBuffer{c: cache.New(ttl, 2*ttl)}
}

func (b *iceBuffer) push(peer string, candidate []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list [][]byte
	if v, ok := b.c.Get(peer); ok {
		list = v.([][]byte)
	}
	b.c.SetDefault(peer, append(list, candidate))
}

func (b *iceBuffer) pop(peer string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.c.Get(peer)
	if !ok {
		return nil
	}
	b.c.Delete(peer)
	return v.([][]byte)
}

// flush applies the buffered candidates of the peer to the session.
func (b *iceBuffer) flush(s *MediaSession) {
	for _, c := range b.pop(s.peer) {
		if err := s.conn.AddCandidate(c); err != nil {
			s.log.Debug().Err(err).Msg("buffered ice")
		}
	}
}

// addIce applies the candidate or keeps it until the remote description is there.
func (b *iceBuffer) addIce(s *MediaSession, candidate []byte) {
	if !s.hasRemote() {
		b.push(s.peer, candidate)
		return
	}
	if err := s.conn.AddCandidate(candidate); err != nil {
		// not fatal
		s.log.Debug().Err(err).Msg("ice")
	}
}
