// Package relay is a selective forwarding unit for the rooms of the coordinator.
//
// Every candidate sends its media to the relay once. The relay forwards the RTP
// packets of each candidate track to all the proctors of the room and
// renegotiates the proctor connections (offer with renegotiate:true) when
// a candidate track appears or ends. The relay speaks as the "server" participant.
package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/webrtc"
	"github.com/goccy/go-json"
	pion "github.com/pion/webrtc/v3"
)

// Sender delivers a relay message into a room, m.To is the target participant.
type Sender func(room string, m api.Message) bool

// PeerFactory makes the relay side peer connections.
type PeerFactory interface {
	NewPeer() (*pion.PeerConnection, error)
}

var _ PeerFactory = (*webrtc.Transport)(nil)

var ErrClosed = errors.New("relay closed")

type Relay struct {
	peers PeerFactory
	send  Sender
	log   *logger.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

func New(peers PeerFactory, send Sender, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.Default()
	}
	return &Relay{peers: peers, send: send, log: log.Tagged("s", "relay"), rooms: make(map[string]*room)}
}

func (r *Relay) room(id string) (*room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	rm, ok := r.rooms[id]
	if !ok {
		rm = newRoom(id, r)
		r.rooms[id] = rm
	}
	return rm, nil
}

// Handle takes a negotiation message addressed to the relay.
func (r *Relay) Handle(roomID string, from api.Participant, m api.Message) {
	rm, err := r.room(roomID)
	if err != nil {
		return
	}
	log := r.log.Extend(r.log.With().Str(logger.RoomField, roomID).Str(logger.UserField, from.UserID))
	switch m.Type {
	case api.Offer:
		if from.Role == api.Candidate {
			err = rm.candidateOffer(from.UserID, m)
		} else {
			err = rm.proctorOffer(from.UserID, m)
		}
	case api.Answer:
		err = rm.answer(from.UserID, m.Sdp)
	case api.Ice:
		err = rm.ice(from.UserID, m.Candidate)
	default:
		err = fmt.Errorf("unexpected %v", m.Type)
	}
	if err != nil {
		log.Error().Err(err).Str("type", string(m.Type)).Msg("relay")
		if m.Type == api.Offer {
			r.reply(roomID, from.UserID, api.NewError("relay_failed"))
		}
	}
}

// Leave closes the connection of the user.
func (r *Relay) Leave(roomID, user string) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}
	rm.leave(user)
	r.mu.Lock()
	if rm.isEmpty() && r.rooms[roomID] == rm {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
}

// Close drops every connection, later calls are ignored.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[string]*room)
	r.mu.Unlock()
	for _, rm := range rooms {
		rm.close()
	}
	return nil
}

// Stats counts the peers and the forwarded tracks of a room.
func (r *Relay) Stats(roomID string) (peers, tracks int) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}
	return rm.stats()
}

func (r *Relay) reply(room, to string, m api.Message) {
	m.To = to
	if !r.send(room, m) {
		r.log.Debug().Str(logger.RoomField, room).Str("to", to).Str("type", string(m.Type)).Msg("not delivered")
	}
}

func decodeSdp(data []byte) (sd pion.SessionDescription, err error) {
	err = json.Unmarshal(data, &sd)
	return
}
