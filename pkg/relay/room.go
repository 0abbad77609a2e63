package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/goccy/go-json"
	pion "github.com/pion/webrtc/v3"
)

type room struct {
	id    string
	relay *Relay
	log   *logger.Logger

	mu       sync.Mutex
	peers    map[string]*peer
	forwards map[string]*forward
	labels   map[string]api.Label
	early    map[string][][]byte
}

const maxEarlyIce = 32

func newRoom(id string, r *Relay) *room {
	return &room{
		id:       id,
		relay:    r,
		log:      r.log.Tagged(logger.RoomField, id),
		peers:    make(map[string]*peer),
		forwards: make(map[string]*forward),
		labels:   make(map[string]api.Label),
		early:    make(map[string][][]byte),
	}
}

func (rm *room) newPeer(user string, role api.Role) (*peer, error) {
	pc, err := rm.relay.peers.NewPeer()
	if err != nil {
		return nil, err
	}
	p := newPeer(user, role, pc, rm.log.Tagged(logger.UserField, user))
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.log.Error().Err(err).Msg("ice")
			return
		}
		rm.relay.reply(rm.id, user, api.NewIce(data, ""))
	})
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		p.log.Debug().Str(".state", s.String()).Msg("peer")
		if s == pion.PeerConnectionStateFailed {
			rm.drop(p)
		}
	})
	return p, nil
}

// candidateOffer (re)negotiates the connection which brings the candidate media.
func (rm *room) candidateOffer(user string, m api.Message) error {
	rm.mu.Lock()
	for _, t := range m.TrackInfo {
		rm.labels[t.TrackID] = t.Label
	}
	p, ok := rm.peers[user]
	rm.mu.Unlock()
	if !ok || p.role != api.Candidate {
		var err error
		if p, err = rm.newPeer(user, api.Candidate); err != nil {
			return err
		}
		p.pc.OnTrack(func(t *pion.TrackRemote, _ *pion.RTPReceiver) { rm.forward(user, p, t) })
		rm.replace(p)
	}

	answer, err := p.answer(m.Sdp, nil)
	if err != nil {
		return fmt.Errorf("candidate offer: %w", err)
	}
	rm.relay.reply(rm.id, user, api.NewAnswer(answer, ""))
	if m.Renegotiate {
		// labels may have changed without a new track
		rm.renegotiateAll()
	}
	return nil
}

// proctorOffer answers the first offer of a proctor with all the tracks
// already forwarded in the room. A new offer replaces the old connection.
func (rm *room) proctorOffer(user string, m api.Message) error {
	p, err := rm.newPeer(user, api.Proctor)
	if err != nil {
		return err
	}
	rm.replace(p)
	rm.mu.Lock()
	forwards := rm.forwardList()
	rm.mu.Unlock()

	answer, err := p.answer(m.Sdp, forwards)
	if err != nil {
		rm.drop(p)
		return fmt.Errorf("proctor offer: %w", err)
	}
	msg := api.NewAnswer(answer, "")
	msg.TrackInfo = rm.trackInfo()
	rm.relay.reply(rm.id, user, msg)
	return nil
}

// answer completes a relay renegotiation of a proctor.
func (rm *room) answer(user string, sdp []byte) error {
	p, ok := rm.peer(user)
	if !ok {
		return fmt.Errorf("no peer %v", user)
	}
	again, err := p.applyAnswer(sdp)
	if err != nil {
		return err
	}
	if again {
		rm.renegotiate(p)
	}
	return nil
}

// ice adds a remote candidate, the ones which come before the offer wait for it.
func (rm *room) ice(user string, data []byte) error {
	rm.mu.Lock()
	p, ok := rm.peers[user]
	if !ok {
		if len(rm.early[user]) < maxEarlyIce {
			rm.early[user] = append(rm.early[user], data)
		}
		rm.mu.Unlock()
		return nil
	}
	rm.mu.Unlock()
	return p.addCandidate(data)
}

func (rm *room) peer(user string) (*peer, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.peers[user]
	return p, ok
}

func (rm *room) proctors() []*peer {
	var out []*peer
	for _, p := range rm.peers {
		if p.role == api.Proctor {
			out = append(out, p)
		}
	}
	return out
}

func (rm *room) forwardList() []*forward {
	out := make([]*forward, 0, len(rm.forwards))
	for _, f := range rm.forwards {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (rm *room) trackInfo() []api.TrackInfo {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	list := rm.forwardList()
	out := make([]api.TrackInfo, 0, len(list))
	for _, f := range list {
		out = append(out, api.TrackInfo{TrackID: f.id, Label: rm.labels[f.id], Kind: f.kind})
	}
	return out
}

var seq atomic.Uint64

// forward sends the packets of the candidate track to every proctor of the room
// until the track ends.
func (rm *room) forward(owner string, src *peer, remote *pion.TrackRemote) {
	f, err := newForward(owner, remote, src.pc, seq.Add(1), src.log)
	if err != nil {
		src.log.Error().Err(err).Msg("forward")
		return
	}
	rm.mu.Lock()
	if prev, ok := rm.forwards[f.id]; ok {
		prev.stop()
	}
	rm.forwards[f.id] = f
	proctors := rm.proctors()
	rm.mu.Unlock()

	f.log.Info().Str("kind", string(f.kind)).Msg("forwarding")
	for _, p := range proctors {
		if p.attach(f) {
			rm.renegotiate(p)
		}
	}

	err = f.pump(remote)
	f.log.Info().Err(err).Msg("track ended")
	rm.unforward(f)
}

func (rm *room) unforward(f *forward) {
	f.stop()
	rm.mu.Lock()
	if rm.forwards[f.id] == f {
		delete(rm.forwards, f.id)
	}
	proctors := rm.proctors()
	rm.mu.Unlock()
	for _, p := range proctors {
		if p.detach(f) {
			rm.renegotiate(p)
		}
	}
}

// renegotiate sends a new relay offer to the proctor,
// or marks it to be sent after the one in flight.
func (rm *room) renegotiate(p *peer) {
	offer, err := p.offer()
	if err != nil {
		if !errors.Is(err, errBusy) {
			p.log.Error().Err(err).Msg("renegotiation")
		}
		return
	}
	if offer == nil {
		return
	}
	rm.relay.reply(rm.id, p.user, api.NewOffer(offer, rm.trackInfo(), true, ""))
}

func (rm *room) renegotiateAll() {
	rm.mu.Lock()
	proctors := rm.proctors()
	rm.mu.Unlock()
	for _, p := range proctors {
		rm.renegotiate(p)
	}
}

// replace makes p the peer of its user, the previous one is closed.
func (rm *room) replace(p *peer) {
	rm.mu.Lock()
	prev, ok := rm.peers[p.user]
	rm.peers[p.user] = p
	early := rm.early[p.user]
	delete(rm.early, p.user)
	rm.mu.Unlock()
	for _, c := range early {
		if err := p.addCandidate(c); err != nil {
			p.log.Warn().Err(err).Msg("early ice")
		}
	}
	if ok {
		prev.close()
	}
}

func (rm *room) leave(user string) {
	rm.mu.Lock()
	p, ok := rm.peers[user]
	delete(rm.peers, user)
	delete(rm.early, user)
	rm.mu.Unlock()
	if ok {
		p.close()
	}
}

// drop closes the peer if it is still the current one of its user.
func (rm *room) drop(p *peer) {
	rm.mu.Lock()
	if rm.peers[p.user] == p {
		delete(rm.peers, p.user)
	}
	rm.mu.Unlock()
	p.close()
}

func (rm *room) isEmpty() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.peers) == 0
}

func (rm *room) stats() (peers, tracks int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.peers), len(rm.forwards)
}

func (rm *room) close() {
	rm.mu.Lock()
	peers := rm.peers
	rm.peers = make(map[string]*peer)
	rm.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}
