package relay

import (
	"errors"
	"sync"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/goccy/go-json"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v3"
)

var errBusy = errors.New("negotiation in progress")

type sender struct {
	rtp *pion.RTPSender
	src *forward
}

// peer is the relay side of a participant connection.
// Its mutex serializes the negotiation steps.
type peer struct {
	user string
	role api.Role
	pc   *pion.PeerConnection
	log  *logger.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []pion.ICECandidateInit
	senders   map[string]sender
	offering  bool
	again     bool
	closed    bool
}

func newPeer(user string, role api.Role, pc *pion.PeerConnection, log *logger.Logger) *peer {
	return &peer{user: user, role: role, pc: pc, log: log, senders: make(map[string]sender)}
}

// answer applies the remote offer, adds the given tracks and returns the answer.
func (p *peer) answer(data []byte, tracks []*forward) ([]byte, error) {
	offer, err := decodeSdp(data)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err = p.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	for _, f := range tracks {
		if err = p.addSender(f); err != nil {
			p.log.Error().Err(err).Str("track", f.id).Msg("add track")
		}
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err = p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	p.remoteSet = true
	p.flush()
	return json.Marshal(answer)
}

// offer starts a relay renegotiation.
// Returns nil without an error when nothing can be sent now, the offer will
// be made after the current one is answered.
func (p *peer) offer() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil
	}
	if p.offering || !p.remoteSet || p.pc.SignalingState() != pion.SignalingStateStable {
		p.again = true
		return nil, errBusy
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err = p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	p.offering = true
	return json.Marshal(offer)
}

// applyAnswer ends a relay renegotiation, again tells that one more is due.
func (p *peer) applyAnswer(data []byte) (again bool, err error) {
	answer, err := decodeSdp(data)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.offering {
		return false, errors.New("unexpected answer")
	}
	p.offering = false
	if err = p.pc.SetRemoteDescription(answer); err != nil {
		return false, err
	}
	again, p.again = p.again, false
	return again, nil
}

func (p *peer) addCandidate(data []byte) error {
	var c pion.ICECandidateInit
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.pc.AddICECandidate(c)
}

func (p *peer) flush() {
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn().Err(err).Msg("ice")
		}
	}
	p.pending = nil
}

// attach adds the forwarded track, true means a renegotiation is needed.
func (p *peer) attach(f *forward) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if s, ok := p.senders[f.id]; ok {
		if s.src == f {
			return false
		}
		p.removeSender(f.id)
	}
	if err := p.addSender(f); err != nil {
		p.log.Error().Err(err).Str("track", f.id).Msg("add track")
		return false
	}
	return true
}

// detach removes the forwarded track if the peer still sends it.
func (p *peer) detach(f *forward) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.senders[f.id]; !ok || s.src != f || p.closed {
		return false
	}
	p.removeSender(f.id)
	return true
}

func (p *peer) addSender(f *forward) error {
	rtpSender, err := p.pc.AddTrack(f.local)
	if err != nil {
		return err
	}
	p.senders[f.id] = sender{rtp: rtpSender, src: f}
	go p.readRTCP(rtpSender, f)
	return nil
}

func (p *peer) removeSender(id string) {
	s := p.senders[id]
	delete(p.senders, id)
	if err := p.pc.RemoveTrack(s.rtp); err != nil {
		p.log.Warn().Err(err).Str("track", id).Msg("remove track")
	}
}

// readRTCP passes the key frame requests of the viewer to the source.
func (p *peer) readRTCP(s *pion.RTPSender, f *forward) {
	for {
		packets, _, err := s.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				f.keyFrame()
			}
		}
	}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	if err := p.pc.Close(); err != nil {
		p.log.Warn().Err(err).Msg("close")
	}
}
