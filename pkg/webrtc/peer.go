package webrtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/goccy/go-json"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// Peer is a media.Conn over a pion peer connection.
type Peer struct {
	conn *webrtc.PeerConnection
	log  *logger.Logger

	mu          sync.Mutex
	local       map[string]*localTrack
	onTrack     func(media.RemoteTrack)
	onEnded     func(string)
	onCandidate func([]byte)
	onState     func(media.State)

	enabled atomic.Bool
}

func newPeer(pc *webrtc.PeerConnection, log *logger.Logger) *Peer {
	p := &Peer{conn: pc, log: log, local: make(map[string]*localTrack)}
	p.enabled.Store(true)
	pc.OnICECandidate(p.handleICECandidate)
	pc.OnConnectionStateChange(p.handleState)
	pc.OnTrack(p.handleTrack)
	return p
}

func (p *Peer) AddTrack(src media.Source) (string, error) {
	t, err := newLocalTrack(src)
	if err != nil {
		return "", err
	}
	if t.sender, err = p.conn.AddTrack(t.track); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.local[t.track.ID()] = t
	p.mu.Unlock()

	go t.drainRTCP()
	go t.pump(&p.enabled, p.log)
	p.log.Debug().Msgf("Added [%s] track %v", t.track.Codec().MimeType, t.track.ID())
	return t.track.ID(), nil
}

func (p *Peer) RemoveTrack(trackID string) error {
	p.mu.Lock()
	t, ok := p.local[trackID]
	delete(p.local, trackID)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no track %v", trackID)
	}
	t.Stop()
	return p.conn.RemoveTrack(t.sender)
}

func (p *Peer) AddReceiver(kind api.Kind) error {
	codec := webrtc.RTPCodecTypeVideo
	if kind == api.Audio {
		codec = webrtc.RTPCodecTypeAudio
	}
	_, err := p.conn.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	return err
}

func (p *Peer) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

func (p *Peer) CreateOffer() ([]byte, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err = p.conn.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *Peer) CreateAnswer(offer []byte) ([]byte, error) {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, err
	}
	if err := p.conn.SetRemoteDescription(remote); err != nil {
		return nil, err
	}
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err = p.conn.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *Peer) ApplyAnswer(answer []byte) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal(answer, &remote); err != nil {
		return err
	}
	return p.conn.SetRemoteDescription(remote)
}

func (p *Peer) AddCandidate(candidate []byte) error {
	var ice webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &ice); err != nil {
		return err
	}
	if err := p.conn.AddICECandidate(ice); err != nil {
		return err
	}
	p.log.Debug().Str("candidate", ice.Candidate).Msg("Ice")
	return nil
}

func (p *Peer) OnTrack(fn func(media.RemoteTrack)) { p.mu.Lock(); p.onTrack = fn; p.mu.Unlock() }
func (p *Peer) OnTrackEnded(fn func(string))       { p.mu.Lock(); p.onEnded = fn; p.mu.Unlock() }
func (p *Peer) OnCandidate(fn func([]byte))        { p.mu.Lock(); p.onCandidate = fn; p.mu.Unlock() }
func (p *Peer) OnStateChange(fn func(media.State)) { p.mu.Lock(); p.onState = fn; p.mu.Unlock() }

func (p *Peer) handleICECandidate(ice *webrtc.ICECandidate) {
	// ICE gathering finish condition
	if ice == nil {
		p.log.Debug().Msg("ICE gathering was complete probably")
		return
	}
	data, err := json.Marshal(ice.ToJSON())
	if err != nil {
		p.log.Error().Err(err).Msg("ICE")
		return
	}
	p.mu.Lock()
	cb := p.onCandidate
	p.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (p *Peer) handleState(state webrtc.PeerConnectionState) {
	p.log.Debug().Str(".state", state.String()).Msg("peer")
	var s media.State
	switch state {
	case webrtc.PeerConnectionStateNew:
		s = media.StateNew
	case webrtc.PeerConnectionStateConnecting:
		s = media.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		s = media.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		s = media.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		p.log.Error().Msgf("WebRTC connection fail! ice: %v, gathering: %v, signalling: %v",
			p.conn.ICEConnectionState(), p.conn.ICEGatheringState(), p.conn.SignalingState())
		s = media.StateFailed
	case webrtc.PeerConnectionStateClosed:
		s = media.StateClosed
	default:
		return
	}
	p.mu.Lock()
	cb := p.onState
	p.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (p *Peer) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	t := newRemoteTrack(remote)
	p.log.Debug().Str("track", t.ID()).Str("kind", string(t.Kind())).Msg("remote track")
	if t.Kind() == api.Video {
		// ask for a key frame right away
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}
		if err := p.conn.WriteRTCP(pli); err != nil {
			p.log.Debug().Err(err).Msg("pli")
		}
	}
	p.mu.Lock()
	onTrack, onEnded := p.onTrack, p.onEnded
	p.mu.Unlock()
	if onTrack != nil {
		onTrack(t)
	}
	go t.read(func() {
		if onEnded != nil {
			onEnded(t.ID())
		}
	})
}

func (p *Peer) Close() error {
	p.mu.Lock()
	for id, t := range p.local {
		t.Stop()
		delete(p.local, id)
	}
	p.mu.Unlock()
	if p.conn.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}
	return p.conn.Close()
}
