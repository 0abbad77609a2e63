package session

import (
	"context"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
)

// Health is the coordinator health report.
type Health struct {
	Ok         bool   `json:"ok"`
	Mode       string `json:"mode"`
	SfuEnabled bool   `json:"sfu_enabled"`
}

const probeTimeout = 3 * time.Second

// Probe asks the coordinator which topology it runs.
// Any failure means peer to peer.
func Probe(ctx context.Context, baseURL string, log *logger.Logger) Topology {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var h Health
	err := requests.
		URL(baseURL).
		Path("/health").
		ToJSON(&h).
		Fetch(ctx)
	if err != nil {
		if log != nil {
			log.Warn().Err(err).Msg("topology probe failed, using p2p")
		}
		return P2P
	}
	if h.SfuEnabled || h.Mode == string(Relay) || h.Mode == "sfu" {
		return Relay
	}
	return P2P
}

// topology is what differs between peer to peer and relay for a proctor.
type topology interface {
	kind() Topology
	// peer maps an incoming message to the session key, false drops it.
	peer(m api.Message) (string, bool)
	// start prepares the sessions known upfront.
	start(p *Proctor) error
}

type p2p struct{}

func (p2p) kind() Topology                    { return P2P }
func (p2p) peer(m api.Message) (string, bool) { return m.From, m.From != "" }
func (p2p) start(*Proctor) error              { return nil }

type relay struct{}

func (relay) kind() Topology                    { return Relay }
func (relay) peer(m api.Message) (string, bool) { return api.ServerID, m.From == api.ServerID }

// start dials the relay: the proctor makes the first offer
// asking for the camera, the screen and the audio.
func (relay) start(p *Proctor) error {
	s, err := p.open(api.ServerID)
	if err != nil {
		return err
	}
	for _, kind := range []api.Kind{api.Video, api.Video, api.Audio} {
		if err := s.conn.AddReceiver(kind); err != nil {
			s.fail(api.Negotiation, err)
			return api.Fail(api.Negotiation, "add receiver", err)
		}
	}
	offer, err := s.conn.CreateOffer()
	if err != nil {
		s.fail(api.Negotiation, err)
		return api.Fail(api.Negotiation, "create offer", err)
	}
	s.set(Negotiating)
	p.ch.Send(api.NewOffer(offer, nil, false, api.ServerID))
	return nil
}

func topologyOf(t Topology) topology {
	if t == Relay {
		return relay{}
	}
	return p2p{}
}
