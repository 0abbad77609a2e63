package webrtc

import (
	"io"

	conf "github.com/examwatch/proctor/pkg/config/webrtc"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/network/socket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Transport makes peer connections sharing one media engine,
// the interceptors and the ICE settings.
type Transport struct {
	api *webrtc.API
	pc  webrtc.Configuration
	mux io.Closer
	log *logger.Logger
}

// Option changes the pion setup before the API is built.
type Option func(*setup)

type setup struct {
	media    *webrtc.MediaEngine
	registry *interceptor.Registry
	settings *webrtc.SettingEngine
	mux      io.Closer
}

// WithCounter counts the RTP traffic of every connection.
func WithCounter(c *Counter) Option { return func(s *setup) { s.registry.Add(c) } }

// WithSettings tunes the pion setting engine.
func WithSettings(fn func(*webrtc.SettingEngine)) Option {
	return func(s *setup) { fn(s.settings) }
}

func NewTransport(c conf.Webrtc, log *logger.Logger, opts ...Option) (*Transport, error) {
	if log == nil {
		log = logger.Default()
	}
	s := setup{media: &webrtc.MediaEngine{}, registry: &interceptor.Registry{}}
	if err := s.media.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if !c.NoInterceptors {
		if err := webrtc.RegisterDefaultInterceptors(s.media, s.registry); err != nil {
			return nil, err
		}
	}
	if err := s.configure(c, log); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Transport{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(s.media),
			webrtc.WithInterceptorRegistry(s.registry),
			webrtc.WithSettingEngine(*s.settings),
		),
		pc:  webrtc.Configuration{ICEServers: c.Ice.PionServers()},
		mux: s.mux,
		log: log,
	}, nil
}

func (s *setup) configure(c conf.Webrtc, log *logger.Logger) error {
	pionLog := logger.NewPionFactory(log, c.LogLevel)
	s.settings = &webrtc.SettingEngine{LoggerFactory: pionLog}
	if c.DtlsRole > 0 {
		if err := s.settings.SetAnsweringDTLSRole(webrtc.DTLSRole(c.DtlsRole)); err != nil {
			return err
		}
		log.Info().Uint8("role", c.DtlsRole).Msg("answering DTLS role")
	}
	s.settings.SetLite(c.Ice.Lite)
	if min, max, ok := c.Ice.PortRange(); ok {
		if err := s.settings.SetEphemeralUDPPortRange(min, max); err != nil {
			return err
		}
	}
	if c.Ice.SinglePort > 0 {
		udp, err := socket.ListenUDP(c.Ice.SinglePort, true)
		if err != nil {
			return err
		}
		mux := webrtc.NewICEUDPMux(pionLog.NewLogger("ice"), udp)
		s.settings.SetICEUDPMux(mux)
		s.mux = mux
		log.Info().Str("addr", udp.LocalAddr().String()).Msg("ICE on a single UDP port")
	}
	if c.Ice.Nat1To1 != "" {
		s.settings.SetNAT1To1IPs([]string{c.Ice.Nat1To1}, webrtc.ICECandidateTypeHost)
		log.Info().Str("ip", c.Ice.Nat1To1).Msg("ICE 1:1 NAT")
	}
	return nil
}

// Close frees the shared ICE port if there is one.
func (t *Transport) Close() error {
	if t.mux == nil {
		return nil
	}
	return t.mux.Close()
}

// NewPeer is a raw pion peer connection for the relay.
func (t *Transport) NewPeer() (*webrtc.PeerConnection, error) { return t.api.NewPeerConnection(t.pc) }

// NewConn is a media connection of an agent.
func (t *Transport) NewConn() (media.Conn, error) {
	pc, err := t.NewPeer()
	if err != nil {
		return nil, err
	}
	return newPeer(pc, t.log), nil
}
