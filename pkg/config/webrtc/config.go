package webrtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/examwatch/proctor/pkg/config"
	pion "github.com/pion/webrtc/v3"
)

// Webrtc is shared by the relay of the coordinator and the agents.
type Webrtc struct {
	Ice Ice
	// DtlsRole is the answering DTLS role: 2 client or 3 server.
	DtlsRole byte
	// NoInterceptors turns off NACK, RTCP reports and TWCC.
	NoInterceptors bool
	// LogLevel of the pion internals, zerolog numbering.
	LogLevel int `default:"1"`
}

type Ice struct {
	Servers []IceServer
	// Ports is the UDP range of the local candidates.
	Ports struct {
		Min uint16
		Max uint16
	}
	// Nat1To1 is the public IP announced for the host candidates.
	Nat1To1    string
	Lite       bool
	SinglePort int
}

type IceServer struct {
	Urls       string
	Username   string
	Credential string
}

var ErrTurnCredentials = errors.New("TURN servers need a username and a credential")

// PortRange returns the local UDP range when both ends are set.
func (i *Ice) PortRange() (min, max uint16, ok bool) {
	return i.Ports.Min, i.Ports.Max, i.Ports.Min > 0 && i.Ports.Max > 0
}

// PionServers converts the servers for a peer connection configuration.
func (i *Ice) PionServers() []pion.ICEServer {
	servers := make([]pion.ICEServer, 0, len(i.Servers))
	for _, s := range i.Servers {
		servers = append(servers, pion.ICEServer{URLs: []string{s.Urls}, Username: s.Username, Credential: s.Credential})
	}
	return servers
}

// MergeIceEnv puts up to five ICE servers from the environment over the
// configured ones, e.g. PROCTOR_WEBRTC_ICE_SERVERS[0]_URLS.
func (w *Webrtc) MergeIceEnv() error {
	env := struct{ Webrtc Webrtc }{}
	env.Webrtc.Ice.Servers = make([]IceServer, 5)
	if err := config.LoadEnv(&env); err != nil {
		return err
	}
	for i, s := range env.Webrtc.Ice.Servers {
		switch {
		case s.Urls == "":
		case i < len(w.Ice.Servers):
			w.Ice.Servers[i] = s
		default:
			w.Ice.Servers = append(w.Ice.Servers, s)
		}
	}
	return w.Validate()
}

func (w *Webrtc) Validate() error {
	for _, s := range w.Ice.Servers {
		turn := strings.HasPrefix(s.Urls, "turn:") || strings.HasPrefix(s.Urls, "turns:")
		if turn && (s.Username == "" || s.Credential == "") {
			return fmt.Errorf("%w: %v", ErrTurnCredentials, s.Urls)
		}
	}
	return nil
}
