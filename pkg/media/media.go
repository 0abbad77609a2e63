// Package media describes the media engine as seen by the session layer.
// Session descriptions and candidates are opaque blobs, the engine is the only reader.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/examwatch/proctor/pkg/api"
)

// ErrNoDevice is returned when a required capture device is missing or denied.
var ErrNoDevice = errors.New("no device")

// Sample is a chunk of encoded media.
type Sample struct {
	Data     []byte
	Duration time.Duration
}

// Source is a local capture track. ReadSample blocks and returns io.EOF
// once the device is gone.
type Source interface {
	ID() string
	Kind() api.Kind
	Label() api.Label
	ReadSample() (Sample, error)
	Close() error
}

// Devices opens the local capture devices.
type Devices interface {
	// OpenCamera returns the camera video and the microphone audio.
	OpenCamera(ctx context.Context) ([]Source, error)
	OpenScreen(ctx context.Context) (Source, error)
}

// RemoteTrack is an inbound track.
type RemoteTrack interface {
	ID() string
	Kind() api.Kind
	StreamID() string
}

type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Conn is one negotiated media connection with one remote peer.
type Conn interface {
	AddTrack(src Source) (trackID string, err error)
	RemoveTrack(trackID string) error
	// AddReceiver asks for one inbound track of the kind without sending anything.
	AddReceiver(kind api.Kind) error
	// SetEnabled mutes or unmutes every outbound track.
	SetEnabled(enabled bool)
	CreateOffer() ([]byte, error)
	CreateAnswer(offer []byte) ([]byte, error)
	ApplyAnswer(answer []byte) error
	AddCandidate(candidate []byte) error
	OnTrack(func(RemoteTrack))
	OnTrackEnded(func(trackID string))
	OnCandidate(func(candidate []byte))
	OnStateChange(func(State))
	Close() error
}

// Transport makes media connections.
type Transport interface {
	NewConn() (Conn, error)
}
