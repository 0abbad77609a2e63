package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/pion/webrtc/v3"
	pmedia "github.com/pion/webrtc/v3/pkg/media"
)

type localTrack struct {
	src    media.Source
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	stop   chan struct{}
	once   sync.Once
}

func newLocalTrack(src media.Source) (*localTrack, error) {
	mime := webrtc.MimeTypeVP8
	if src.Kind() == api.Audio {
		mime = webrtc.MimeTypeOpus
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, src.ID(), "proctor-"+string(src.Label()))
	if err != nil {
		return nil, err
	}
	return &localTrack{src: src, track: track, stop: make(chan struct{})}, nil
}

func (t *localTrack) Stop() { t.once.Do(func() { close(t.stop) }) }

func (t *localTrack) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// pump moves samples from the capture source into the track.
// Samples are read but not sent while the track is disabled.
func (t *localTrack) pump(enabled *atomic.Bool, log *logger.Logger) {
	for !t.stopped() {
		s, err := t.src.ReadSample()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("track", t.track.ID()).Msg("capture")
			}
			return
		}
		if !enabled.Load() || t.stopped() {
			continue
		}
		if err := t.track.WriteSample(pmedia.Sample{Data: s.Data, Duration: s.Duration}); err != nil &&
			!errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Str("track", t.track.ID()).Msg("write sample")
		}
	}
}

// Read incoming RTCP packets
func (t *localTrack) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.sender.Read(buf); err != nil {
			return
		}
	}
}

const remoteBuffer = 64

// remoteTrack is an inbound track, its RTP payloads can be consumed as a media.Source.
type remoteTrack struct {
	track   *webrtc.TrackRemote
	samples chan media.Sample
	closed  atomic.Bool
}

func newRemoteTrack(track *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{track: track, samples: make(chan media.Sample, remoteBuffer)}
}

func (r *remoteTrack) ID() string       { return r.track.ID() }
func (r *remoteTrack) StreamID() string { return r.track.StreamID() }
func (r *remoteTrack) Label() api.Label { return api.Unknown }

func (r *remoteTrack) Kind() api.Kind {
	if r.track.Kind() == webrtc.RTPCodecTypeAudio {
		return api.Audio
	}
	return api.Video
}

func (r *remoteTrack) ReadSample() (media.Sample, error) {
	s, ok := <-r.samples
	if !ok {
		return s, io.EOF
	}
	return s, nil
}

// Close stops forwarding, the track is still drained until it ends.
func (r *remoteTrack) Close() error { r.closed.Store(true); return nil }

// read drains the track until the remote side removes it.
func (r *remoteTrack) read(ended func()) {
	defer func() {
		close(r.samples)
		ended()
	}()
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			return
		}
		if r.closed.Load() {
			continue
		}
		select {
		case r.samples <- media.Sample{Data: pkt.Payload}:
		default:
		}
	}
}
