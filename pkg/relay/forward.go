package relay

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v3"
)

const keyFrameInterval = 3 * time.Second

// forward copies the RTP packets of one candidate track into a local track
// shared by all the proctor connections.
type forward struct {
	id    string
	owner string
	kind  api.Kind
	seq   uint64
	local *pion.TrackLocalStaticRTP
	ssrc  pion.SSRC
	src   *pion.PeerConnection
	log   *logger.Logger

	done chan struct{}
	once sync.Once
}

func newForward(owner string, remote *pion.TrackRemote, src *pion.PeerConnection, seq uint64, log *logger.Logger) (*forward, error) {
	// the same track id lets the viewers match the candidate labels
	local, err := pion.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), owner)
	if err != nil {
		return nil, err
	}
	kind := api.Video
	if remote.Kind() == pion.RTPCodecTypeAudio {
		kind = api.Audio
	}
	return &forward{
		id:    remote.ID(),
		owner: owner,
		kind:  kind,
		seq:   seq,
		local: local,
		ssrc:  remote.SSRC(),
		src:   src,
		log:   log.Tagged("track", remote.ID()),
		done:  make(chan struct{}),
	}, nil
}

// pump blocks until the remote track ends.
func (f *forward) pump(remote *pion.TrackRemote) error {
	if f.kind == api.Video {
		go f.keyFrames()
	}
	for {
		select {
		case <-f.done:
			return nil
		default:
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err = f.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
}

// keyFrames asks the source for a key frame once in a while so late viewers
// do not wait long for a picture.
func (f *forward) keyFrames() {
	t := time.NewTicker(keyFrameInterval)
	defer t.Stop()
	f.keyFrame()
	for {
		select {
		case <-f.done:
			return
		case <-t.C:
			f.keyFrame()
		}
	}
}

func (f *forward) keyFrame() {
	if f.kind != api.Video {
		return
	}
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(f.ssrc)}}
	if err := f.src.WriteRTCP(pli); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		f.log.Debug().Err(err).Msg("pli")
	}
}

func (f *forward) stop() { f.once.Do(func() { close(f.done) }) }
