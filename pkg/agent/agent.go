// Package agent runs one exam participant: the signaling channel, the media
// sessions of its role, the incident sensors and the local recording.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/config/agent"
	"github.com/examwatch/proctor/pkg/incident"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/recorder"
	"github.com/examwatch/proctor/pkg/session"
	"github.com/examwatch/proctor/pkg/signal"
	"github.com/examwatch/proctor/pkg/storage"
	"github.com/examwatch/proctor/pkg/track"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrBadRole = errors.New("unknown role")
	ErrClosed  = errors.New("participant is closed")
	ErrRole    = errors.New("not available for the role")
)

// Deps are the parts of the participant that live outside of it.
// Only the transport is required, the candidate needs the devices too.
// A sensor left nil disables its detector.
type Deps struct {
	Transport media.Transport
	Devices   media.Devices
	// Sink overrides the configured recording storage.
	Sink   storage.Storage
	Faces  incident.FaceCounter
	Energy incident.EnergyMeter
	Frames incident.FrameSource
	OCR    incident.TextRecognizer
	Probes []incident.Probe

	OnTrack    func(peer string, ref track.Ref, t media.RemoteTrack)
	OnBindings func(peer string, b track.Bindings)
	OnStatus   func(session.Status)
}

// Participant is a candidate or a proctor connected to one exam room.
type Participant struct {
	conf agent.Agent
	deps Deps
	role api.Role
	ch   *signal.Channel
	sig  *listeners
	log  *logger.Logger

	focus    *incident.FocusDetector
	pipeline *incident.Pipeline
	timeline *incident.Timeline
	rec      *recorder.Recorder

	mu        sync.Mutex
	topology  session.Topology
	candidate *session.Candidate
	proctor   *session.Proctor
	cancel    context.CancelFunc
	closed    bool

	// trace sees the teardown steps
	trace func(step string)
}

func New(ctx context.Context, conf agent.Agent, deps Deps, log *logger.Logger) (*Participant, error) {
	role := api.Role(conf.Role)
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrBadRole, conf.Role)
	}
	if deps.Transport == nil {
		return nil, errors.New("no media transport")
	}
	if role == api.Candidate && deps.Devices == nil {
		return nil, api.Fail(api.Device, "open devices", media.ErrNoDevice)
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.Extend(log.With().Str(logger.RoomField, conf.Room).Str(logger.UserField, conf.User).Str("role", conf.Role))

	ch := signal.New(signal.Options{
		URL:     conf.Coordinator,
		Room:    conf.Room,
		User:    conf.User,
		Role:    role,
		Token:   conf.Token,
		Backoff: conf.Connect.Backoff,
		Log:     log,
	})
	p := &Participant{conf: conf, deps: deps, role: role, ch: ch, sig: newListeners(ch), log: log}
	ch.OnClose(func(err error) { log.Warn().Err(err).Msg("signaling connection is lost") })

	if role == api.Proctor {
		p.timeline = incident.NewTimeline(conf.Room, conf.Incidents.DedupWindow)
		for _, t := range []api.Type{api.Incident, api.AiAnalysis, api.Roster, api.ParticipantJoined, api.ParticipantLeft} {
			p.sig.On(t, p.record)
		}
		return p, nil
	}

	sink := deps.Sink
	if sink == nil {
		var err error
		sink, err = storage.New(ctx, storage.Config{
			Kind:   conf.Recorder.Sink.Kind,
			Dir:    conf.Recorder.Sink.Dir,
			Bucket: conf.Recorder.Sink.Bucket,
			URL:    conf.Recorder.Sink.URL,
		})
		if err != nil {
			return nil, fmt.Errorf("recording sink: %w", err)
		}
	}
	p.rec = recorder.New(recorder.Options{Chunk: conf.Recorder.Chunk, Sink: sink, Log: log})

	p.focus = incident.NewFocusDetector()
	p.pipeline = incident.NewPipeline(conf.User, ch,
		incident.WithLogger(log),
		incident.WithCooldown(incident.FocusLost, conf.Detectors.Focus.Cooldown),
	)
	p.pipeline.Attach(p.focus)
	p.pipeline.OnIncident(func(inc incident.Incident) {
		log.Info().Str(logger.TagField, string(inc.Tag)).Str("level", string(inc.Level)).Msg(inc.Note)
	})
	return p, nil
}

// record feeds the proctor timeline.
func (p *Participant) record(m api.Message) {
	if err := p.timeline.Handle(m); err != nil {
		p.log.Warn().Err(err).Str("from", m.From).Msg("incident is not recorded")
	}
}

// Start finds out the topology, joins the room and starts the role.
// Only a failed connection or missing devices fail it.
func (p *Participant) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	topology := session.Probe(ctx, p.conf.Coordinator, p.log)
	p.log.Info().Str("topology", string(topology)).Msg("joining")
	opts := session.Options{Topology: topology, Log: p.log}

	p.mu.Lock()
	p.topology = topology
	if p.role == api.Proctor {
		p.proctor = session.NewProctor(p.sig, p.deps.Transport, opts)
		p.proctor.OnStatus(p.status)
		if p.deps.OnTrack != nil {
			p.proctor.OnTrack(p.deps.OnTrack)
		}
		if p.deps.OnBindings != nil {
			p.proctor.OnBindings(p.deps.OnBindings)
		}
	} else {
		devices := newRecordingDevices(ctx, p.deps.Devices, p.rec, p.log)
		p.candidate = session.NewCandidate(p.sig, p.deps.Transport, devices, opts)
		p.candidate.OnStatus(p.status)
		p.sig.On(api.ParticipantJoined, p.proctorJoined)
	}
	p.mu.Unlock()

	c := p.conf.Connect
	if err := p.ch.Connect(ctx, c.Retries, c.Timeout); err != nil {
		return err
	}

	if p.role == api.Proctor {
		return p.proctor.Start()
	}
	p.startSensors(ctx)
	return p.candidate.Start(ctx)
}

func (p *Participant) status(st session.Status) {
	ev := p.log.Info()
	if st.Kind != "" {
		ev = p.log.Warn().Str("kind", string(st.Kind))
	}
	ev.Str("peer", st.Peer).Str("state", string(st.State)).Msg(st.Reason)
	if p.deps.OnStatus != nil {
		p.deps.OnStatus(st)
	}
}

func (p *Participant) proctorJoined(m api.Message) {
	if m.Role != api.Proctor {
		return
	}
	if err := p.candidate.Reoffer(); err != nil && !errors.Is(err, session.ErrNoSession) {
		p.log.Warn().Err(err).Msg("offer for a new proctor")
	}
}

func (p *Participant) startSensors(ctx context.Context) {
	d := p.conf.Detectors
	if p.deps.Faces != nil {
		p.pipeline.Add(incident.NewFaceDetector(p.deps.Faces, d.Face.NoFaceAfter), d.Face.Interval)
	}
	if p.deps.Energy != nil {
		p.pipeline.Add(incident.NewSpeechDetector(p.deps.Energy, d.Speech.Threshold, d.Speech.Interval, d.Speech.Sustain), d.Speech.Interval)
	}
	if p.deps.Frames != nil {
		if det := p.textDetector(ctx); det != nil {
			p.pipeline.Add(det, d.Text.Interval)
		}
	}
	if len(p.deps.Probes) > 0 {
		// one run at the start
		p.pipeline.Add(incident.NewCheckInDetector(p.deps.Probes...), 0)
	}
	p.pipeline.Start(ctx)
}

func (p *Participant) textDetector(ctx context.Context) incident.Detector {
	d := p.conf.Detectors.Text
	ocr := p.deps.OCR
	if ocr == nil {
		var err error
		if ocr, err = incident.NewRecognizer(d.Lang); err != nil {
			p.log.Warn().Err(err).Msg("no screen text detection")
			return nil
		}
	}
	blacklist := incident.NewBlacklist(d.Words...)
	if d.Blacklist != "" {
		if err := blacklist.Watch(ctx, d.Blacklist, p.log); err != nil {
			p.log.Warn().Err(err).Str("path", d.Blacklist).Msg("blacklist")
		}
	}
	return incident.NewTextDetector(p.deps.Frames, ocr, blacklist, d.MaxWidth, d.MaxHeight)
}

func (p *Participant) Role() api.Role { return p.role }

func (p *Participant) Topology() session.Topology {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topology
}

// Focus reports the tab and window focus changes of the candidate.
func (p *Participant) Focus() *incident.FocusDetector { return p.focus }

// Timeline is the incident record of the room as seen by the proctor.
func (p *Participant) Timeline() *incident.Timeline { return p.timeline }

func (p *Participant) Recorder() *recorder.Recorder { return p.rec }

func (p *Participant) ShareScreen(ctx context.Context) error {
	c, err := p.candidateSession()
	if err != nil {
		return err
	}
	return c.StartScreenShare(ctx)
}

func (p *Participant) StopScreen() error {
	c, err := p.candidateSession()
	if err != nil {
		return err
	}
	return c.StopScreenShare()
}

// Control sends pause, resume or end to a candidate.
func (p *Participant) Control(action api.Action, candidate string) error {
	p.mu.Lock()
	pr := p.proctor
	p.mu.Unlock()
	if pr == nil {
		return ErrRole
	}
	return pr.Control(action, candidate)
}

// Chat sends a text to one participant or the whole room.
func (p *Participant) Chat(text, to string) bool { return p.ch.Send(api.NewChat(text, to)) }

func (p *Participant) candidateSession() (*session.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.candidate == nil {
		return nil, ErrRole
	}
	return p.candidate, nil
}

// Close stops the sensors, the media sessions, the recorder and
// the signaling channel in this order. Every step runs whatever
// the previous ones returned.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, candidate, proctor := p.cancel, p.candidate, p.proctor
	p.mu.Unlock()

	var result *multierror.Error
	step := func(name string, fn func() error) {
		if p.trace != nil {
			p.trace(name)
		}
		if err := fn(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("sensors", func() error {
		if p.pipeline == nil {
			return nil
		}
		return p.pipeline.Stop()
	})
	step("sessions", func() error {
		switch {
		case candidate != nil:
			return candidate.Close()
		case proctor != nil:
			return proctor.Close()
		}
		return nil
	})
	step("recorder", func() error {
		if p.rec == nil {
			return nil
		}
		return p.rec.Close()
	})
	step("channel", p.ch.Close)

	if cancel != nil {
		cancel()
	}
	if err := result.ErrorOrNil(); err != nil {
		p.log.Warn().Err(err).Msg("unclean close")
		return err
	}
	p.log.Info().Msg("closed")
	return nil
}
