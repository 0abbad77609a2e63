package session

import (
	"context"
	"errors"
	"testing"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
)

type candidateRig struct {
	sig       *fakeSignal
	transport *fakeTransport
	devices   *fakeDevices
	statuses  *statusLog
	c         *Candidate
}

func newCandidateRig(t *testing.T, topology Topology) *candidateRig {
	t.Helper()
	r := &candidateRig{
		sig:       newFakeSignal("c1"),
		transport: &fakeTransport{},
		devices:   &fakeDevices{},
		statuses:  &statusLog{},
	}
	r.c = NewCandidate(r.sig, r.transport, r.devices, Options{Topology: topology, Log: logger.Nop()})
	r.c.OnStatus(r.statuses.add)
	return r
}

func (r *candidateRig) start(t *testing.T) {
	t.Helper()
	if err := r.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func answerFrom(from string) api.Message {
	m := api.NewAnswer([]byte(`{"type":"answer","sdp":"x"}`), "c1")
	m.From = from
	return m
}

func TestCandidateStart(t *testing.T) {
	r := newCandidateRig(t, P2P)
	r.start(t)

	offer, ok := r.sig.last(api.Offer)
	if !ok {
		t.Fatal("no offer")
	}
	if offer.To != "" || offer.Renegotiate {
		t.Errorf("first offer should be a broadcast: %+v", offer)
	}
	if len(offer.TrackInfo) != 2 || offer.TrackInfo[0].Label != api.Camera || offer.TrackInfo[1].Kind != api.Audio {
		t.Errorf("track info %+v", offer.TrackInfo)
	}
	s := r.c.Session()
	if s.State() != Negotiating {
		t.Errorf("state %v", s.State())
	}

	r.sig.deliver(answerFrom("p1"))
	if s.State() != Connected {
		t.Fatalf("state %v", s.State())
	}
	// the second proctor is too late
	r.sig.deliver(answerFrom("p2"))
	if n := len(r.transport.conn(0).remote); n != 1 {
		t.Errorf("answers applied %v", n)
	}
	if s.Peer() != "p1" {
		t.Errorf("peer %v", s.Peer())
	}
}

func TestCandidateDeviceError(t *testing.T) {
	r := newCandidateRig(t, P2P)
	r.devices.cameraErr = errors.New("denied")

	err := r.c.Start(context.Background())
	if !api.IsKind(err, api.Device) {
		t.Fatalf("expected a device error, got %v", err)
	}
	if st := r.statuses.last(); st.State != Closed || st.Kind != api.Device {
		t.Errorf("status %+v", st)
	}
	if len(r.sig.of(api.Offer)) != 0 {
		t.Error("offer without devices")
	}
}

func TestCandidateScreenShare(t *testing.T) {
	r := newCandidateRig(t, P2P)
	r.start(t)
	r.sig.deliver(answerFrom("p1"))

	if err := r.c.StartScreenShare(context.Background()); err != nil {
		t.Fatal(err)
	}
	offer, _ := r.sig.last(api.Offer)
	if !offer.Renegotiate || offer.To != "p1" {
		t.Errorf("renegotiation offer %+v", offer)
	}
	if len(offer.TrackInfo) != 3 || offer.TrackInfo[2].Label != api.Screen || offer.TrackInfo[2].TrackID != "screen1" {
		t.Errorf("track info %+v", offer.TrackInfo)
	}
	s := r.c.Session()
	if s.State() != Negotiating {
		t.Errorf("state %v", s.State())
	}
	r.sig.deliver(answerFrom("p1"))
	if s.State() != Connected {
		t.Errorf("state %v", s.State())
	}

	if err := r.c.StopScreenShare(); err != nil {
		t.Fatal(err)
	}
	offer, _ = r.sig.last(api.Offer)
	if len(offer.TrackInfo) != 2 {
		t.Errorf("screen still announced %+v", offer.TrackInfo)
	}
	if !r.devices.opened[2].isClosed() {
		t.Error("screen device is not released")
	}
}

func TestCandidateScreenDeviceError(t *testing.T) {
	r := newCandidateRig(t, P2P)
	r.start(t)
	r.sig.deliver(answerFrom("p1"))
	r.devices.screenErr = errors.New("cancelled")

	if err := r.c.StartScreenShare(context.Background()); !api.IsKind(err, api.Device) {
		t.Errorf("expected a device error, got %v", err)
	}
	if st := r.c.Session().State(); st != Connected {
		t.Errorf("session should survive, state %v", st)
	}
}

func TestCandidateScreenShareWithoutSession(t *testing.T) {
	r := newCandidateRig(t, P2P)
	if err := r.c.StartScreenShare(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected no session, got %v", err)
	}
}

func TestCandidateControl(t *testing.T) {
	r := newCandidateRig(t, P2P)
	r.start(t)
	r.sig.deliver(answerFrom("p1"))
	s, conn := r.c.Session(), r.transport.conn(0)

	control := func(a api.Action) { r.sig.deliver(api.Message{Type: api.Control, Action: a, From: "p1"}) }

	control(api.Pause)
	if s.State() != Paused || conn.enabled {
		t.Errorf("pause: state %v enabled %v", s.State(), conn.enabled)
	}
	control(api.Resume)
	if s.State() != Connected || !conn.enabled {
		t.Errorf("resume: state %v enabled %v", s.State(), conn.enabled)
	}
	control(api.End)
	if s.State() != Closed || !conn.isClosed() {
		t.Errorf("end: state %v closed %v", s.State(), conn.isClosed())
	}
	for _, d := range r.devices.opened {
		if !d.isClosed() {
			t.Errorf("device %v is not released", d.id)
		}
	}
	if st := r.statuses.last(); st.State != Closed || st.Kind != "" {
		t.Errorf("status %+v", st)
	}
}

func TestCandidatePauseWhileNegotiating(t *testing.T) {
	r := newCandidateRig(t, P2P)
	r.start(t)
	r.c.Pause()
	s := r.c.Session()
	if s.State() != Negotiating {
		t.Errorf("state %v", s.State())
	}
	r.sig.deliver(answerFrom("p1"))
	if s.State() != Paused {
		t.Errorf("state after answer %v", s.State())
	}
}

func TestCandidateBadAnswer(t *testing.T) {
	r := newCandidateRig(t, P2P)
	r.start(t)
	m := answerFrom("p1")
	m.Sdp = []byte(`"bad"`)
	r.sig.deliver(m)

	if st := r.c.Session().State(); st != Closed {
		t.Errorf("state %v", st)
	}
	if st := r.statuses.last(); st.Kind != api.Negotiation {
		t.Errorf("status %+v", st)
	}
}

func TestCandidateIce(t *testing.T) {
	r := newCandidateRig(t, P2P)
	r.start(t)
	conn := r.transport.conn(0)

	ice := func(from string) {
		r.sig.deliver(api.Message{Type: api.Ice, From: from, Candidate: []byte(`{"candidate":"` + from + `"}`)})
	}
	ice("p1")
	ice("p2")
	if conn.candidateCount() != 0 {
		t.Fatal("candidates applied before the answer")
	}
	r.sig.deliver(answerFrom("p1"))
	if n := conn.candidateCount(); n != 1 {
		t.Errorf("buffered candidates applied %v", n)
	}
	ice("p1")
	ice("p2")
	if n := conn.candidateCount(); n != 2 {
		t.Errorf("candidates applied %v", n)
	}

	// local candidates go to the answerer
	conn.onCandidate([]byte(`{"candidate":"local"}`))
	if m, _ := r.sig.last(api.Ice); m.To != "p1" {
		t.Errorf("local candidate sent to %q", m.To)
	}
}

func TestCandidateRelay(t *testing.T) {
	r := newCandidateRig(t, Relay)
	r.start(t)
	offer, _ := r.sig.last(api.Offer)
	if offer.To != api.ServerID {
		t.Errorf("offer to %q", offer.To)
	}
	r.sig.deliver(answerFrom("p1"))
	if st := r.c.Session().State(); st != Negotiating {
		t.Errorf("answer from a proctor accepted in relay, state %v", st)
	}
	r.sig.deliver(answerFrom(api.ServerID))
	if st := r.c.Session().State(); st != Connected {
		t.Errorf("state %v", st)
	}
}

func TestCandidateReoffer(t *testing.T) {
	r := newCandidateRig(t, P2P)
	if err := r.c.Reoffer(); !errors.Is(err, ErrNoSession) {
		t.Errorf("reoffer without a session: %v", err)
	}
	r.start(t)

	if err := r.c.Reoffer(); err != nil {
		t.Fatal(err)
	}
	if n := len(r.sig.of(api.Offer)); n != 2 {
		t.Fatalf("offers %v, want 2", n)
	}

	r.sig.deliver(answerFrom("p1"))
	if err := r.c.Reoffer(); err != nil {
		t.Fatal(err)
	}
	if n := len(r.sig.of(api.Offer)); n != 2 {
		t.Errorf("an answered session was offered again")
	}
}
