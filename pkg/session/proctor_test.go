package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/track"
)

type proctorRig struct {
	sig       *fakeSignal
	transport *fakeTransport
	statuses  *statusLog
	p         *Proctor
}

func newProctorRig(topology Topology) *proctorRig {
	r := &proctorRig{sig: newFakeSignal("p1"), transport: &fakeTransport{}, statuses: &statusLog{}}
	r.p = NewProctor(r.sig, r.transport, Options{Topology: topology, Log: logger.Nop()})
	r.p.OnStatus(r.statuses.add)
	return r
}

func offerFrom(from string, renegotiate bool, tracks ...api.TrackInfo) api.Message {
	m := api.NewOffer([]byte(`{"type":"offer","sdp":"`+from+`"}`), tracks, renegotiate, "")
	m.From = from
	return m
}

var (
	camInfo    = api.TrackInfo{TrackID: "cam", Label: api.Camera, Kind: api.Video}
	micInfo    = api.TrackInfo{TrackID: "mic", Label: api.Camera, Kind: api.Audio}
	screenInfo = api.TrackInfo{TrackID: "screen1", Label: api.Screen, Kind: api.Video}
)

func TestProctorAnswersOffer(t *testing.T) {
	r := newProctorRig(P2P)
	var bound track.Bindings
	r.p.OnBindings(func(_ string, b track.Bindings) { bound = b })

	r.sig.deliver(offerFrom("c1", false, screenInfo, camInfo, micInfo))

	answer, ok := r.sig.last(api.Answer)
	if !ok || answer.To != "c1" {
		t.Fatalf("answer %+v", answer)
	}
	s, ok := r.p.Session("c1")
	if !ok || s.State() != Connected {
		t.Fatalf("session %v", s)
	}

	// the screen comes first but the metadata wins over the position
	conn := r.transport.conn(0)
	conn.onTrack(fakeTrack{id: "screen1", kind: api.Video})
	conn.onTrack(fakeTrack{id: "cam", kind: api.Video})
	conn.onTrack(fakeTrack{id: "mic", kind: api.Audio})
	if bound.Camera == nil || bound.Camera.ID != "cam" {
		t.Errorf("camera %+v", bound.Camera)
	}
	if bound.Screen == nil || bound.Screen.ID != "screen1" {
		t.Errorf("screen %+v", bound.Screen)
	}
	if bound.Audio == nil || bound.Audio.ID != "mic" {
		t.Errorf("audio %+v", bound.Audio)
	}
}

func TestProctorRenegotiation(t *testing.T) {
	r := newProctorRig(P2P)
	r.sig.deliver(offerFrom("c1", false, camInfo, micInfo))
	conn := r.transport.conn(0)
	conn.onTrack(fakeTrack{id: "cam", kind: api.Video})

	r.sig.deliver(offerFrom("c1", true, camInfo, micInfo, screenInfo))
	conn.onTrack(fakeTrack{id: "screen1", kind: api.Video})
	s, _ := r.p.Session("c1")
	if b := s.Router().Bindings("c1"); b.Screen == nil || b.Screen.ID != "screen1" {
		t.Errorf("screen %+v", b.Screen)
	}
	if n := len(r.transport.conns); n != 1 {
		t.Errorf("renegotiation made a new connection, %v total", n)
	}

	// the screen is gone from the next offer
	r.sig.deliver(offerFrom("c1", true, camInfo, micInfo))
	if b := s.Router().Bindings("c1"); b.Screen != nil {
		t.Errorf("screen is still bound %+v", b.Screen)
	}
	if n := len(r.sig.of(api.Answer)); n != 3 {
		t.Errorf("answers %v", n)
	}
}

func TestProctorEarlyIce(t *testing.T) {
	r := newProctorRig(P2P)
	r.sig.deliver(api.Message{Type: api.Ice, From: "c1", Candidate: []byte(`{"candidate":"a"}`)})
	r.sig.deliver(offerFrom("c1", false, camInfo))

	conn := r.transport.conn(0)
	if n := conn.candidateCount(); n != 1 {
		t.Errorf("buffered candidates applied %v", n)
	}
	r.sig.deliver(api.Message{Type: api.Ice, From: "c1", Candidate: []byte(`{"candidate":"b"}`)})
	if n := conn.candidateCount(); n != 2 {
		t.Errorf("candidates applied %v", n)
	}

	conn.onCandidate([]byte(`{"candidate":"local"}`))
	if m, _ := r.sig.last(api.Ice); m.To != "c1" {
		t.Errorf("local candidate sent to %q", m.To)
	}
}

func TestProctorFailureIsolation(t *testing.T) {
	r := newProctorRig(P2P)
	r.sig.deliver(offerFrom("c1", false, camInfo))
	r.sig.deliver(offerFrom("c2", false, camInfo))

	r.transport.conn(0).onState(media.StateFailed)

	if _, ok := r.p.Session("c1"); ok {
		t.Error("failed session is still there")
	}
	if st := r.statuses.last(); st.Peer != "c1" || st.State != Closed || st.Kind != api.Transport {
		t.Errorf("status %+v", st)
	}
	if s, ok := r.p.Session("c2"); !ok || s.State() != Connected {
		t.Error("the other session is affected")
	}

	// the candidate comes back
	r.sig.deliver(offerFrom("c1", false, camInfo))
	s, ok := r.p.Session("c1")
	if !ok || s.State() != Connected {
		t.Fatal("no fresh session")
	}
	if len(r.transport.conns) != 3 {
		t.Errorf("connections %v", len(r.transport.conns))
	}
}

func TestProctorBadOffer(t *testing.T) {
	r := newProctorRig(P2P)
	r.sig.deliver(offerFrom("c1", false, camInfo))
	r.transport.conn(0).failAnswer = true
	r.sig.deliver(offerFrom("c1", true, camInfo))

	if st := r.statuses.last(); st.State != Closed || st.Kind != api.Negotiation {
		t.Errorf("status %+v", st)
	}
}

func TestProctorParticipantLeft(t *testing.T) {
	r := newProctorRig(P2P)
	r.sig.deliver(offerFrom("c1", false, camInfo))
	r.sig.deliver(api.Message{Type: api.ParticipantLeft, UserID: "c1", From: api.ServerID})

	if _, ok := r.p.Session("c1"); ok {
		t.Error("session of the gone candidate")
	}
	if !r.transport.conn(0).isClosed() {
		t.Error("connection is open")
	}
}

func TestProctorControl(t *testing.T) {
	r := newProctorRig(P2P)
	r.sig.deliver(offerFrom("c1", false, camInfo))

	if err := r.p.Control(api.Pause, "c1"); err != nil {
		t.Fatal(err)
	}
	if s, ok := r.p.Session("c1"); !ok || s.State() != Connected {
		t.Error("pause should keep the session")
	}
	if err := r.p.Control(api.End, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.p.Session("c1"); ok {
		t.Error("ended session is still there")
	}
	controls := r.sig.of(api.Control)
	if len(controls) != 2 || controls[1].Action != api.End || controls[1].To != "c1" {
		t.Errorf("controls %+v", controls)
	}
	if err := r.p.Control("jump", "c1"); err == nil {
		t.Error("bad action is sent")
	}
}

func TestProctorRelay(t *testing.T) {
	r := newProctorRig(Relay)
	if err := r.p.Start(); err != nil {
		t.Fatal(err)
	}
	conn := r.transport.conn(0)
	if len(conn.receivers) != 3 {
		t.Errorf("receivers %v", conn.receivers)
	}
	offer, ok := r.sig.last(api.Offer)
	if !ok || offer.To != api.ServerID {
		t.Fatalf("offer %+v", offer)
	}
	s, _ := r.p.Session(api.ServerID)
	if s.State() != Negotiating {
		t.Errorf("state %v", s.State())
	}

	// a candidate cannot talk to the proctor directly
	r.sig.deliver(offerFrom("c1", false, camInfo))
	if len(r.sig.of(api.Answer)) != 0 {
		t.Error("answered a candidate in relay")
	}

	answer := api.NewAnswer([]byte(`{"type":"answer","sdp":"r"}`), "p1")
	answer.From = api.ServerID
	r.sig.deliver(answer)
	if s.State() != Connected {
		t.Errorf("state %v", s.State())
	}

	// the relay brings the candidate tracks with a renegotiation
	r.sig.deliver(offerFrom(api.ServerID, true, camInfo))
	if a, ok := r.sig.last(api.Answer); !ok || a.To != api.ServerID {
		t.Errorf("answer %+v", a)
	}
	if n := len(r.transport.conns); n != 1 {
		t.Errorf("connections %v", n)
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Topology
	}{
		{name: "sfu flag", body: `{"ok":true,"mode":"p2p","sfu_enabled":true}`, want: Relay},
		{name: "relay mode", body: `{"ok":true,"mode":"relay"}`, want: Relay},
		{name: "p2p", body: `{"ok":true,"mode":"p2p"}`, want: P2P},
		{name: "garbage", body: `not json`, want: P2P},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(test.body))
			}))
			defer srv.Close()
			if got := Probe(context.Background(), srv.URL, logger.Nop()); got != test.want {
				t.Errorf("got %v, want %v", got, test.want)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		if got := Probe(context.Background(), url, nil); got != P2P {
			t.Errorf("got %v", got)
		}
	})
}
