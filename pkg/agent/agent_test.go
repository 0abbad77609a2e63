package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/config/agent"
	conf "github.com/examwatch/proctor/pkg/config/webrtc"
	"github.com/examwatch/proctor/pkg/coordinator"
	"github.com/examwatch/proctor/pkg/incident"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/session"
	"github.com/examwatch/proctor/pkg/storage"
	"github.com/examwatch/proctor/pkg/track"
	"github.com/examwatch/proctor/pkg/webrtc"
)

func testConf(url, user string, role api.Role) agent.Agent {
	var c agent.Agent
	c.Coordinator = url
	c.Room = "r1"
	c.User = user
	c.Role = string(role)
	c.Connect.Retries = 2
	c.Connect.Timeout = 2 * time.Second
	c.Connect.Backoff = 50 * time.Millisecond
	c.Incidents.DedupWindow = time.Second
	c.Recorder.Chunk = 100 * time.Millisecond
	c.Detectors.Focus.Cooldown = time.Second
	return c
}

func newCoordinator(t *testing.T) *httptest.Server {
	t.Helper()
	hub := coordinator.NewHub(coordinator.WithLogger(logger.Nop()))
	srv := httptest.NewServer(hub.Routes())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv
}

func newTransport(t *testing.T) *webrtc.Transport {
	t.Helper()
	factory, err := webrtc.NewTransport(conf.Webrtc{}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return factory
}

func eventually(t *testing.T, what string, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !ok() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	transport := newTransport(t)
	tests := []struct {
		name string
		role api.Role
		deps Deps
		err  func(error) bool
	}{
		{name: "bad role", role: "admin", deps: Deps{Transport: transport}, err: func(err error) bool { return errors.Is(err, ErrBadRole) }},
		{name: "no transport", role: api.Proctor, err: func(err error) bool { return err != nil }},
		{name: "no devices", role: api.Candidate, deps: Deps{Transport: transport}, err: func(err error) bool { return api.IsKind(err, api.Device) }},
		{name: "proctor", role: api.Proctor, deps: Deps{Transport: transport}, err: func(err error) bool { return err == nil }},
		{name: "candidate", role: api.Candidate, deps: Deps{Transport: transport, Devices: media.Synthetic{}}, err: func(err error) bool { return err == nil }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p, err := New(context.Background(), testConf("http://localhost:1", "u1", test.role), test.deps, logger.Nop())
			if !test.err(err) {
				t.Fatalf("unexpected error %v", err)
			}
			if p != nil {
				_ = p.Close()
			}
		})
	}
}

func TestProctorOnlyCalls(t *testing.T) {
	p, err := New(context.Background(), testConf("http://localhost:1", "c1", api.Candidate), Deps{Transport: newTransport(t), Devices: media.Synthetic{}}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = p.Close() }()
	if err := p.Control(api.Pause, "c2"); !errors.Is(err, ErrRole) {
		t.Errorf("control from a candidate: %v", err)
	}
	if p.Timeline() != nil {
		t.Error("a candidate with a timeline")
	}
}

func TestStartFailsWithoutCoordinator(t *testing.T) {
	c := testConf("http://127.0.0.1:1", "p1", api.Proctor)
	c.Connect.Retries = 1
	p, err := New(context.Background(), c, Deps{Transport: newTransport(t)}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = p.Close() }()
	if err := p.Start(context.Background()); !api.IsKind(err, api.Transport) {
		t.Errorf("start error %v", err)
	}
	if p.Topology() != session.P2P {
		t.Errorf("topology %v", p.Topology())
	}
}

func TestExamRoom(t *testing.T) {
	srv := newCoordinator(t)
	transport := newTransport(t)
	ctx := context.Background()

	cameras := make(chan track.Ref, 8)
	proctor, err := New(ctx, testConf(srv.URL, "p1", api.Proctor), Deps{
		Transport: transport,
		OnTrack: func(peer string, ref track.Ref, _ media.RemoteTrack) {
			if ref.Label == api.Camera && ref.Kind == api.Video {
				cameras <- ref
			}
		},
	}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = proctor.Close() }()
	if err := proctor.Start(ctx); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	sink, err := storage.NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	candidate, err := New(ctx, testConf(srv.URL, "c1", api.Candidate), Deps{
		Transport: transport,
		Devices:   media.Synthetic{},
		Sink:      sink,
	}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var steps []string
	candidate.trace = func(step string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}
	if err := candidate.Start(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case ref := <-cameras:
		if ref.Owner != "c1" {
			t.Errorf("camera of %q", ref.Owner)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("the proctor sees no camera")
	}

	candidate.Focus().Hidden("tab switched")
	eventually(t, "focus incident", 3*time.Second, func() bool {
		for _, inc := range proctor.Timeline().Of("c1") {
			if inc.Tag == incident.FocusLost {
				return true
			}
		}
		return false
	})

	if err := proctor.Control(api.Pause, "c1"); err != nil {
		t.Errorf("control: %v", err)
	}

	if err := candidate.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	mu.Lock()
	order := fmt.Sprint(steps)
	mu.Unlock()
	if order != "[sensors sessions recorder channel]" {
		t.Errorf("teardown order %v", order)
	}
	if err := candidate.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("start after close: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	recorded := false
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "camera-") {
			recorded = true
		}
	}
	if !recorded {
		t.Errorf("no camera recording in %v", files)
	}
}
