package incident

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
)

type sink struct {
	mu   sync.Mutex
	msgs []api.Message
}

func (s *sink) Send(m api.Message) bool {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return true
}

func (s *sink) tags() (out []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		out = append(out, m.Tag)
	}
	return
}

type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func TestLatch(t *testing.T) {
	on, off := Observation{Tag: NoFace, Active: true}, Observation{Tag: NoFace}
	tests := []struct {
		name string
		seq  []Observation
		want int
	}{
		{name: "persistent condition", seq: []Observation{on, on, on, on}, want: 1},
		{name: "clears and comes back", seq: []Observation{on, on, off, on}, want: 2},
		{name: "never on", seq: []Observation{off, off}, want: 0},
		{name: "flapping", seq: []Observation{on, off, on, off, on}, want: 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			l := NewLatch()
			fired := 0
			for _, o := range test.seq {
				if l.Observe(o, time.Now()) {
					fired++
				}
			}
			if fired != test.want {
				t.Errorf("fired %v times, want %v", fired, test.want)
			}
		})
	}
}

func TestPipelineStampsIncidents(t *testing.T) {
	out, c := &sink{}, newClock()
	p := NewPipeline("c1", out, WithClock(c.now), WithLogger(logger.Nop()))
	var local []Incident
	p.OnIncident(func(i Incident) { local = append(local, i) })

	p.Observe(Observation{Tag: ManyFaces, Active: true, Note: "2 faces"})
	p.Observe(Observation{Tag: ManyFaces, Active: true, Note: "3 faces"})

	if len(out.msgs) != 1 {
		t.Fatalf("sent %v", out.msgs)
	}
	m := out.msgs[0]
	if m.Type != api.Incident || m.Tag != "A2" || m.Level != "S2" || m.By != "c1" || m.Ts != c.t.UnixMilli() || m.To != "" {
		t.Errorf("incident %+v", m)
	}
	if len(local) != 1 || local[0].Note != "2 faces" {
		t.Errorf("local %+v", local)
	}
}

func TestFocusCooldown(t *testing.T) {
	out, c := &sink{}, newClock()
	p := NewPipeline("c1", out, WithClock(c.now), WithLogger(logger.Nop()), WithCooldown(FocusLost, 5*time.Second))
	focus := NewFocusDetector()
	p.Attach(focus)

	focus.Hidden("tab hidden")
	focus.Hidden("window blur")
	focus.Visible()
	c.add(time.Second)
	focus.Hidden("tab hidden")
	focus.Visible()
	c.add(6 * time.Second)
	focus.Hidden("tab hidden")

	if got := out.tags(); len(got) != 2 {
		t.Errorf("focus incidents %v", got)
	}
	if out.msgs[0].Level != "S1" {
		t.Errorf("level %v", out.msgs[0].Level)
	}
}

func TestFocusHeldThroughCooldown(t *testing.T) {
	out, c := &sink{}, newClock()
	p := NewPipeline("c1", out, WithClock(c.now), WithLogger(logger.Nop()), WithCooldown(FocusLost, 5*time.Second))
	focus := NewFocusDetector()
	p.Attach(focus)

	focus.Hidden("window blur")
	focus.Visible()
	c.add(2 * time.Second)
	focus.Hidden("tab hidden")
	p.Recheck()
	if got := out.tags(); len(got) != 1 {
		t.Fatalf("focus incidents within the cooldown %v", got)
	}

	c.add(10 * time.Minute)
	p.Recheck()
	p.Recheck()
	got := out.tags()
	if len(got) != 2 || got[1] != "A3" {
		t.Fatalf("focus incidents %v", got)
	}
	if out.msgs[1].Note != "tab hidden" || out.msgs[1].Ts != c.t.UnixMilli() {
		t.Errorf("held incident %+v", out.msgs[1])
	}

	// seen off during the cooldown, nothing is held
	focus.Visible()
	c.add(time.Second)
	focus.Hidden("tab hidden")
	focus.Visible()
	c.add(time.Minute)
	p.Recheck()
	if got := out.tags(); len(got) != 2 {
		t.Errorf("focus incidents %v", got)
	}
}

func TestLatchHeld(t *testing.T) {
	on := Observation{Tag: NoFace, Active: true}
	now := time.Now()
	l := NewLatch()
	l.SetCooldown(NoFace, time.Minute)

	l.Observe(on, now)
	l.Observe(Observation{Tag: NoFace}, now)
	if l.Observe(on, now.Add(time.Second)) {
		t.Fatal("fired within the cooldown")
	}
	if held := l.Held(now.Add(time.Second)); len(held) != 0 {
		t.Errorf("held before the cooldown is over %v", held)
	}
	held := l.Held(now.Add(time.Minute))
	if len(held) != 1 || held[0].Tag != NoFace {
		t.Fatalf("held %v", held)
	}
	if !l.Observe(held[0], now.Add(time.Minute)) {
		t.Error("held condition does not fire")
	}
	if len(l.Held(now.Add(time.Hour))) != 0 {
		t.Error("fired condition is still held")
	}
}

type scripted struct {
	calls atomic.Int32
	fn    func(n int) ([]Observation, error)
}

func (s *scripted) Name() string { return "scripted" }
func (s *scripted) Evaluate(context.Context) ([]Observation, error) {
	return s.fn(int(s.calls.Add(1)))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipelineLoopSurvivesFailures(t *testing.T) {
	out := &sink{}
	p := NewPipeline("c1", out, WithLogger(logger.Nop()))
	d := &scripted{fn: func(n int) ([]Observation, error) {
		switch n {
		case 1:
			panic("boom")
		case 2:
			return nil, errors.New("camera busy")
		}
		return []Observation{{Tag: NoFace, Active: true}}, nil
	}}
	p.Add(d, time.Millisecond)
	p.Start(context.Background())

	waitFor(t, func() bool { return len(out.tags()) == 1 && d.calls.Load() > 4 })
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	calls := d.calls.Load()
	time.Sleep(10 * time.Millisecond)
	if d.calls.Load() != calls {
		t.Error("the loop runs after stop")
	}
	if got := out.tags(); len(got) != 1 {
		t.Errorf("debounced incidents %v", got)
	}
}

func TestPipelineNoOverlap(t *testing.T) {
	p := NewPipeline("c1", &sink{}, WithLogger(logger.Nop()))
	var running, overlaps atomic.Int32
	d := &scripted{fn: func(int) ([]Observation, error) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(3 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}}
	p.Add(d, time.Microsecond)
	p.Start(context.Background())
	waitFor(t, func() bool { return d.calls.Load() > 5 })
	_ = p.Stop()
	if overlaps.Load() != 0 {
		t.Errorf("overlapping evaluations %v", overlaps.Load())
	}
}

func TestPipelineSingleRun(t *testing.T) {
	p := NewPipeline("c1", &sink{}, WithLogger(logger.Nop()))
	d := &scripted{fn: func(int) ([]Observation, error) { return nil, nil }}
	p.Add(d, 0)
	p.Start(context.Background())
	waitFor(t, func() bool { return d.calls.Load() == 1 })
	time.Sleep(5 * time.Millisecond)
	_ = p.Stop()
	if n := d.calls.Load(); n != 1 {
		t.Errorf("runs %v", n)
	}
}
