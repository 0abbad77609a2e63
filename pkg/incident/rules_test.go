package incident

import (
	"testing"
	"time"
)

func TestRules(t *testing.T) {
	type step struct {
		tag    Tag
		level  Level
		status string
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{name: "many faces repeat", steps: []step{
			{ManyFaces, S2, Active},
			{ManyFaces, S3, Active},
			{ManyFaces, S3, Active},
		}},
		{name: "tab switching", steps: []step{
			{FocusLost, S1, Active},
			{FocusLost, S1, Active},
			{FocusLost, S1, Active},
			{FocusLost, S2, Active},
			{FocusLost, S3, Paused},
			{FocusLost, S3, Paused},
		}},
		{name: "forbidden text repeat", steps: []step{
			{ForbiddenText, S2, Active},
			{ForbiddenText, S3, Paused},
		}},
		{name: "impersonation", steps: []step{{Impersonation, S3, Paused}}},
		{name: "others keep their level", steps: []step{
			{Speech, S2, Active},
			{Speech, S2, Active},
			{Network, S1, Active},
		}},
		{name: "paused stays paused", steps: []step{
			{Impersonation, S3, Paused},
			{NoFace, S1, Paused},
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := NewRules()
			counts := map[Tag]int{}
			for i, s := range test.steps {
				counts[s.tag]++
				got := r.Apply("r1", Incident{Tag: s.tag, ActorID: "c1"})
				if got.Level != s.level || got.SessionStatus != s.status || got.EscalationCount != counts[s.tag] {
					t.Errorf("step %v: got %v/%v/%v, want %v/%v/%v", i,
						got.Level, got.SessionStatus, got.EscalationCount, s.level, s.status, counts[s.tag])
				}
			}
		})
	}
}

func TestRulesKeepsSenderLevel(t *testing.T) {
	r := NewRules()
	if got := r.Apply("r1", Incident{Tag: NoFace, Level: S2, ActorID: "c1"}); got.Level != S2 {
		t.Errorf("level %v", got.Level)
	}
	// unknown tags pass through untouched
	in := Incident{Tag: "B1", Level: S3, ActorID: "c1"}
	if got := r.Apply("r1", in); got != in {
		t.Errorf("got %+v", got)
	}
}

func TestRulesIsolation(t *testing.T) {
	r := NewRules()
	r.Apply("r1", Incident{Tag: ManyFaces, ActorID: "c1"})
	if got := r.Apply("r2", Incident{Tag: ManyFaces, ActorID: "c1"}); got.Level != S2 {
		t.Errorf("rooms share counters: %v", got.Level)
	}
	if got := r.Apply("r1", Incident{Tag: ManyFaces, ActorID: "c2"}); got.Level != S2 {
		t.Errorf("actors share counters: %v", got.Level)
	}
}

func TestRulesSummaryAndSweep(t *testing.T) {
	c := newClock()
	r := NewRules()
	r.now = c.now

	r.Apply("r1", Incident{Tag: FocusLost, ActorID: "c1"})
	r.Apply("r1", Incident{Tag: FocusLost, ActorID: "c1"})
	r.Apply("r1", Incident{Tag: Impersonation, ActorID: "c1"})
	c.add(time.Hour)
	r.Apply("r1", Incident{Tag: Speech, ActorID: "c2"})

	s, ok := r.Summary("r1", "c1")
	if !ok {
		t.Fatal("no summary")
	}
	if s.SessionID != "r1:c1" || s.Status != Paused || s.AlertsCount != 2 || s.Alerts[FocusLost].Count != 2 {
		t.Errorf("summary %+v", s)
	}
	r.Resume("r1", "c1")
	if s, _ := r.Summary("r1", "c1"); s.Status != Active {
		t.Errorf("status after resume %v", s.Status)
	}
	if _, ok := r.Summary("r1", "nobody"); ok {
		t.Error("summary of nobody")
	}

	if n := r.Sweep(30 * time.Minute); n != 1 {
		t.Errorf("swept %v", n)
	}
	if r.Len() != 1 {
		t.Errorf("left %v", r.Len())
	}
}
