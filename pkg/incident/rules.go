package incident

import (
	"sync"
	"time"
)

// Session statuses decided by the rules.
const (
	Active = "active"
	Paused = "paused"
)

type alertState struct {
	count int
	first time.Time
	last  time.Time
}

type actorState struct {
	started time.Time
	updated time.Time
	status  string
	alerts  map[Tag]*alertState
}

// AlertSummary is what the rules know about one tag of an actor.
type AlertSummary struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
}

type Summary struct {
	SessionID   string               `json:"session_id"`
	Status      string               `json:"status"`
	Started     time.Time            `json:"started"`
	AlertsCount int                  `json:"alerts_count"`
	Alerts      map[Tag]AlertSummary `json:"alerts"`
}

// Rules escalates the incidents of the room actors by their history:
//
//	A2  again            -> S3
//	A3  1-3, 4, 5+ times -> S1, S2, S3 and paused
//	A5  again            -> S3 and paused
//	A10 always           -> S3 and paused
//
// Other tags keep their level.
type Rules struct {
	now func() time.Time

	mu     sync.Mutex
	actors map[string]*actorState
}

func NewRules() *Rules { return &Rules{now: time.Now, actors: make(map[string]*actorState)} }

func rulesKey(room, actor string) string { return room + ":" + actor }

func (r *Rules) actor(room, actor string, now time.Time) *actorState {
	key := rulesKey(room, actor)
	a, ok := r.actors[key]
	if !ok {
		a = &actorState{started: now, status: Active, alerts: make(map[Tag]*alertState)}
		r.actors[key] = a
	}
	return a
}

// Apply escalates the incident and returns it with the new level,
// the repeat count and the session status.
func (r *Rules) Apply(room string, inc Incident) Incident {
	if !Known(inc.Tag) {
		return inc
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.actor(room, inc.ActorID, now)
	a.updated = now
	st, ok := a.alerts[inc.Tag]
	if !ok {
		st = &alertState{first: now}
		a.alerts[inc.Tag] = st
	}
	st.count++
	st.last = now

	level := inc.Level
	if !level.IsValid() {
		level = DefaultLevel(inc.Tag)
	}
	switch inc.Tag {
	case ManyFaces:
		if st.count >= 2 {
			level = S3
		}
	case FocusLost:
		switch {
		case st.count >= 5:
			level = S3
			a.status = Paused
		case st.count >= 4:
			level = S2
		default:
			level = S1
		}
	case ForbiddenText:
		if st.count > 1 {
			level = S3
			a.status = Paused
		}
	case Impersonation:
		level = S3
		a.status = Paused
	}

	inc.Level = level
	inc.EscalationCount = st.count
	inc.SessionStatus = a.status
	return inc
}

// Resume puts a paused actor back to active.
func (r *Rules) Resume(room, actor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[rulesKey(room, actor)]; ok {
		a.status = Active
	}
}

func (r *Rules) Summary(room, actor string) (Summary, bool) {
	key := rulesKey(room, actor)
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[key]
	if !ok {
		return Summary{}, false
	}
	s := Summary{
		SessionID:   key,
		Status:      a.status,
		Started:     a.started,
		AlertsCount: len(a.alerts),
		Alerts:      make(map[Tag]AlertSummary, len(a.alerts)),
	}
	for tag, st := range a.alerts {
		s.Alerts[tag] = AlertSummary{Count: st.count, Last: st.last}
	}
	return s, true
}

// Sweep forgets the actors without incidents for the idle time and returns how many.
func (r *Rules) Sweep(idle time.Duration) int {
	deadline := r.now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, a := range r.actors {
		if a.updated.Before(deadline) {
			delete(r.actors, key)
			n++
		}
	}
	return n
}

func (r *Rules) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
