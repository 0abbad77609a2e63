package incident

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/com"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
)

const DefaultDedupWindow = 10 * time.Second

var (
	ErrNotMember = errors.New("actor is not in the room")
	ErrNoTag     = errors.New("incident without tag")
	ErrUnknown   = errors.New("no such incident")
)

// Badge is the incident count of one actor.
type Badge struct {
	Total  int
	Tags   map[Tag]int
	Levels map[Level]int
}

// Timeline is the append-only incident record of a room.
// A repeat of the latest unresolved (actor, tag) incident inside the dedup window
// raises its escalation count instead of adding a new record.
type Timeline struct {
	room string
	now  func() time.Time

	mu     sync.Mutex
	items  []*Incident
	byID   map[string]*Incident
	recent *cache.Cache
	roster map[string]bool
}

func NewTimeline(room string, window time.Duration) *Timeline {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Timeline{
		room:   room,
		now:    time.Now,
		byID:   make(map[string]*Incident),
		recent: cache.New(window, 2*window),
	}
}

func (t *Timeline) Room() string { return t.room }

// SetRoster replaces the room members. Until the first roster any actor is accepted.
func (t *Timeline) SetRoster(users []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roster = make(map[string]bool, len(users))
	for _, u := range users {
		t.roster[u] = true
	}
}

func (t *Timeline) Join(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roster == nil {
		t.roster = make(map[string]bool)
	}
	t.roster[user] = true
}

func (t *Timeline) Leave(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.roster, user)
}

func dedupKey(actor string, tag Tag) string { return actor + "|" + string(tag) }

// Add records the incident and returns the stored record,
// escalated is true when an earlier record took the repeat.
func (t *Timeline) Add(inc Incident) (rec Incident, escalated bool, err error) {
	if inc.Tag == "" {
		return rec, false, ErrNoTag
	}
	if !inc.Level.IsValid() {
		inc.Level = DefaultLevel(inc.Tag)
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roster != nil && !t.roster[inc.ActorID] {
		return rec, false, fmt.Errorf("%w: %v", ErrNotMember, inc.ActorID)
	}

	key := dedupKey(inc.ActorID, inc.Tag)
	if id, ok := t.recent.Get(key); ok {
		if prev := t.byID[id.(string)]; prev != nil && !prev.Resolved {
			prev.EscalationCount++
			if inc.Level.Rank() > prev.Level.Rank() {
				prev.Level = inc.Level
			}
			if inc.SessionStatus != "" {
				prev.SessionStatus = inc.SessionStatus
			}
			t.recent.SetDefault(key, prev.ID)
			return *prev, true, nil
		}
	}

	if inc.ID == "" {
		inc.ID = com.NewUid().String()
	}
	if _, dup := t.byID[inc.ID]; dup {
		inc.ID = com.NewUid().String()
	}
	// the repeats are counted here, not by the sender
	inc.EscalationCount = 0
	inc.Resolved = false
	stored := inc
	t.items = append(t.items, &stored)
	t.byID[stored.ID] = &stored
	t.recent.SetDefault(key, stored.ID)
	return stored, false, nil
}

// Resolve marks the incident as handled, later repeats start a new record.
func (t *Timeline) Resolve(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	inc, ok := t.byID[id]
	if !ok {
		return ErrUnknown
	}
	inc.Resolved = true
	return nil
}

func (t *Timeline) Get(id string) (Incident, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inc, ok := t.byID[id]
	if !ok {
		return Incident{}, false
	}
	return *inc, true
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// All returns the incidents in arrival order.
func (t *Timeline) All() []Incident {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Incident, len(t.items))
	for i, inc := range t.items {
		out[i] = *inc
	}
	return out
}

// Sorted returns the most severe incidents first, then the oldest.
func (t *Timeline) Sorted() []Incident {
	out := t.All()
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Level.Rank(), out[j].Level.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Of returns the incidents of one actor in arrival order.
func (t *Timeline) Of(actor string) []Incident {
	var out []Incident
	for _, inc := range t.All() {
		if inc.ActorID == actor {
			out = append(out, inc)
		}
	}
	return out
}

// Badges counts every occurrence (repeats included) by actor, tag and level.
func (t *Timeline) Badges() map[string]Badge {
	out := make(map[string]Badge)
	for _, inc := range t.All() {
		b, ok := out[inc.ActorID]
		if !ok {
			b = Badge{Tags: make(map[Tag]int), Levels: make(map[Level]int)}
		}
		n := 1 + inc.EscalationCount
		b.Total += n
		b.Tags[inc.Tag] += n
		b.Levels[inc.Level] += n
		out[inc.ActorID] = b
	}
	return out
}

// Handle feeds the timeline from the room messages.
func (t *Timeline) Handle(m api.Message) error {
	switch m.Type {
	case api.Incident:
		_, _, err := t.Add(FromMessage(m))
		return err
	case api.AiAnalysis:
		var result *multierror.Error
		for _, inc := range FromAnalysis(m.Report(), t.now()) {
			if _, _, err := t.Add(inc); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	case api.Roster:
		users := make([]string, 0, len(m.Participants))
		for _, p := range m.Participants {
			users = append(users, p.UserID)
		}
		t.SetRoster(users)
	case api.ParticipantJoined:
		t.Join(m.UserID)
	case api.ParticipantLeft:
		t.Leave(m.UserID)
	}
	return nil
}
