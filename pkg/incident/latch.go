package incident

import (
	"sync"
	"time"
)

// Latch lets a tag fire once per occurrence of its condition:
// it fires when the condition turns on and stays silent until it is seen off.
// A cooldown additionally limits how often a tag can fire at all, a condition
// that turns on during the cooldown is held until the cooldown is over.
type Latch struct {
	mu       sync.Mutex
	active   map[Tag]bool
	fired    map[Tag]time.Time
	held     map[Tag]Observation
	cooldown map[Tag]time.Duration
}

func NewLatch() *Latch {
	return &Latch{
		active:   make(map[Tag]bool),
		fired:    make(map[Tag]time.Time),
		held:     make(map[Tag]Observation),
		cooldown: make(map[Tag]time.Duration),
	}
}

func (l *Latch) SetCooldown(t Tag, d time.Duration) {
	l.mu.Lock()
	l.cooldown[t] = d
	l.mu.Unlock()
}

// Observe returns true when the observation should become an incident.
func (l *Latch) Observe(o Observation, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !o.Active {
		l.active[o.Tag] = false
		delete(l.held, o.Tag)
		return false
	}
	if l.active[o.Tag] {
		return false
	}
	if cd := l.cooldown[o.Tag]; cd > 0 {
		if last, ok := l.fired[o.Tag]; ok && now.Sub(last) < cd {
			l.held[o.Tag] = o
			return false
		}
	}
	delete(l.held, o.Tag)
	l.active[o.Tag] = true
	l.fired[o.Tag] = now
	return true
}

// Held returns the conditions that came on during a cooldown
// which is over by now and were not seen off since.
func (l *Latch) Held(now time.Time) []Observation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Observation
	for tag, o := range l.held {
		if now.Sub(l.fired[tag]) >= l.cooldown[tag] {
			out = append(out, o)
		}
	}
	return out
}

// Reset forgets everything, used when the session starts over.
func (l *Latch) Reset() {
	l.mu.Lock()
	l.active = make(map[Tag]bool)
	l.fired = make(map[Tag]time.Time)
	l.held = make(map[Tag]Observation)
	l.mu.Unlock()
}
