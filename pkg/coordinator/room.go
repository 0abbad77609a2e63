package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/network/websocket"
)

// member is a joined participant with its connection.
type member struct {
	api.Participant
	conn   *websocket.Connection
	joined time.Time
}

func (m *member) send(data []byte) bool { return m.conn.Write(data) }

// Room is a set of participants with unique ids.
// It is created on the first join and removed after the last leave.
type Room struct {
	ID      string
	created time.Time

	mu      sync.RWMutex
	members map[string]*member
}

func newRoom(id string) *Room {
	return &Room{ID: id, created: time.Now(), members: make(map[string]*member)}
}

// add puts the member into the room and returns the one it replaced.
func (r *Room) add(m *member) (prev *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.members[m.UserID]
	r.members[m.UserID] = m
	return
}

// remove takes out the member only if it is still bound to the connection.
func (r *Room) remove(user string, conn *websocket.Connection) (*member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[user]
	if !ok || m.conn != conn {
		return nil, false
	}
	delete(r.members, user)
	return m, true
}

func (r *Room) get(user string) (*member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[user]
	return m, ok
}

func (r *Room) isEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// Roster lists the participants ordered by their join time.
func (r *Room) Roster() []api.Participant {
	r.mu.RLock()
	list := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		list = append(list, m)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].joined.Before(list[j].joined) })
	out := make([]api.Participant, len(list))
	for i, m := range list {
		out[i] = m.Participant
	}
	return out
}

// deliver sends the data to the target or, without one,
// to everybody except the sender. Returns the number of queued copies and drops.
func (r *Room) deliver(from, to string, data []byte) (sent, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if to != "" {
		if m, ok := r.members[to]; ok {
			if m.send(data) {
				return 1, 0
			}
			return 0, 1
		}
		return
	}
	for id, m := range r.members {
		if id == from {
			continue
		}
		if m.send(data) {
			sent++
		} else {
			dropped++
		}
	}
	return
}
