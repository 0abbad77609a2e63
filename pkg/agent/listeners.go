package agent

import (
	"sync"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/signal"
)

// listeners lets several parts of the participant handle the same message type,
// the channel itself keeps one handler per type.
type listeners struct {
	*signal.Channel

	mu       sync.Mutex
	handlers map[api.Type][]signal.Handler
}

func newListeners(ch *signal.Channel) *listeners {
	return &listeners{Channel: ch, handlers: make(map[api.Type][]signal.Handler)}
}

func (l *listeners) On(t api.Type, h signal.Handler) {
	l.mu.Lock()
	first := len(l.handlers[t]) == 0
	l.handlers[t] = append(l.handlers[t], h)
	l.mu.Unlock()
	if first {
		l.Channel.On(t, func(m api.Message) { l.dispatch(t, m) })
	}
}

func (l *listeners) dispatch(t api.Type, m api.Message) {
	l.mu.Lock()
	hs := l.handlers[t]
	l.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}
