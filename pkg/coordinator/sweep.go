package coordinator

import (
	"context"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically forgets the idle escalation state
// and refreshes the room gauges.
type Sweeper struct {
	cron *cron.Cron
	hub  *Hub
	idle time.Duration
	log  *logger.Logger
}

func NewSweeper(hub *Hub, schedule string, idle time.Duration, log *logger.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{cron: cron.New(cron.WithLocation(time.UTC)), hub: hub, idle: idle, log: log}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Sweep runs one pass.
func (s *Sweeper) Sweep() {
	n := 0
	if s.idle > 0 {
		n = s.hub.rules.Sweep(s.idle)
	}
	rooms, roles := s.hub.Stats()
	s.hub.metrics.Rooms.Set(float64(rooms))
	for _, role := range []api.Role{api.Candidate, api.Proctor} {
		s.hub.metrics.Participants.WithLabelValues(string(role)).Set(float64(roles[role]))
	}
	s.log.Debug().Int("rooms", rooms).Int("forgotten", n).Msg("sweep")
}

func (s *Sweeper) Run() { s.cron.Start() }

func (s *Sweeper) Shutdown(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) String() string { return "sweeper" }
