package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
)

// Sender is where the incidents go, the signaling channel usually.
type Sender interface {
	Send(m api.Message) bool
}

type loop struct {
	d     Detector
	every time.Duration
}

// Pipeline runs the detectors, debounces their readings and sends the incidents out.
type Pipeline struct {
	by    string
	out   Sender
	latch *Latch
	now   func() time.Time
	log   *logger.Logger

	mu         sync.Mutex
	loops      []loop
	rechecks   bool
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	onIncident func(Incident)
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }
func WithLogger(log *logger.Logger) Option  { return func(p *Pipeline) { p.log = log } }

// WithCooldown limits how often the tag may fire.
func WithCooldown(t Tag, d time.Duration) Option {
	return func(p *Pipeline) {
		p.latch.SetCooldown(t, d)
		if d > 0 && !p.rechecks {
			p.rechecks = true
			p.loops = append(p.loops, loop{d: recheck{p}, every: recheckEvery})
		}
	}
}

const recheckEvery = time.Second

// recheck feeds back the conditions held by a cooldown.
type recheck struct{ p *Pipeline }

func (r recheck) Name() string { return "cooldown" }
func (r recheck) Evaluate(context.Context) ([]Observation, error) {
	return r.p.latch.Held(r.p.now()), nil
}

func NewPipeline(by string, out Sender, opts ...Option) *Pipeline {
	p := &Pipeline{by: by, out: out, latch: NewLatch(), now: time.Now, log: logger.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Tagged(logger.UserField, by)
	return p
}

// Add registers a polled detector. The next evaluation is scheduled
// after the previous one completes, every <= 0 means a single run.
func (p *Pipeline) Add(d Detector, every time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loops = append(p.loops, loop{d: d, every: every})
	if p.running {
		p.spawn(loop{d: d, every: every})
	}
}

func (p *Pipeline) spawn(l loop) {
	p.wg.Add(1)
	go p.run(p.ctx, l)
}

// Attach connects an event driven source, its observations are handled right away.
func (p *Pipeline) Attach(src EventSource) { src.Attach(p.Observe) }

// OnIncident is called for each transmitted incident.
func (p *Pipeline) OnIncident(fn func(Incident)) {
	p.mu.Lock()
	p.onIncident = fn
	p.mu.Unlock()
}

func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for _, l := range p.loops {
		p.spawn(l)
	}
}

// Stop cancels the loops and waits for them.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	p.latch.Reset()
	return nil
}

// Recheck sends the incidents of the conditions that stayed on
// through a cooldown, the running pipeline does it every second.
func (p *Pipeline) Recheck() {
	for _, o := range p.latch.Held(p.now()) {
		p.Observe(o)
	}
}

// Observe debounces one reading and sends an incident for it if needed.
func (p *Pipeline) Observe(o Observation) {
	now := p.now()
	if !p.latch.Observe(o, now) {
		return
	}
	inc := Incident{Tag: o.Tag, Level: o.level(), Note: o.Note, Timestamp: now, ActorID: p.by}
	if !p.out.Send(inc.Message()) {
		p.log.Warn().Str(logger.TagField, string(inc.Tag)).Msg("incident is not sent")
	} else {
		p.log.Info().Str(logger.TagField, string(inc.Tag)).Str("level", string(inc.Level)).Msg(inc.Note)
	}
	p.mu.Lock()
	fn := p.onIncident
	p.mu.Unlock()
	if fn != nil {
		fn(inc)
	}
}

func (p *Pipeline) run(ctx context.Context, l loop) {
	defer p.wg.Done()
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		p.evaluate(ctx, l.d)
		if l.every <= 0 {
			return
		}
		t.Reset(l.every)
	}
}

// evaluate runs the detector once, an error or a panic only skips this round.
func (p *Pipeline) evaluate(ctx context.Context, d Detector) {
	defer func() {
		if r := recover(); r != nil {
			err := api.Fail(api.Detector, d.Name(), fmt.Errorf("panic: %v", r))
			p.log.Error().Err(err).Msg("detector crashed")
		}
	}()
	obs, err := d.Evaluate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn().Err(api.Fail(api.Detector, d.Name(), err)).Msg("detector")
		}
		return
	}
	for _, o := range obs {
		p.Observe(o)
	}
}
