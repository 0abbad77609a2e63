package media

import (
	"io"
	"sync"

	"github.com/examwatch/proctor/pkg/api"
)

const branchBuffer = 64

// Fanout lets several consumers read one capture source, e.g. the media
// connection and the recorder. A slow branch loses samples, the others don't wait.
type Fanout struct {
	src Source

	mu       sync.Mutex
	branches map[*branch]struct{}
	err      error
	started  bool
}

func NewFanout(src Source) *Fanout {
	return &Fanout{src: src, branches: make(map[*branch]struct{})}
}

// Branch returns a new reader of the source. The first branch starts the reading.
func (f *Fanout) Branch() Source {
	b := &branch{f: f, ch: make(chan Sample, branchBuffer), done: make(chan struct{})}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		close(b.done)
		return b
	}
	f.branches[b] = struct{}{}
	if !f.started {
		f.started = true
		go f.pump()
	}
	return b
}

func (f *Fanout) pump() {
	for {
		s, err := f.src.ReadSample()
		f.mu.Lock()
		if err != nil {
			f.err = err
			for b := range f.branches {
				delete(f.branches, b)
				close(b.done)
			}
			f.mu.Unlock()
			return
		}
		for b := range f.branches {
			select {
			case b.ch <- s:
			default:
			}
		}
		f.mu.Unlock()
	}
}

func (f *Fanout) remove(b *branch) {
	f.mu.Lock()
	if _, ok := f.branches[b]; ok {
		delete(f.branches, b)
		close(b.done)
	}
	f.mu.Unlock()
}

// Close releases the device, every branch ends.
func (f *Fanout) Close() error { return f.src.Close() }

type branch struct {
	f    *Fanout
	ch   chan Sample
	done chan struct{}
}

func (b *branch) ID() string       { return b.f.src.ID() }
func (b *branch) Kind() api.Kind   { return b.f.src.Kind() }
func (b *branch) Label() api.Label { return b.f.src.Label() }

func (b *branch) ReadSample() (Sample, error) {
	select {
	case s := <-b.ch:
		return s, nil
	case <-b.done:
		// what is buffered is still delivered
		select {
		case s := <-b.ch:
			return s, nil
		default:
		}
		return Sample{}, io.EOF
	}
}

// Close detaches the branch only, the source keeps running for the others.
func (b *branch) Close() error { b.f.remove(b); return nil }
