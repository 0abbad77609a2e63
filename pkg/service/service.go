// Package service runs the parts of a process that serve in the background.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Runnable serves in the background after Run until Shutdown.
type Runnable interface {
	Run()
	Shutdown(ctx context.Context) error
}

// Group starts its services in the order they were added
// and stops them in the reverse one.
type Group struct {
	mu      sync.Mutex
	list    []Runnable
	running int
}

func (g *Group) Add(services ...Runnable) {
	g.mu.Lock()
	g.list = append(g.list, services...)
	g.mu.Unlock()
}

// Start runs the services that are not running yet.
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ; g.running < len(g.list); g.running++ {
		g.list[g.running].Run()
	}
}

// Shutdown stops every running service even when some of them fail.
// A cancelled context is not an error.
func (g *Group) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	running := g.list[:g.running]
	g.running = 0
	g.mu.Unlock()

	var result *multierror.Error
	for i := len(running) - 1; i >= 0; i-- {
		s := running[i]
		if err := s.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, fmt.Errorf("stop %v: %w", s, err))
		}
	}
	return result.ErrorOrNil()
}
