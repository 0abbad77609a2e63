package network

import (
	"context"
	"time"
)

// Retry holds a linear back-off: the n-th failure waits base × n.
type Retry struct {
	base    time.Duration
	attempt int
}

func NewRetry(base time.Duration) Retry { return Retry{base: base} }

// Fail counts a failed attempt and waits for the back-off or the context.
func (r *Retry) Fail(ctx context.Context) error {
	r.attempt++
	t := time.NewTimer(r.Time())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Retry) Success()            { r.attempt = 0 }
func (r *Retry) Attempt() int        { return r.attempt }
func (r *Retry) Time() time.Duration { return r.base * time.Duration(r.attempt) }
