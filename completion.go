package swarmcache

import (
	"context"
	"time"

	"github.com/anacrolix/chansync"
)

// Completion is a one-shot signal that a retrieved session has all of its content. The zero value
// is ready to use.
type Completion struct {
	done chansync.SetOnce
}

func NewCompletion() *Completion {
	return &Completion{}
}

// Done is closed once the content is complete.
func (c *Completion) Done() <-chan struct{} {
	return c.done.Done()
}

func (c *Completion) IsSet() bool {
	return c.done.IsSet()
}

// Wait blocks until completion or until ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout reports whether completion occurred within d.
func (c *Completion) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done.Done():
		return true
	case <-t.C:
		return false
	}
}

func (c *Completion) set() bool {
	return c.done.Set()
}
