// Package stopper provides a cooperative-cancellation context used to
// coordinate graceful shutdown of the background goroutines that make
// up a sync loop. It generalizes the stopper.Context pattern relied
// upon throughout the sync loop and source adapters: a context that
// can be asked to stop, a Go() helper that tracks goroutines spawned
// against it, and a Stopped() channel that closes once every tracked
// goroutine has returned.
package stopper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Context wraps a context.Context with a goroutine group and a
// two-phase shutdown: Stop first closes the "stopping" channel so that
// in-flight work can wind down on its own terms, then cancels the
// underlying context once the grace period elapses or every tracked
// goroutine has exited, whichever comes first.
type Context struct {
	context.Context

	cancel context.CancelFunc

	mu struct {
		sync.Mutex
		wg      sync.WaitGroup
		stopped chan struct{}
	}

	stopping chan struct{}
	once     sync.Once
}

// WithContext returns a new Context derived from parent.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	ret := &Context{
		Context:  ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
	ret.mu.stopped = make(chan struct{})
	return ret
}

// Go runs fn in a tracked goroutine. If fn returns a non-nil error,
// the Context is canceled so that sibling goroutines can observe the
// failure via Done().
func (c *Context) Go(fn func() error) {
	c.mu.Lock()
	c.mu.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.mu.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			c.cancel()
		}
	}()
}

// Stopping returns a channel that is closed when Stop or Stopped is
// first called.
// Long-running loops should select on this to begin winding down
// without being abruptly canceled mid-write.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopping
}

// Stop requests a graceful shutdown: Stopping() closes immediately,
// and the underlying context is canceled after grace elapses or all
// tracked goroutines exit, whichever is first.
func (c *Context) Stop(grace time.Duration) {
	c.once.Do(func() {
		close(c.stopping)
		go func() {
			c.mu.wg.Wait()
			close(c.mu.stopped)
		}()
	})

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.mu.stopped:
	case <-timer.C:
	}
	c.cancel()
}

// Stopped returns a channel that closes once every goroutine started
// via Go has returned. If Stop has not been called yet, the first call
// to Stopped also closes Stopping().
func (c *Context) Stopped() <-chan struct{} {
	c.once.Do(func() {
		close(c.stopping)
		go func() {
			c.mu.wg.Wait()
			close(c.mu.stopped)
		}()
	})
	return c.mu.stopped
}
