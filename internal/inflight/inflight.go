// Package inflight counts control requests that a drain must wait for.
package inflight

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks in-flight requests. The zero value is ready to use.
type Counter struct {
	mu    sync.Mutex
	count int64
	idle  chan struct{} // closed while count is zero
}

func (c *Counter) idleLocked() chan struct{} {
	if c.idle == nil {
		c.idle = make(chan struct{})
		if c.count == 0 {
			close(c.idle)
		}
	}
	return c.idle
}

func (c *Counter) Inc() {
	c.mu.Lock()
	c.idleLocked()
	if c.count == 0 {
		c.idle = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

func (c *Counter) Dec() {
	c.mu.Lock()
	c.idleLocked()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.idle)
		}
	}
	c.mu.Unlock()
}

func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until no request is in flight or ctx ends. It reports
// whether the counter reached zero.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.idleLocked()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts each request for its whole duration.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Inc()
			defer c.Dec()
			next.ServeHTTP(w, r)
		})
	}
}
