package eventloop

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Channel carries values from arbitrary goroutines into the loop. The
// handler always runs on the loop goroutine, in send order.
type Channel[T any] struct {
	loop   *Loop
	efd    int
	fn     func(T)
	mu     sync.Mutex
	queue  []T
	closed bool
}

func NewChannel[T any](l *Loop, fn func(T)) (*Channel[T], error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	c := &Channel[T]{loop: l, efd: efd, fn: fn}
	if err := l.Add(efd, Readable, c.ready); err != nil {
		unix.Close(efd)
		return nil, err
	}
	return c, nil
}

// Send queues v. Values sent after Close are dropped.
func (c *Channel[T]) Send(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, v)
	signalEventfd(c.efd)
}

func (c *Channel[T]) ready(uint32) {
	drainEventfd(c.efd)

	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, v := range queue {
		c.fn(v)
	}
}

func (c *Channel[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.queue = nil
	c.loop.Remove(c.efd)
	return unix.Close(c.efd)
}
