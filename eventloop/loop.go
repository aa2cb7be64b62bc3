// Package eventloop is a single-threaded readiness loop built on epoll.
//
// Every callback registered with a Loop runs on the goroutine that calls
// Run or Dispatch. Other goroutines talk to the loop only through Channel
// values and Stop.
package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	Readable = unix.EPOLLIN
	Writable = unix.EPOLLOUT
	Hangup   = unix.EPOLLHUP
	Error    = unix.EPOLLERR
)

var ErrClosed = errors.New("event loop closed")

// Callback receives the epoll event mask that fired.
type Callback func(events uint32)

type source struct {
	fd int
	cb Callback
}

type Loop struct {
	epfd    int
	wakefd  int
	sources map[int]*source
	idle    []func()
	stopped atomic.Bool
	closed  bool
	events  []unix.EpollEvent
}

func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	l := &Loop{
		epfd:    epfd,
		wakefd:  wakefd,
		sources: make(map[int]*source),
		events:  make([]unix.EpollEvent, 32),
	}
	if err := l.Add(wakefd, Readable, func(uint32) { drainEventfd(wakefd) }); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Add registers fd as a readiness source. The loop does not take ownership
// of fd.
func (l *Loop) Add(fd int, events uint32, cb Callback) error {
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.sources[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	l.sources[fd] = &source{fd: fd, cb: cb}
	return nil
}

func (l *Loop) Remove(fd int) error {
	if _, ok := l.sources[fd]; !ok {
		return nil
	}
	delete(l.sources, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Idle queues fn to run once the current dispatch finished handling events.
func (l *Loop) Idle(fn func()) {
	l.idle = append(l.idle, fn)
}

// Dispatch waits up to timeout for readiness and runs the callbacks that
// fired. A negative timeout blocks.
func (l *Loop) Dispatch(timeout time.Duration) error {
	if l.closed {
		return ErrClosed
	}
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	if len(l.idle) > 0 {
		msec = 0
	}

	n, err := unix.EpollWait(l.epfd, l.events, msec)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := l.events[i]
		// a callback earlier in this batch may have removed the source
		src, ok := l.sources[int(ev.Fd)]
		if !ok {
			continue
		}
		src.cb(ev.Events)
	}

	for len(l.idle) > 0 {
		idle := l.idle
		l.idle = nil
		for _, fn := range idle {
			fn()
		}
	}
	return nil
}

// Run dispatches until Stop is called. A stopped loop stays stopped.
func (l *Loop) Run() error {
	for !l.stopped.Load() {
		if err := l.Dispatch(-1); err != nil {
			return err
		}
	}
	return nil
}

// Stop makes Run return after the current dispatch. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.wake()
}

func (l *Loop) wake() {
	signalEventfd(l.wakefd)
}

func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.sources = nil
	unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}

func drainEventfd(fd int) uint64 {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n != 8 {
		return 0
	}
	return binary.NativeEndian.Uint64(buf[:])
}

func signalEventfd(fd int) {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(fd, buf[:])
}
