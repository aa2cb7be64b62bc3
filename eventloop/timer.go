package eventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a periodic timerfd source.
type Timer struct {
	loop *Loop
	fd   int
}

func NewTimer(l *Loop, interval time.Duration, fn func(expirations uint64)) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	t := &Timer{loop: l, fd: fd}
	if err := t.Reset(interval); err != nil {
		unix.Close(fd)
		return nil, err
	}
	err = l.Add(fd, Readable, func(uint32) {
		if n := drainEventfd(fd); n > 0 {
			fn(n)
		}
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// Reset rearms the timer; a zero interval disarms it.
func (t *Timer) Reset(interval time.Duration) error {
	ts := unix.NsecToTimespec(interval.Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

func (t *Timer) Close() error {
	t.loop.Remove(t.fd)
	return unix.Close(t.fd)
}
