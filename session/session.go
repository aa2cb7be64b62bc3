// Package session brokers access to privileged device nodes.
package session

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DRMMajor is the character major of /dev/dri/card* nodes.
const DRMMajor = 226

var (
	ErrNoSeat     = errors.New("session: no active seat")
	ErrPermission = errors.New("session: permission denied")
)

// Error is a refused device open or session setup step.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("session %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type EventKind int

const (
	// Paused means the device must not be used until Resumed. The receiver
	// acknowledges with PauseComplete.
	Paused EventKind = iota
	Resumed
	// ActiveChanged reports the session gaining or losing the seat.
	ActiveChanged
)

func (k EventKind) String() string {
	switch k {
	case Paused:
		return "paused"
	case Resumed:
		return "resumed"
	case ActiveChanged:
		return "active-changed"
	}
	return "unknown"
}

type Event struct {
	Kind         EventKind
	Major, Minor uint32
	Active       bool
	// Master is set when the receiver handles DRM master itself: drop it on
	// pause, set it again on resume.
	Master bool
}

// Session opens device nodes on behalf of the compositor and tracks
// whether it currently owns the hardware.
//
// Listeners are called from the session's own goroutine.
type Session interface {
	Open(path string, flags int) (*os.File, error)
	Close(f *os.File) error
	ChangeVT(vt int) error
	IsActive() bool
	Seat() string
	Listen(fn func(Event))
	PauseComplete(major, minor uint32) error
	Destroy() error
}

func devnum(path string) (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return 0, 0, fmt.Errorf("%s is not a character device", path)
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}

func fileDevnum(f *os.File) (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, 0, err
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}

func permission(err error) error {
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return err
}
