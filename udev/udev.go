// Package udev reads kernel uevents from the netlink socket.
package udev

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type Action string

const (
	Add    Action = "add"
	Remove Action = "remove"
	Change Action = "change"
)

// Event is one uevent. Env holds every KEY=VALUE pair of the message.
type Event struct {
	Action    Action
	DevPath   string
	Subsystem string
	DevName   string
	Major     uint32
	Minor     uint32
	Env       map[string]string
}

// Hotplug reports a connector change notification on a DRM card.
func (e *Event) Hotplug() bool {
	return e.Subsystem == "drm" && e.Action == Change && e.Env["HOTPLUG"] == "1"
}

var errNotKernel = errors.New("udev: not a kernel uevent")

// ParseEvent decodes a kernel uevent datagram. Messages rebroadcast by the
// udev daemon carry a "libudev" header and are rejected.
func ParseEvent(buf []byte) (*Event, error) {
	fields := bytes.Split(bytes.TrimRight(buf, "\x00"), []byte{0})
	if len(fields) == 0 {
		return nil, errNotKernel
	}
	head := string(fields[0])
	if head == "libudev" || !strings.Contains(head, "@") {
		return nil, errNotKernel
	}

	ev := &Event{Env: make(map[string]string, len(fields)-1)}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(string(f), "=")
		if !ok {
			continue
		}
		ev.Env[k] = v
	}
	ev.Action = Action(ev.Env["ACTION"])
	ev.DevPath = ev.Env["DEVPATH"]
	ev.Subsystem = ev.Env["SUBSYSTEM"]
	ev.DevName = ev.Env["DEVNAME"]
	if ev.Action == "" {
		action, path, _ := strings.Cut(head, "@")
		ev.Action, ev.DevPath = Action(action), path
	}
	if s, ok := ev.Env["MAJOR"]; ok {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("udev: bad MAJOR %q", s)
		}
		ev.Major = uint32(n)
	}
	if s, ok := ev.Env["MINOR"]; ok {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("udev: bad MINOR %q", s)
		}
		ev.Minor = uint32(n)
	}
	return ev, nil
}

// Monitor is a non-blocking uevent socket for use with an event loop.
type Monitor struct {
	fd  int
	buf []byte
}

const kernelGroup = 1

func NewMonitor() (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("uevent socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uevent bind: %w", err)
	}
	return &Monitor{fd: fd, buf: make([]byte, 8192)}, nil
}

func (m *Monitor) Fd() int { return m.fd }

// Read drains pending datagrams and returns the kernel events among them.
func (m *Monitor) Read() ([]*Event, error) {
	var out []*Event
	for {
		n, _, err := unix.Recvfrom(m.fd, m.buf, 0)
		if errors.Is(err, unix.EAGAIN) {
			return out, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("uevent read: %w", err)
		}
		ev, err := ParseEvent(m.buf[:n])
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
}

func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}
