// Package input passes raw evdev events through without interpreting them.
package input

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Event is one struct input_event.
type Event struct {
	Device string
	Time   time.Duration
	Type   uint16
	Code   uint16
	Value  int32
}

// linux/input-event-codes.h
const (
	EvSyn = 0x00
	EvKey = 0x01
	EvRel = 0x02
	EvAbs = 0x03
)

// eventSize is sizeof(struct input_event) with a 64-bit timeval.
const eventSize = 24

// Decode splits buf into events. A trailing partial event is ignored.
func Decode(device string, buf []byte) []Event {
	out := make([]Event, 0, len(buf)/eventSize)
	for len(buf) >= eventSize {
		sec := int64(binary.NativeEndian.Uint64(buf[0:8]))
		usec := int64(binary.NativeEndian.Uint64(buf[8:16]))
		out = append(out, Event{
			Device: device,
			Time:   time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
			Type:   binary.NativeEndian.Uint16(buf[16:18]),
			Code:   binary.NativeEndian.Uint16(buf[18:20]),
			Value:  int32(binary.NativeEndian.Uint32(buf[20:24])),
		})
		buf = buf[eventSize:]
	}
	return out
}

// Opener is the session broker that hands out device nodes.
type Opener interface {
	Open(path string, flags int) (*os.File, error)
	Close(f *os.File) error
}

// Device is an open evdev node.
type Device struct {
	Path string
	Name string
	file *os.File
	buf  []byte
}

func (d *Device) Fd() int { return int(d.file.Fd()) }

// Read drains the node and hands every event to fn.
func (d *Device) Read(fn func(Event)) error {
	for {
		n, err := unix.Read(d.Fd(), d.buf)
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", d.Path, err)
		}
		if n == 0 {
			return nil
		}
		for _, ev := range Decode(d.Path, d.buf[:n]) {
			fn(ev)
		}
	}
}

// EVIOCGNAME(256)
const eviocgName = 2<<30 | 256<<16 | 'E'<<8 | 0x06

func deviceName(fd int) string {
	var name [256]byte
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocgName, uintptr(unsafe.Pointer(&name[0])))
	if errno != 0 {
		return ""
	}
	for i, c := range name {
		if c == 0 {
			return string(name[:i])
		}
	}
	return string(name[:])
}

// Manager owns the set of open input devices.
type Manager struct {
	opener  Opener
	devices map[string]*Device
	log     *zap.SugaredLogger
}

func NewManager(opener Opener, log *zap.SugaredLogger) *Manager {
	return &Manager{opener: opener, devices: make(map[string]*Device), log: log}
}

// Scan opens every /dev/input/event* node under dir. Nodes that cannot be
// opened are skipped.
func (m *Manager) Scan(dir string) []*Device {
	paths, _ := filepath.Glob(filepath.Join(dir, "event*"))
	sort.Strings(paths)
	var out []*Device
	for _, p := range paths {
		d, err := m.Add(p)
		if err != nil {
			m.log.Warnw("skipping input device", "path", p, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out
}

func (m *Manager) Add(path string) (*Device, error) {
	if d, ok := m.devices[path]; ok {
		return d, nil
	}
	f, err := m.opener.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		return nil, err
	}
	d := &Device{Path: path, file: f, buf: make([]byte, eventSize*64)}
	d.Name = deviceName(d.Fd())
	m.devices[path] = d
	m.log.Infow("input device added", "path", path, "name", d.Name)
	return d, nil
}

// Remove closes the device at path and returns it, or nil if unknown.
func (m *Manager) Remove(path string) *Device {
	d, ok := m.devices[path]
	if !ok {
		return nil
	}
	delete(m.devices, path)
	if err := m.opener.Close(d.file); err != nil {
		m.log.Warnw("close input device", "path", path, "error", err)
	}
	m.log.Infow("input device removed", "path", path)
	return d
}

func (m *Manager) Devices() []*Device {
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *Manager) Close() {
	for path := range m.devices {
		m.Remove(path)
	}
}
