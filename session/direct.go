package session

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// linux/vt.h and linux/kd.h
const (
	vtGetState = 0x5603
	vtSetMode  = 0x5602
	vtActivate = 0x5606
	vtRelDisp  = 0x5605
	kdSetMode  = 0x4b3a

	vtAuto    = 0
	vtProcess = 1
	vtAckAcq  = 2

	kdText     = 0
	kdGraphics = 1
)

type vtMode struct {
	mode   int8
	waitv  int8
	relsig int16
	acqsig int16
	frsig  int16
}

type vtStat struct {
	active uint16
	signal uint16
	state  uint16
}

// Direct drives the VT itself and opens devices with the process's own
// privileges. It needs root or equivalent capabilities.
type Direct struct {
	tty  *os.File
	vt   int
	sigs chan os.Signal
	log  *zap.SugaredLogger

	// reldisp acknowledges a VT release or acquire.
	reldisp func(arg int) error

	active atomic.Bool

	mu       sync.Mutex
	devices  map[uint64]*os.File
	pending  map[uint64]bool
	listener func(Event)
}

var _ Session = (*Direct)(nil)

// NewDirect takes over the VT named by XDG_VTNR, or the active one, in
// graphics mode with process-controlled switching.
func NewDirect(log *zap.SugaredLogger) (*Direct, error) {
	vt, err := currentVT()
	if err != nil {
		return nil, &Error{Op: "find vt", Err: permission(err)}
	}
	path := fmt.Sprintf("/dev/tty%d", vt)
	tty, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: permission(err)}
	}
	fd := int(tty.Fd())

	if err := unix.IoctlSetInt(fd, kdSetMode, kdGraphics); err != nil {
		tty.Close()
		return nil, &Error{Op: "KDSETMODE", Path: path, Err: permission(err)}
	}
	d := newDirect(log)
	d.tty = tty
	d.vt = vt
	d.reldisp = func(arg int) error { return unix.IoctlSetInt(fd, vtRelDisp, arg) }

	d.sigs = make(chan os.Signal, 4)
	signal.Notify(d.sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	mode := vtMode{mode: vtProcess, relsig: int16(syscall.SIGUSR1), acqsig: int16(syscall.SIGUSR2)}
	if err := vtIoctl(fd, vtSetMode, unsafe.Pointer(&mode)); err != nil {
		signal.Stop(d.sigs)
		unix.IoctlSetInt(fd, kdSetMode, kdText)
		tty.Close()
		return nil, &Error{Op: "VT_SETMODE", Path: path, Err: permission(err)}
	}
	go d.watch()
	log.Infow("direct session", "vt", vt)
	return d, nil
}

func newDirect(log *zap.SugaredLogger) *Direct {
	d := &Direct{
		log:     log,
		devices: make(map[uint64]*os.File),
		pending: make(map[uint64]bool),
	}
	d.active.Store(true)
	return d
}

func currentVT() (int, error) {
	if s := os.Getenv("XDG_VTNR"); s != "" {
		return strconv.Atoi(s)
	}
	f, err := os.OpenFile("/dev/tty0", os.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var st vtStat
	if err := vtIoctl(int(f.Fd()), vtGetState, unsafe.Pointer(&st)); err != nil {
		return 0, err
	}
	return int(st.active), nil
}

func vtIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *Direct) watch() {
	for sig := range d.sigs {
		switch sig {
		case syscall.SIGUSR1:
			d.release()
		case syscall.SIGUSR2:
			d.acquire()
		}
	}
}

// release pauses every DRM device; the VT is handed over once each has
// been acknowledged through PauseComplete.
func (d *Direct) release() {
	d.active.Store(false)
	d.mu.Lock()
	var paused []uint64
	for key := range d.devices {
		if unix.Major(key) == DRMMajor {
			d.pending[key] = true
			paused = append(paused, key)
		}
	}
	d.mu.Unlock()

	d.log.Info("vt release requested")
	if len(paused) == 0 {
		d.ack(1)
		return
	}
	for _, key := range paused {
		d.emit(Event{Kind: Paused, Major: unix.Major(key), Minor: unix.Minor(key), Master: true})
	}
}

func (d *Direct) acquire() {
	d.ack(vtAckAcq)
	d.active.Store(true)
	d.mu.Lock()
	var resumed []uint64
	for key := range d.devices {
		if unix.Major(key) == DRMMajor {
			resumed = append(resumed, key)
		}
	}
	d.mu.Unlock()

	d.log.Info("vt acquired")
	for _, key := range resumed {
		d.emit(Event{Kind: Resumed, Major: unix.Major(key), Minor: unix.Minor(key), Master: true})
	}
}

func (d *Direct) ack(arg int) {
	if d.reldisp == nil {
		return
	}
	if err := d.reldisp(arg); err != nil {
		d.log.Errorw("VT_RELDISP failed", "arg", arg, "error", err)
	}
}

func (d *Direct) PauseComplete(major, minor uint32) error {
	key := unix.Mkdev(major, minor)
	d.mu.Lock()
	if !d.pending[key] {
		d.mu.Unlock()
		return nil
	}
	delete(d.pending, key)
	done := len(d.pending) == 0
	d.mu.Unlock()
	if done {
		d.ack(1)
	}
	return nil
}

func (d *Direct) Open(path string, flags int) (*os.File, error) {
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: permission(err)}
	}
	if major, minor, err := fileDevnum(f); err == nil {
		d.mu.Lock()
		d.devices[unix.Mkdev(major, minor)] = f
		d.mu.Unlock()
	}
	return f, nil
}

func (d *Direct) Close(f *os.File) error {
	if major, minor, err := fileDevnum(f); err == nil {
		d.mu.Lock()
		delete(d.devices, unix.Mkdev(major, minor))
		d.mu.Unlock()
	}
	return f.Close()
}

func (d *Direct) ChangeVT(vt int) error {
	if d.tty == nil {
		return nil
	}
	if err := unix.IoctlSetInt(int(d.tty.Fd()), vtActivate, vt); err != nil {
		return &Error{Op: "VT_ACTIVATE", Err: err}
	}
	return nil
}

func (d *Direct) IsActive() bool { return d.active.Load() }

func (d *Direct) Seat() string { return "seat0" }

func (d *Direct) Listen(fn func(Event)) {
	d.mu.Lock()
	d.listener = fn
	d.mu.Unlock()
}

func (d *Direct) emit(ev Event) {
	d.mu.Lock()
	fn := d.listener
	d.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Destroy gives the VT back to the kernel in text mode.
func (d *Direct) Destroy() error {
	if d.sigs != nil {
		signal.Stop(d.sigs)
		close(d.sigs)
	}
	if d.tty == nil {
		return nil
	}
	fd := int(d.tty.Fd())
	mode := vtMode{mode: vtAuto}
	if err := vtIoctl(fd, vtSetMode, unsafe.Pointer(&mode)); err != nil {
		d.log.Warnw("restore VT mode", "error", err)
	}
	if err := unix.IoctlSetInt(fd, kdSetMode, kdText); err != nil {
		d.log.Warnw("restore text mode", "error", err)
	}
	return d.tty.Close()
}
