package session

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	login1Dest    = "org.freedesktop.login1"
	login1Path    = dbus.ObjectPath("/org/freedesktop/login1")
	managerIface  = "org.freedesktop.login1.Manager"
	sessionIface  = "org.freedesktop.login1.Session"
	seatIface     = "org.freedesktop.login1.Seat"
	propertiesSig = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// Logind takes devices through systemd-logind so the compositor can run
// unprivileged.
type Logind struct {
	conn    *dbus.Conn
	session dbus.BusObject
	seat    dbus.BusObject
	path    dbus.ObjectPath
	seatID  string
	signals chan *dbus.Signal
	log     *zap.SugaredLogger

	active atomic.Bool

	mu       sync.Mutex
	devices  map[uint64]*os.File
	pending  map[uint64]bool
	listener func(Event)
}

var _ Session = (*Logind)(nil)

// NewLogind attaches to the caller's logind session and takes control of
// it. It fails with ErrNoSeat when the session has no seat.
func NewLogind(log *zap.SugaredLogger) (*Logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, &Error{Op: "connect system bus", Err: err}
	}
	l, err := attachLogind(conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func attachLogind(conn *dbus.Conn, log *zap.SugaredLogger) (*Logind, error) {
	manager := conn.Object(login1Dest, login1Path)

	var path dbus.ObjectPath
	var err error
	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		err = manager.Call(managerIface+".GetSession", 0, id).Store(&path)
	} else {
		err = manager.Call(managerIface+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path)
	}
	if err != nil {
		return nil, &Error{Op: "get session", Err: fmt.Errorf("%w: %w", ErrNoSeat, err)}
	}

	l := newLogind(conn.Object(login1Dest, path), path, log)
	l.conn = conn
	if err := l.init(func(seat dbus.ObjectPath) dbus.BusObject {
		return conn.Object(login1Dest, seat)
	}); err != nil {
		return nil, err
	}

	err = conn.BusObject().AddMatchSignal(sessionIface, "PauseDevice", dbus.WithMatchObjectPath(path)).Err
	if err == nil {
		err = conn.BusObject().AddMatchSignal(sessionIface, "ResumeDevice", dbus.WithMatchObjectPath(path)).Err
	}
	if err == nil {
		err = conn.BusObject().AddMatchSignal("org.freedesktop.DBus.Properties", "PropertiesChanged",
			dbus.WithMatchObjectPath(path)).Err
	}
	if err != nil {
		l.release()
		return nil, &Error{Op: "add match", Err: err}
	}

	l.signals = make(chan *dbus.Signal, 16)
	conn.Signal(l.signals)
	go func() {
		for sig := range l.signals {
			l.handleSignal(sig)
		}
	}()
	return l, nil
}

func newLogind(session dbus.BusObject, path dbus.ObjectPath, log *zap.SugaredLogger) *Logind {
	return &Logind{
		session: session,
		path:    path,
		log:     log,
		devices: make(map[uint64]*os.File),
		pending: make(map[uint64]bool),
	}
}

// init reads the seat and activity of the session and takes control.
func (l *Logind) init(seatObject func(dbus.ObjectPath) dbus.BusObject) error {
	v, err := l.session.GetProperty(sessionIface + ".Seat")
	if err != nil {
		return &Error{Op: "read seat", Err: err}
	}
	var seat struct {
		ID   string
		Path dbus.ObjectPath
	}
	if err := dbus.Store([]interface{}{v.Value()}, &seat); err != nil || seat.ID == "" {
		return &Error{Op: "read seat", Err: ErrNoSeat}
	}
	l.seatID = seat.ID
	l.seat = seatObject(seat.Path)

	if v, err := l.session.GetProperty(sessionIface + ".Active"); err == nil {
		active, _ := v.Value().(bool)
		l.active.Store(active)
	}

	if err := l.session.Call(sessionIface+".TakeControl", 0, false).Err; err != nil {
		return &Error{Op: "take control", Err: permission(dbusPermission(err))}
	}
	return nil
}

const accessDenied = "org.freedesktop.DBus.Error.AccessDenied"

func dbusPermission(err error) error {
	var e dbus.Error
	if errors.As(err, &e) && e.Name == accessDenied {
		return fmt.Errorf("%w: %w", unix.EACCES, err)
	}
	return err
}

func (l *Logind) Open(path string, flags int) (*os.File, error) {
	major, minor, err := devnum(path)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: err}
	}
	var fd dbus.UnixFD
	var inactive bool
	if err := l.session.Call(sessionIface+".TakeDevice", 0, major, minor).Store(&fd, &inactive); err != nil {
		return nil, &Error{Op: "take device", Path: path, Err: permission(dbusPermission(err))}
	}
	if flags&unix.O_NONBLOCK != 0 {
		if err := unix.SetNonblock(int(fd), true); err != nil {
			unix.Close(int(fd))
			return nil, &Error{Op: "open", Path: path, Err: err}
		}
	}
	f := os.NewFile(uintptr(fd), path)
	l.mu.Lock()
	l.devices[unix.Mkdev(major, minor)] = f
	l.mu.Unlock()
	l.log.Debugw("took device", "path", path, "major", major, "minor", minor, "inactive", inactive)
	return f, nil
}

func (l *Logind) Close(f *os.File) error {
	major, minor, err := fileDevnum(f)
	if err == nil {
		l.mu.Lock()
		delete(l.devices, unix.Mkdev(major, minor))
		l.mu.Unlock()
		if cerr := l.session.Call(sessionIface+".ReleaseDevice", 0, major, minor).Err; cerr != nil {
			l.log.Warnw("release device failed", "path", f.Name(), "error", cerr)
		}
	}
	return f.Close()
}

func (l *Logind) ChangeVT(vt int) error {
	if err := l.seat.Call(seatIface+".SwitchTo", 0, uint32(vt)).Err; err != nil {
		return &Error{Op: "switch vt", Err: err}
	}
	return nil
}

func (l *Logind) IsActive() bool { return l.active.Load() }
func (l *Logind) Seat() string   { return l.seatID }

func (l *Logind) Listen(fn func(Event)) {
	l.mu.Lock()
	l.listener = fn
	l.mu.Unlock()
}

// PauseComplete acknowledges a "pause" request. Forced pauses need no
// acknowledgement and are ignored here.
func (l *Logind) PauseComplete(major, minor uint32) error {
	key := unix.Mkdev(major, minor)
	l.mu.Lock()
	ok := l.pending[key]
	delete(l.pending, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.session.Call(sessionIface+".PauseDeviceComplete", 0, major, minor).Err; err != nil {
		return &Error{Op: "pause complete", Err: err}
	}
	return nil
}

func (l *Logind) Destroy() error {
	l.mu.Lock()
	files := make([]*os.File, 0, len(l.devices))
	for _, f := range l.devices {
		files = append(files, f)
	}
	l.mu.Unlock()
	for _, f := range files {
		l.Close(f)
	}
	l.release()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Logind) release() {
	if err := l.session.Call(sessionIface+".ReleaseControl", 0).Err; err != nil {
		l.log.Warnw("release control failed", "error", err)
	}
}

func (l *Logind) emit(ev Event) {
	l.mu.Lock()
	fn := l.listener
	l.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (l *Logind) handleSignal(sig *dbus.Signal) {
	if sig.Path != l.path {
		return
	}
	switch sig.Name {
	case sessionIface + ".PauseDevice":
		var major, minor uint32
		var kind string
		if err := dbus.Store(sig.Body, &major, &minor, &kind); err != nil {
			l.log.Warnw("bad PauseDevice signal", "error", err)
			return
		}
		if major == DRMMajor {
			l.active.Store(false)
		}
		if kind == "pause" {
			l.mu.Lock()
			l.pending[unix.Mkdev(major, minor)] = true
			l.mu.Unlock()
		}
		l.log.Infow("device paused", "major", major, "minor", minor, "type", kind)
		l.emit(Event{Kind: Paused, Major: major, Minor: minor})

	case sessionIface + ".ResumeDevice":
		var major, minor uint32
		var fd dbus.UnixFD
		if err := dbus.Store(sig.Body, &major, &minor, &fd); err != nil {
			l.log.Warnw("bad ResumeDevice signal", "error", err)
			return
		}
		// Keep the descriptor number stable for everyone holding the old
		// file: the new fd replaces the revoked one in place.
		l.mu.Lock()
		if old, ok := l.devices[unix.Mkdev(major, minor)]; ok {
			if err := unix.Dup3(int(fd), int(old.Fd()), unix.O_CLOEXEC); err != nil {
				l.log.Errorw("replace resumed fd", "path", old.Name(), "error", err)
			} else {
				unix.SetNonblock(int(old.Fd()), true)
			}
		}
		l.mu.Unlock()
		unix.Close(int(fd))
		if major == DRMMajor {
			l.active.Store(true)
		}
		l.log.Infow("device resumed", "major", major, "minor", minor)
		l.emit(Event{Kind: Resumed, Major: major, Minor: minor})

	case propertiesSig:
		var iface string
		var changed map[string]dbus.Variant
		var invalidated []string
		if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil || iface != sessionIface {
			return
		}
		v, ok := changed["Active"]
		if !ok {
			return
		}
		active, _ := v.Value().(bool)
		l.active.Store(active)
		l.emit(Event{Kind: ActiveChanged, Active: active})
	}
}
