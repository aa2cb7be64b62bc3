package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type call struct {
	method string
	args   []interface{}
}

// fakeObject answers method calls and property reads from tables.
type fakeObject struct {
	dbus.BusObject

	mu      sync.Mutex
	calls   []call
	replies map[string][]interface{}
	errs    map[string]error
	props   map[string]dbus.Variant
}

func newFakeObject() *fakeObject {
	return &fakeObject{
		replies: make(map[string][]interface{}),
		errs:    make(map[string]error),
		props:   make(map[string]dbus.Variant),
	}
}

func (o *fakeObject) Call(method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call{method, args})
	return &dbus.Call{Method: method, Args: args, Body: o.replies[method], Err: o.errs[method]}
}

func (o *fakeObject) GetProperty(p string) (dbus.Variant, error) {
	v, ok := o.props[p]
	if !ok {
		return dbus.Variant{}, errors.New("no such property")
	}
	return v, nil
}

func (o *fakeObject) methods() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, c := range o.calls {
		out = append(out, c.method)
	}
	return out
}

const testPath = dbus.ObjectPath("/org/freedesktop/login1/session/_31")

func newTestLogind(t *testing.T, obj *fakeObject) (*Logind, *fakeObject) {
	t.Helper()
	seat := newFakeObject()
	obj.props[sessionIface+".Seat"] = dbus.MakeVariant([]interface{}{"seat0", dbus.ObjectPath("/org/freedesktop/login1/seat/seat0")})
	obj.props[sessionIface+".Active"] = dbus.MakeVariant(true)
	l := newLogind(obj, testPath, zap.NewNop().Sugar())
	require.NoError(t, l.init(func(dbus.ObjectPath) dbus.BusObject { return seat }))
	return l, seat
}

func TestLogindInit(t *testing.T) {
	obj := newFakeObject()
	l, _ := newTestLogind(t, obj)
	assert.Equal(t, "seat0", l.Seat())
	assert.True(t, l.IsActive())
	assert.Equal(t, []string{sessionIface + ".TakeControl"}, obj.methods())
}

func TestLogindNoSeat(t *testing.T) {
	obj := newFakeObject()
	obj.props[sessionIface+".Seat"] = dbus.MakeVariant([]interface{}{"", dbus.ObjectPath("/")})
	l := newLogind(obj, testPath, zap.NewNop().Sugar())
	err := l.init(func(dbus.ObjectPath) dbus.BusObject { return newFakeObject() })
	assert.ErrorIs(t, err, ErrNoSeat)
}

func TestLogindTakeControlDenied(t *testing.T) {
	obj := newFakeObject()
	obj.errs[sessionIface+".TakeControl"] = dbus.Error{Name: accessDenied, Body: []interface{}{"not the session owner"}}
	obj.props[sessionIface+".Seat"] = dbus.MakeVariant([]interface{}{"seat0", dbus.ObjectPath("/org/freedesktop/login1/seat/seat0")})
	l := newLogind(obj, testPath, zap.NewNop().Sugar())
	err := l.init(func(dbus.ObjectPath) dbus.BusObject { return newFakeObject() })

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "take control", serr.Op)
	assert.ErrorIs(t, err, ErrPermission)
}

func TestDBusPermission(t *testing.T) {
	denied := dbus.Error{Name: accessDenied, Body: []interface{}{"denied"}}
	tests := []struct {
		name   string
		err    error
		eacces bool
	}{
		{"access denied", denied, true},
		{"wrapped", fmt.Errorf("take device: %w", denied), true},
		{"other dbus error", dbus.Error{Name: "org.freedesktop.login1.DeviceIsTaken"}, false},
		{"plain error", errors.New("broken pipe"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dbusPermission(tt.err)
			assert.Equal(t, tt.eacces, errors.Is(err, unix.EACCES))
			assert.ErrorContains(t, err, tt.err.Error())
		})
	}
}

func TestLogindChangeVT(t *testing.T) {
	l, seat := newTestLogind(t, newFakeObject())
	require.NoError(t, l.ChangeVT(3))
	require.Len(t, seat.calls, 1)
	assert.Equal(t, seatIface+".SwitchTo", seat.calls[0].method)
	assert.Equal(t, []interface{}{uint32(3)}, seat.calls[0].args)
}

func TestLogindPauseResume(t *testing.T) {
	obj := newFakeObject()
	l, _ := newTestLogind(t, obj)
	var events []Event
	l.Listen(func(ev Event) { events = append(events, ev) })

	l.handleSignal(&dbus.Signal{
		Path: testPath,
		Name: sessionIface + ".PauseDevice",
		Body: []interface{}{uint32(DRMMajor), uint32(0), "pause"},
	})
	assert.False(t, l.IsActive())
	require.NoError(t, l.PauseComplete(DRMMajor, 0))
	require.NoError(t, l.PauseComplete(DRMMajor, 0), "second ack is a no-op")
	assert.Equal(t, 1, count(obj.methods(), sessionIface+".PauseDeviceComplete"))

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)
	l.handleSignal(&dbus.Signal{
		Path: testPath,
		Name: sessionIface + ".ResumeDevice",
		Body: []interface{}{uint32(DRMMajor), uint32(0), dbus.UnixFD(fd)},
	})
	assert.True(t, l.IsActive())

	assert.Equal(t, []Event{
		{Kind: Paused, Major: DRMMajor},
		{Kind: Resumed, Major: DRMMajor},
	}, events)
}

func TestLogindForcedPauseNeedsNoAck(t *testing.T) {
	obj := newFakeObject()
	l, _ := newTestLogind(t, obj)
	l.handleSignal(&dbus.Signal{
		Path: testPath,
		Name: sessionIface + ".PauseDevice",
		Body: []interface{}{uint32(13), uint32(64), "force"},
	})
	assert.True(t, l.IsActive(), "input devices do not change activity")
	require.NoError(t, l.PauseComplete(13, 64))
	assert.Zero(t, count(obj.methods(), sessionIface+".PauseDeviceComplete"))
}

func TestLogindActiveProperty(t *testing.T) {
	l, _ := newTestLogind(t, newFakeObject())
	var events []Event
	l.Listen(func(ev Event) { events = append(events, ev) })

	l.handleSignal(&dbus.Signal{
		Path: testPath,
		Name: propertiesSig,
		Body: []interface{}{sessionIface, map[string]dbus.Variant{"Active": dbus.MakeVariant(false)}, []string{}},
	})
	assert.False(t, l.IsActive())

	l.handleSignal(&dbus.Signal{
		Path: "/org/freedesktop/login1/session/other",
		Name: propertiesSig,
		Body: []interface{}{sessionIface, map[string]dbus.Variant{"Active": dbus.MakeVariant(true)}, []string{}},
	})
	assert.False(t, l.IsActive(), "other sessions are ignored")
	assert.Equal(t, []Event{{Kind: ActiveChanged}}, events)
}

func count(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}
