package input

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func rawEvent(sec, usec uint64, typ, code uint16, value int32) []byte {
	b := make([]byte, eventSize)
	binary.NativeEndian.PutUint64(b[0:], sec)
	binary.NativeEndian.PutUint64(b[8:], usec)
	binary.NativeEndian.PutUint16(b[16:], typ)
	binary.NativeEndian.PutUint16(b[18:], code)
	binary.NativeEndian.PutUint32(b[20:], uint32(value))
	return b
}

func TestDecode(t *testing.T) {
	var buf []byte
	buf = append(buf, rawEvent(10, 250, EvKey, 30, 1)...)
	buf = append(buf, rawEvent(10, 251, EvRel, 0, -5)...)
	buf = append(buf, 1, 2, 3)

	evs := Decode("/dev/input/event3", buf)
	require.Len(t, evs, 2)
	assert.Equal(t, Event{
		Device: "/dev/input/event3",
		Time:   10*time.Second + 250*time.Microsecond,
		Type:   EvKey,
		Code:   30,
		Value:  1,
	}, evs[0])
	assert.Equal(t, int32(-5), evs[1].Value)
}

type fileOpener struct{ closed []string }

func (o *fileOpener) Open(path string, flags int) (*os.File, error) {
	return os.OpenFile(path, flags, 0)
}

func (o *fileOpener) Close(f *os.File) error {
	o.closed = append(o.closed, f.Name())
	return f.Close()
}

// fifos stand in for evdev nodes: non-blocking reads work the same way.
func mkfifo(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, unix.Mkfifo(path, 0o600))
}

func TestManagerScanAndRead(t *testing.T) {
	dir := t.TempDir()
	mkfifo(t, filepath.Join(dir, "event1"))
	mkfifo(t, filepath.Join(dir, "event0"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mouse0"), nil, 0o600))

	op := &fileOpener{}
	m := NewManager(op, zap.NewNop().Sugar())
	devs := m.Scan(dir)
	require.Len(t, devs, 2)
	assert.Equal(t, filepath.Join(dir, "event0"), devs[0].Path)

	w, err := os.OpenFile(devs[0].Path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer w.Close()
	_, err = w.Write(rawEvent(1, 0, EvKey, 272, 1))
	require.NoError(t, err)

	var got []Event
	require.NoError(t, devs[0].Read(func(ev Event) { got = append(got, ev) }))
	require.Len(t, got, 1)
	assert.Equal(t, uint16(272), got[0].Code)

	again, err := m.Add(devs[0].Path)
	require.NoError(t, err)
	assert.Same(t, devs[0], again)

	assert.NotNil(t, m.Remove(devs[1].Path))
	assert.Nil(t, m.Remove(devs[1].Path))
	m.Close()
	assert.Empty(t, m.Devices())
	assert.Len(t, op.closed, 2)
}
