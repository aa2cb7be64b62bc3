package drm

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestStructLayoutMatchesKernel(t *testing.T) {
	assert.EqualValues(t, 64, unsafe.Sizeof(modeCardRes{}))
	assert.EqualValues(t, 68, unsafe.Sizeof(modeInfo{}))
	assert.EqualValues(t, 80, unsafe.Sizeof(modeGetConnector{}))
	assert.EqualValues(t, 20, unsafe.Sizeof(modeGetEncoder{}))
	assert.EqualValues(t, 104, unsafe.Sizeof(modeCrtc{}))
	assert.EqualValues(t, 64, unsafe.Sizeof(modeGetProperty{}))
	assert.EqualValues(t, 16, unsafe.Sizeof(modeGetBlob{}))
	assert.EqualValues(t, 32, unsafe.Sizeof(modeCreateDumb{}))
	assert.EqualValues(t, 24, unsafe.Sizeof(modeCrtcPageFlip{}))
	assert.EqualValues(t, 12, unsafe.Sizeof(primeHandle{}))
}

func TestRequestNumbers(t *testing.T) {
	assert.EqualValues(t, 0x641e, ioctlSetMaster)
	assert.EqualValues(t, 0x641f, ioctlDropMaster)
	assert.EqualValues(t, 0xc04064a0, ioctlModeGetResources)
	assert.EqualValues(t, 0xc05064a7, ioctlModeGetConnector)
	assert.EqualValues(t, 0xc06864a2, ioctlModeSetCrtc)
	assert.EqualValues(t, 0xc01864b0, ioctlModePageFlip)
	assert.EqualValues(t, 0xc00c642d, ioctlPrimeHandleToFD)
}

func TestModeConversionRoundTrip(t *testing.T) {
	m := Mode{
		Clock: 148500, Width: 1920, HSyncStart: 2008, HSyncEnd: 2052, HTotal: 2200,
		Height: 1080, VSyncStart: 1084, VSyncEnd: 1089, VTotal: 1125,
		Refresh: 60, Flags: 5, Type: modeTypePreferred, Name: "1920x1080",
	}
	info := fromMode(&m)
	assert.Equal(t, m, info.toMode())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, transitionAdded, classify(StateUnknown, false, StateConnected))
	assert.Equal(t, transitionNone, classify(StateUnknown, false, StateDisconnected))
	assert.Equal(t, transitionNone, classify(StateUnknown, false, StateUnknown))
	assert.Equal(t, transitionRemoved, classify(StateConnected, true, StateDisconnected))
	assert.Equal(t, transitionAdded, classify(StateDisconnected, true, StateConnected))
	assert.Equal(t, transitionAdded, classify(StateUnknown, true, StateConnected))
	assert.Equal(t, transitionNone, classify(StateConnected, true, StateUnknown))
	assert.Equal(t, transitionNone, classify(StateUnknown, true, StateDisconnected))
	assert.Equal(t, transitionNone, classify(StateConnected, true, StateConnected))
}

func vblankEvent(typ uint32, userData uint64, sec, usec, seq, crtc uint32) []byte {
	b := make([]byte, vblankEventSize)
	binary.NativeEndian.PutUint32(b[0:], typ)
	binary.NativeEndian.PutUint32(b[4:], vblankEventSize)
	binary.NativeEndian.PutUint64(b[8:], userData)
	binary.NativeEndian.PutUint32(b[16:], sec)
	binary.NativeEndian.PutUint32(b[20:], usec)
	binary.NativeEndian.PutUint32(b[24:], seq)
	binary.NativeEndian.PutUint32(b[28:], crtc)
	return b
}

func TestParseEvents(t *testing.T) {
	var buf []byte
	buf = append(buf, vblankEvent(eventFlipComplete, 41, 2, 500, 7, 41)...)
	buf = append(buf, vblankEvent(eventVblank, 0, 0, 0, 1, 41)...)
	buf = append(buf, vblankEvent(eventFlipComplete, 42, 3, 0, 8, 0)...)
	buf = append(buf, 1, 2, 3)

	evs := ParseEvents(buf)
	if assert.Len(t, evs, 2) {
		assert.Equal(t, CrtcHandle(41), evs[0].Crtc)
		assert.Equal(t, uint32(7), evs[0].Sequence)
		assert.Equal(t, int64(2000500), evs[0].Time.Microseconds())
		assert.Equal(t, CrtcHandle(42), evs[1].Crtc, "falls back to user data")
	}
}

func TestParseEventsBadLength(t *testing.T) {
	b := vblankEvent(eventFlipComplete, 1, 0, 0, 0, 1)
	binary.NativeEndian.PutUint32(b[4:], 4)
	assert.Empty(t, ParseEvents(b))
}

func TestConnectorHelpers(t *testing.T) {
	c := ConnectorInfo{Kind: 11, KindID: 2}
	assert.Equal(t, "HDMI-A-2", c.Name())
	_, ok := c.PreferredMode()
	assert.False(t, ok)

	first := Mode{Width: 1024, Height: 768}
	pref := Mode{Width: 2560, Height: 1440, Type: modeTypePreferred}
	c.Modes = []Mode{first, pref}
	m, ok := c.PreferredMode()
	assert.True(t, ok)
	assert.Equal(t, pref, m)

	c.Modes = []Mode{first}
	m, _ = c.PreferredMode()
	assert.Equal(t, first, m)

	assert.Equal(t, "Unknown", ConnectorKind(99).String())
	assert.True(t, ConnectorKind(14).Internal())
	assert.False(t, ConnectorKind(11).Internal())
}

func TestRefreshMilliHz(t *testing.T) {
	m := Mode{Clock: 148500, HTotal: 2200, VTotal: 1125, Refresh: 60}
	assert.Equal(t, 60000, m.RefreshMilliHz())
	assert.Equal(t, 30000, Mode{Refresh: 30}.RefreshMilliHz())
}
