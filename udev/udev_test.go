package udev_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyshos/kms/udev"
)

func msg(parts ...string) []byte {
	return []byte(strings.Join(parts, "\x00") + "\x00")
}

func TestParseHotplug(t *testing.T) {
	ev, err := udev.ParseEvent(msg(
		"change@/devices/pci0000:00/0000:00:02.0/drm/card0",
		"ACTION=change",
		"DEVPATH=/devices/pci0000:00/0000:00:02.0/drm/card0",
		"SUBSYSTEM=drm",
		"HOTPLUG=1",
		"DEVNAME=dri/card0",
		"DEVTYPE=drm_minor",
		"SEQNUM=4242",
		"MAJOR=226",
		"MINOR=0",
	))
	require.NoError(t, err)
	assert.Equal(t, udev.Change, ev.Action)
	assert.Equal(t, "drm", ev.Subsystem)
	assert.Equal(t, "dri/card0", ev.DevName)
	assert.Equal(t, uint32(226), ev.Major)
	assert.Equal(t, uint32(0), ev.Minor)
	assert.Equal(t, "4242", ev.Env["SEQNUM"])
	assert.True(t, ev.Hotplug())
}

func TestParseHeaderOnly(t *testing.T) {
	ev, err := udev.ParseEvent(msg("add@/devices/virtual/input/input9"))
	require.NoError(t, err)
	assert.Equal(t, udev.Add, ev.Action)
	assert.Equal(t, "/devices/virtual/input/input9", ev.DevPath)
	assert.False(t, ev.Hotplug())
}

func TestParseRejects(t *testing.T) {
	_, err := udev.ParseEvent(append([]byte("libudev\x00"), 0xfe, 0xed, 0xca, 0xfe))
	assert.Error(t, err)

	_, err = udev.ParseEvent(nil)
	assert.Error(t, err)

	_, err = udev.ParseEvent(msg("add@/devices/x", "MAJOR=abc"))
	assert.Error(t, err)
}
