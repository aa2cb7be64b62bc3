package drm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyshos/kms/drm"
	"github.com/fyshos/kms/drm/drmtest"
)

func handles(infos []drm.ConnectorInfo) []drm.ConnectorHandle {
	var out []drm.ConnectorHandle
	for _, i := range infos {
		out = append(out, i.Handle)
	}
	return out
}

func TestScanFirstPassReportsConnected(t *testing.T) {
	card := drmtest.New()
	card.AddConnector(10, 11, drm.StateConnected)
	card.AddConnector(11, 10, drm.StateDisconnected)
	card.AddConnector(12, 14, drm.StateUnknown)

	s := drm.NewScanner(zap.NewNop().Sugar())
	res, err := s.Scan(card)
	require.NoError(t, err)

	assert.Equal(t, []drm.ConnectorHandle{10}, handles(res.Added))
	assert.Empty(t, res.Removed)
	assert.Len(t, s.Connectors(), 3)
}

func TestScanTransitions(t *testing.T) {
	cases := []struct {
		name     string
		from, to drm.ConnectorState
		added    bool
		removed  bool
	}{
		{"connected stays", drm.StateConnected, drm.StateConnected, false, false},
		{"disconnected stays", drm.StateDisconnected, drm.StateDisconnected, false, false},
		{"unplug", drm.StateConnected, drm.StateDisconnected, false, true},
		{"plug", drm.StateDisconnected, drm.StateConnected, true, false},
		{"unknown to connected", drm.StateUnknown, drm.StateConnected, true, false},
		{"connected to unknown", drm.StateConnected, drm.StateUnknown, false, false},
		{"unknown to disconnected", drm.StateUnknown, drm.StateDisconnected, false, false},
		{"disconnected to unknown", drm.StateDisconnected, drm.StateUnknown, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			card := drmtest.New()
			card.AddConnector(1, 11, tc.from)
			s := drm.NewScanner(zap.NewNop().Sugar())
			_, err := s.Scan(card)
			require.NoError(t, err)

			card.SetState(1, tc.to)
			res, err := s.Scan(card)
			require.NoError(t, err)

			assert.Equal(t, tc.added, len(res.Added) == 1)
			assert.Equal(t, tc.removed, len(res.Removed) == 1)
			assert.False(t, len(res.Added) > 0 && len(res.Removed) > 0)

			info, ok := s.Connector(1)
			require.True(t, ok)
			assert.Equal(t, tc.to, info.State, "cache holds the latest observation")
		})
	}
}

func TestScanEnumerationFailureFailsPass(t *testing.T) {
	card := drmtest.New()
	card.AddConnector(1, 11, drm.StateConnected)
	s := drm.NewScanner(zap.NewNop().Sugar())
	_, err := s.Scan(card)
	require.NoError(t, err)

	card.SetState(1, drm.StateDisconnected)
	card.ResourcesErr = errors.New("EBADF")
	res, err := s.Scan(card)
	require.Error(t, err)
	assert.True(t, res.Empty())

	card.ResourcesErr = nil
	res, err = s.Scan(card)
	require.NoError(t, err)
	assert.Equal(t, []drm.ConnectorHandle{1}, handles(res.Removed))
}

func TestScanProbeFailureKeepsPreviousObservation(t *testing.T) {
	card := drmtest.New()
	card.AddConnector(1, 11, drm.StateConnected)
	card.AddConnector(2, 10, drm.StateConnected)
	s := drm.NewScanner(zap.NewNop().Sugar())
	_, err := s.Scan(card)
	require.NoError(t, err)

	card.SetState(1, drm.StateDisconnected)
	card.SetState(2, drm.StateDisconnected)
	card.ConnectorErr[1] = errors.New("EIO")
	res, err := s.Scan(card)
	require.NoError(t, err)
	assert.Equal(t, []drm.ConnectorHandle{2}, handles(res.Removed))

	info, _ := s.Connector(1)
	assert.Equal(t, drm.StateConnected, info.State)
	assert.Len(t, s.Connectors(), 2)
}

func TestScanRepeatedPassesAreQuiet(t *testing.T) {
	card := drmtest.New()
	card.AddConnector(1, 11, drm.StateConnected)
	s := drm.NewScanner(zap.NewNop().Sugar())
	_, err := s.Scan(card)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := s.Scan(card)
		require.NoError(t, err)
		assert.True(t, res.Empty())
	}
}
