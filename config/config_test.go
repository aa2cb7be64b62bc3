package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	s, err := NewLoader(t.TempDir()).Load()
	require.NoError(t, err)

	assert.Equal(t, BackendAuto, s.Backend)
	assert.Equal(t, SessionLogind, s.Session)
	assert.True(t, s.Input.Enabled)
	assert.Equal(t, 1280, s.Nested.Width)
	assert.Equal(t, 800, s.Nested.Height)
	assert.Equal(t, 60, s.Nested.RefreshHz)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`debug: true
backend: drm
device: /dev/dri/card1
session: direct
input:
  enabled: false
nested:
  width: 640
  height: 480
  refresh_hz: 30
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kms.yaml"), data, 0o644))

	l := NewLoader(dir)
	s, err := l.Load()
	require.NoError(t, err)

	assert.True(t, s.Debug)
	assert.Equal(t, BackendDRM, s.Backend)
	assert.Equal(t, "/dev/dri/card1", s.Device)
	assert.Equal(t, SessionDirect, s.Session)
	assert.False(t, s.Input.Enabled)
	assert.Equal(t, 640, s.Nested.Width)
	assert.Equal(t, 30, s.Nested.RefreshHz)
	assert.Equal(t, filepath.Join(dir, "kms.yaml"), l.File())
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kms.yaml"), []byte("backend: vulkan\n"), 0o644))

	_, err := NewLoader(dir).Load()
	assert.ErrorContains(t, err, "unknown backend")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("KMS_SESSION", "direct")
	s, err := NewLoader(t.TempDir()).Load()
	require.NoError(t, err)
	assert.Equal(t, SessionDirect, s.Session)
}

func TestBackendKind(t *testing.T) {
	env := func(v string) func(string) string {
		return func(string) string { return v }
	}

	s := &Settings{Backend: BackendAuto}
	assert.Equal(t, BackendNested, s.BackendKind(env(":0")))
	assert.Equal(t, BackendDRM, s.BackendKind(env("")))

	s.Backend = BackendDRM
	assert.Equal(t, BackendDRM, s.BackendKind(env(":0")))
}
