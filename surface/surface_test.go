package surface_test

import (
	"errors"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyshos/kms/drm"
	"github.com/fyshos/kms/surface"
)

type flip struct {
	crtc drm.CrtcHandle
	fb   uint32
}

type fakeFlipper struct {
	flips    []flip
	modesets []flip
	flipErr  error
}

func (f *fakeFlipper) SetCrtc(h drm.CrtcHandle, fb uint32, _, _ uint32, _ []drm.ConnectorHandle, _ *drm.Mode) error {
	f.modesets = append(f.modesets, flip{h, fb})
	return nil
}

func (f *fakeFlipper) PageFlip(h drm.CrtcHandle, fb uint32, _ uint64) error {
	if f.flipErr != nil {
		return f.flipErr
	}
	f.flips = append(f.flips, flip{h, fb})
	return nil
}

type failingAllocator struct {
	*surface.MemoryAllocator
	failAt int
	calls  int
}

func (a *failingAllocator) Allocate(w, h int) (*surface.Buffer, error) {
	a.calls++
	if a.calls == a.failAt {
		return nil, errors.New("out of memory")
	}
	return a.MemoryAllocator.Allocate(w, h)
}

var testMode = drm.Mode{Width: 64, Height: 32, Refresh: 60}

func newSurface(t *testing.T) (*surface.Surface, *fakeFlipper, *surface.MemoryAllocator) {
	t.Helper()
	alloc := surface.NewMemoryAllocator()
	fl := &fakeFlipper{}
	s, err := surface.New(7, []drm.ConnectorHandle{1}, testMode, alloc, fl, zap.NewNop().Sugar())
	require.NoError(t, err)
	return s, fl, alloc
}

func TestNewAllocatesTwoBuffers(t *testing.T) {
	s, _, alloc := newSurface(t)
	assert.Equal(t, 2, alloc.Live())
	for _, b := range s.Buffers() {
		assert.Equal(t, 64, b.Width)
		assert.Equal(t, 32, b.Height)
		assert.Equal(t, 256, b.Stride)
	}
	require.NoError(t, s.Destroy())
	assert.Zero(t, alloc.Live())
}

func TestNewReleasesOnFailure(t *testing.T) {
	alloc := &failingAllocator{MemoryAllocator: surface.NewMemoryAllocator(), failAt: 2}
	_, err := surface.New(7, nil, testMode, alloc, &fakeFlipper{}, zap.NewNop().Sugar())

	var aerr *surface.AllocationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, drm.CrtcHandle(7), aerr.Crtc)
	assert.Zero(t, alloc.Live(), "first buffer released")
}

func TestModesetUsesFrontBuffer(t *testing.T) {
	s, fl, _ := newSurface(t)
	require.NoError(t, s.Modeset())
	require.Len(t, fl.modesets, 1)
	assert.Equal(t, s.Front().FB, fl.modesets[0].fb)

	b, _, err := s.NextBuffer()
	require.NoError(t, err)
	assert.NotEqual(t, b.FB, fl.modesets[0].fb)
}

func TestSwapchainCycle(t *testing.T) {
	s, fl, _ := newSurface(t)

	a, age, err := s.NextBuffer()
	require.NoError(t, err)
	assert.Zero(t, age)

	require.NoError(t, s.QueueBuffer([]image.Rectangle{image.Rect(0, 0, 8, 8)}))
	assert.True(t, s.Queued())
	assert.Equal(t, []flip{{7, a.FB}}, fl.flips)
	assert.Equal(t, a, s.Front())

	_, _, err = s.NextBuffer()
	assert.ErrorIs(t, err, surface.ErrBusy)
	assert.ErrorIs(t, s.QueueBuffer(nil), surface.ErrBusy)
	assert.ErrorIs(t, s.Destroy(), surface.ErrBusy)
	assert.Len(t, fl.flips, 1)

	require.NoError(t, s.FrameSubmitted())
	assert.False(t, s.Queued())
	assert.ErrorIs(t, s.FrameSubmitted(), surface.ErrNotQueued)

	b, age, err := s.NextBuffer()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Zero(t, age, "second buffer never rendered")

	require.NoError(t, s.QueueBuffer(nil))
	require.NoError(t, s.FrameSubmitted())

	c, age, err := s.NextBuffer()
	require.NoError(t, err)
	assert.Equal(t, a, c)
	assert.Equal(t, 2, age)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 8, 8)}, c.Damage)
}

func TestFailedFlipStaysIdle(t *testing.T) {
	s, fl, _ := newSurface(t)
	fl.flipErr = errors.New("EBUSY")

	_, _, err := s.NextBuffer()
	require.NoError(t, err)
	assert.Error(t, s.QueueBuffer(nil))
	assert.False(t, s.Queued())

	b, age, err := s.NextBuffer()
	require.NoError(t, err)
	assert.Zero(t, age)
	assert.NotNil(t, b)
}

func TestModesetRejectedWhileQueued(t *testing.T) {
	s, _, _ := newSurface(t)
	require.NoError(t, s.QueueBuffer(nil))
	assert.ErrorIs(t, s.Modeset(), surface.ErrBusy)
}

// Random operation sequences never leave more than one flip outstanding.
func TestSwapchainExclusivity(t *testing.T) {
	s, fl, _ := newSurface(t)
	rng := rand.New(rand.NewSource(3))
	outstanding := 0
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			_, _, err := s.NextBuffer()
			if outstanding > 0 {
				require.ErrorIs(t, err, surface.ErrBusy)
			} else {
				require.NoError(t, err)
			}
		case 1:
			if s.QueueBuffer(nil) == nil {
				outstanding++
			}
		case 2:
			if s.FrameSubmitted() == nil {
				outstanding--
			}
		}
		require.LessOrEqual(t, outstanding, 1)
		require.GreaterOrEqual(t, outstanding, 0)
		require.Equal(t, outstanding == 1, s.Queued())
	}
	assert.NotEmpty(t, fl.flips)
}

func TestXRGBImage(t *testing.T) {
	alloc := surface.NewMemoryAllocator()
	b, err := alloc.Allocate(4, 2)
	require.NoError(t, err)

	img := b.Image()
	img.Set(1, 1, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff})
	assert.Equal(t, []byte{0x30, 0x20, 0x10, 0xff}, b.Pix()[1*16+4:1*16+8])
	assert.Equal(t, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff}, img.At(1, 1))
	assert.Equal(t, color.RGBA{}, img.At(9, 9))

	src := image.NewRGBA(image.Rect(0, 0, 4, 2))
	src.SetRGBA(3, 0, color.RGBA{R: 0xaa, G: 0xbb, B: 0xcc, A: 0xff})
	img.CopyFrom(src, src.Bounds())
	assert.Equal(t, []byte{0xcc, 0xbb, 0xaa, 0xff}, b.Pix()[12:16])
	assert.Equal(t, []byte{0, 0, 0, 0xff}, b.Pix()[20:24])

	b.Clear()
	assert.Equal(t, make([]byte, 32), b.Pix())
}

func TestMemoryAllocatorExport(t *testing.T) {
	alloc := surface.NewMemoryAllocator()
	b, err := alloc.Allocate(1, 1)
	require.NoError(t, err)
	_, err = alloc.Export(b)
	assert.ErrorIs(t, err, surface.ErrNoExport)
	require.NoError(t, alloc.Release(b))
	assert.Error(t, alloc.Release(b))
}
