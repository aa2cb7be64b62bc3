// Package surface implements the per-CRTC double-buffered swapchain.
package surface

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/fyshos/kms/drm"
)

var (
	// ErrBusy is returned when the surface has a flip in flight.
	ErrBusy = errors.New("surface: flip pending")
	// ErrNotQueued is returned for a completion without a queued flip.
	ErrNotQueued = errors.New("surface: no flip queued")
)

// AllocationError reports a surface that could not be built. It only
// concerns the one output.
type AllocationError struct {
	Crtc drm.CrtcHandle
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate surface for crtc %d: %v", e.Crtc, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Flipper is the part of a DRM device a surface scans out through.
// *drm.Device implements it.
type Flipper interface {
	SetCrtc(h drm.CrtcHandle, fb uint32, x, y uint32, conns []drm.ConnectorHandle, mode *drm.Mode) error
	PageFlip(h drm.CrtcHandle, fb uint32, userData uint64) error
}

const (
	stateIdle   = "idle"
	stateQueued = "queued"

	eventQueue  = "queue"
	eventSubmit = "submit"
)

// Surface presents frames on one CRTC. It is owned by the event loop and
// must not be used from other goroutines.
type Surface struct {
	crtc  drm.CrtcHandle
	conns []drm.ConnectorHandle
	mode  drm.Mode

	alloc Allocator
	flip  Flipper
	log   *zap.SugaredLogger

	bufs  [2]*Buffer
	back  int
	frame uint64
	state *fsm.FSM
}

// New allocates both buffers for mode. On failure anything allocated so far
// is released and an *AllocationError is returned.
func New(crtc drm.CrtcHandle, conns []drm.ConnectorHandle, mode drm.Mode, alloc Allocator, flip Flipper, log *zap.SugaredLogger) (*Surface, error) {
	s := &Surface{
		crtc:  crtc,
		conns: append([]drm.ConnectorHandle(nil), conns...),
		mode:  mode,
		alloc: alloc,
		flip:  flip,
		log:   log,
	}
	for i := range s.bufs {
		b, err := alloc.Allocate(int(mode.Width), int(mode.Height))
		if err != nil {
			s.releaseBuffers()
			return nil, &AllocationError{Crtc: crtc, Err: err}
		}
		s.bufs[i] = b
	}
	s.state = fsm.NewFSM(stateIdle,
		fsm.Events{
			{Name: eventQueue, Src: []string{stateIdle}, Dst: stateQueued},
			{Name: eventSubmit, Src: []string{stateQueued}, Dst: stateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugw("swapchain transition", "crtc", crtc, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s, nil
}

func (s *Surface) Crtc() drm.CrtcHandle              { return s.crtc }
func (s *Surface) Connectors() []drm.ConnectorHandle { return s.conns }
func (s *Surface) Mode() drm.Mode                    { return s.mode }

// Queued reports whether a flip is in flight.
func (s *Surface) Queued() bool {
	return s.state.Is(stateQueued)
}

// Buffers exposes both swapchain buffers, front first.
func (s *Surface) Buffers() []*Buffer {
	return []*Buffer{s.bufs[1-s.back], s.bufs[s.back]}
}

// Modeset clears the front buffer and programs the CRTC with it. It is
// used for the first frame and after the session regains the device.
func (s *Surface) Modeset() error {
	if s.Queued() {
		return ErrBusy
	}
	front := s.bufs[1-s.back]
	front.Clear()
	mode := s.mode
	if err := s.flip.SetCrtc(s.crtc, front.FB, 0, 0, s.conns, &mode); err != nil {
		return fmt.Errorf("modeset crtc %d: %w", s.crtc, err)
	}
	return nil
}

// NextBuffer returns the back buffer and its age: 0 when its contents are
// undefined, else the number of frames since they were current.
func (s *Surface) NextBuffer() (*Buffer, int, error) {
	if s.Queued() {
		return nil, 0, ErrBusy
	}
	b := s.bufs[s.back]
	if b.frame == 0 {
		return b, 0, nil
	}
	return b, int(s.frame - b.frame + 1), nil
}

// QueueBuffer requests a page flip to the back buffer. The flip event
// carries the CRTC handle as user data. An empty damage list means the
// whole buffer.
func (s *Surface) QueueBuffer(damage []image.Rectangle) error {
	if s.Queued() {
		return ErrBusy
	}
	b := s.bufs[s.back]
	b.Damage = append(b.Damage[:0], damage...)
	if err := s.flip.PageFlip(s.crtc, b.FB, uint64(s.crtc)); err != nil {
		return fmt.Errorf("page flip crtc %d: %w", s.crtc, err)
	}
	if err := s.state.Event(context.Background(), eventQueue); err != nil {
		return err
	}
	s.frame++
	b.frame = s.frame
	return nil
}

// FrameSubmitted acknowledges the flip. The buffer that was on screen
// becomes the back buffer.
func (s *Surface) FrameSubmitted() error {
	if !s.Queued() {
		return ErrNotQueued
	}
	if err := s.state.Event(context.Background(), eventSubmit); err != nil {
		return err
	}
	s.back = 1 - s.back
	return nil
}

// Front returns the buffer most recently queued, the one on screen once
// its flip has completed.
func (s *Surface) Front() *Buffer {
	if s.Queued() {
		return s.bufs[s.back]
	}
	return s.bufs[1-s.back]
}

// Export returns dma-buf fds for both buffers. Fds obtained before a
// failure are closed by the caller through the returned slice.
func (s *Surface) Export() ([]int, error) {
	var fds []int
	for _, b := range s.bufs {
		fd, err := s.alloc.Export(b)
		if err != nil {
			return fds, err
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// Destroy releases the buffers. A queued flip must complete first.
func (s *Surface) Destroy() error {
	if s.Queued() {
		return ErrBusy
	}
	return s.releaseBuffers()
}

func (s *Surface) releaseBuffers() error {
	var errs []error
	for i, b := range s.bufs {
		if b == nil {
			continue
		}
		if err := s.alloc.Release(b); err != nil {
			errs = append(errs, err)
		}
		s.bufs[i] = nil
	}
	return errors.Join(errs...)
}
