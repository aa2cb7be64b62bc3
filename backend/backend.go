// Package backend drives displays for a compositor, either on the hardware
// through DRM/KMS or in a window of another X server.
package backend

import (
	"errors"
	"fmt"
	"os"

	"github.com/fyshos/kms/config"
	"github.com/fyshos/kms/logging"
)

type Kind int

const (
	KindDRM Kind = iota
	KindNested
)

func (k Kind) String() string {
	switch k {
	case KindDRM:
		return "drm"
	case KindNested:
		return "nested"
	}
	return "unknown"
}

var ErrUnknownOutput = errors.New("backend: unknown output")

// Backend is implemented by this package only. Apart from Stop, methods
// must be called on the event loop, that is from Handler callbacks.
type Backend interface {
	Kind() Kind
	// Run dispatches events until Stop, then tears everything down and
	// calls Handler.Stopped.
	Run() error
	// Stop may be called from any goroutine.
	Stop()
	ChangeVT(vt int) error
	IsActive() bool
	Outputs() []OutputDescriptor
	SetCursor(c *CursorImage)
	// Export returns dma-buf fds for the swapchain of an output. The caller
	// owns them.
	Export(id OutputID) ([]int, error)

	sealed()
}

// New picks the backend kind once from the settings.
func New(cfg *config.Settings, h Handler, log *logging.Logger) (Backend, error) {
	switch kind := cfg.BackendKind(os.Getenv); kind {
	case config.BackendDRM:
		b, err := newDRMBackend(cfg, h, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendNested:
		b, err := newNestedBackend(cfg, h, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}
