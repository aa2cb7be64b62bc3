package surface

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/fyshos/kms/drm"
)

const (
	bpp   = 32
	depth = 24
)

// Allocator hands out scanout buffers.
type Allocator interface {
	Allocate(width, height int) (*Buffer, error)
	Release(b *Buffer) error
	// Export returns a dma-buf fd for b. The caller owns the fd.
	Export(b *Buffer) (int, error)
}

// DumbAllocator allocates CPU-mapped dumb buffers on a DRM device and
// registers a framebuffer for each.
type DumbAllocator struct {
	dev *drm.Device
}

func NewDumbAllocator(dev *drm.Device) *DumbAllocator {
	return &DumbAllocator{dev: dev}
}

func (a *DumbAllocator) Allocate(width, height int) (*Buffer, error) {
	d, err := a.dev.CreateDumb(uint32(width), uint32(height), bpp)
	if err != nil {
		return nil, err
	}
	fb, err := a.dev.AddFB(uint32(width), uint32(height), depth, bpp, d.Pitch, d.Handle)
	if err != nil {
		_ = a.dev.DestroyDumb(d.Handle)
		return nil, err
	}
	off, err := a.dev.MapDumb(d.Handle)
	if err == nil {
		var pix []byte
		pix, err = a.dev.Mmap(off, int(d.Size))
		if err == nil {
			return &Buffer{
				Handle: d.Handle,
				FB:     fb,
				Width:  width,
				Height: height,
				Stride: int(d.Pitch),
				pix:    pix,
			}, nil
		}
	}
	_ = a.dev.RmFB(fb)
	_ = a.dev.DestroyDumb(d.Handle)
	return nil, err
}

func (a *DumbAllocator) Release(b *Buffer) error {
	var errs []error
	if b.pix != nil {
		if err := unix.Munmap(b.pix); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		b.pix = nil
	}
	errs = append(errs, a.dev.RmFB(b.FB), a.dev.DestroyDumb(b.Handle))
	return errors.Join(errs...)
}

func (a *DumbAllocator) Export(b *Buffer) (int, error) {
	return a.dev.ExportDmabuf(b.Handle)
}

var ErrNoExport = errors.New("surface: buffer cannot be exported")

// MemoryAllocator backs buffers with ordinary memory. It serves the nested
// backend, where frames are copied to the host window.
type MemoryAllocator struct {
	next uint32
	live map[uint32]*Buffer
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{live: make(map[uint32]*Buffer)}
}

func (a *MemoryAllocator) Allocate(width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	a.next++
	b := &Buffer{
		Handle: a.next,
		FB:     a.next,
		Width:  width,
		Height: height,
		Stride: width * 4,
		pix:    make([]byte, width*height*4),
	}
	a.live[b.Handle] = b
	return b, nil
}

func (a *MemoryAllocator) Release(b *Buffer) error {
	if _, ok := a.live[b.Handle]; !ok {
		return fmt.Errorf("buffer %d not allocated here", b.Handle)
	}
	delete(a.live, b.Handle)
	b.pix = nil
	return nil
}

func (a *MemoryAllocator) Export(*Buffer) (int, error) {
	return -1, ErrNoExport
}

// Live reports how many buffers are allocated and not yet released.
func (a *MemoryAllocator) Live() int { return len(a.live) }
