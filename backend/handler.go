package backend

import (
	"image"
	"image/draw"

	"github.com/fyshos/kms/drm"
	"github.com/fyshos/kms/input"
)

// OutputID identifies an output for as long as it exists. IDs are never
// reused within one backend.
type OutputID uint32

type Mode struct {
	Width, Height  int
	RefreshMilliHz int
	Preferred      bool
}

func modeFromDRM(m drm.Mode) Mode {
	return Mode{
		Width:          int(m.Width),
		Height:         int(m.Height),
		RefreshMilliHz: m.RefreshMilliHz(),
		Preferred:      m.Preferred(),
	}
}

// OutputDescriptor describes a display as it becomes available.
type OutputDescriptor struct {
	ID       OutputID
	Name     string
	Make     string
	Model    string
	WidthMM  int
	HeightMM int
	Internal bool
	Mode     Mode
	Modes    []Mode
}

// Renderer is the back buffer handed to OutputRender.
type Renderer interface {
	draw.Image
	// CopyFrom copies a rectangle of src into the same rectangle of the
	// buffer.
	CopyFrom(src image.Image, r image.Rectangle)
}

// CursorImage is the pointer sprite the compositor asked to be drawn.
type CursorImage struct {
	Image    image.Image
	Hotspot  image.Point
	Position image.Point
}

// DmabufFormat is a fourcc and modifier pair buffers can be shared in.
type DmabufFormat struct {
	Fourcc   uint32
	Modifier uint64
}

const (
	FourccXRGB8888 = 'X' | 'R'<<8 | '2'<<16 | '4'<<24
	ModifierLinear = 0
)

type OutputHandler interface {
	OutputCreated(desc OutputDescriptor)
	OutputModeUpdated(id OutputID, mode Mode)
	OutputRemoved(id OutputID)
	// OutputRender paints the next frame. age is the number of frames
	// since the buffer's content was current, 0 if undefined. The returned
	// regions are what changed; nil means everything.
	OutputRender(r Renderer, id OutputID, age int, cursor *CursorImage) []image.Rectangle
	SendFrames(id OutputID)
}

type InputHandler interface {
	// ProcessInputEvent receives raw events. output is the output the
	// event most likely relates to, 0 if there is none.
	ProcessInputEvent(ev input.Event, output OutputID)
}

type BackendHandler interface {
	Started(b Backend)
	Stopped()
	CreateDmabufGlobal(formats []DmabufFormat)
}

// Handler is everything a compositor implements to drive a backend. All
// methods are called on the backend's event loop.
type Handler interface {
	OutputHandler
	InputHandler
	BackendHandler
}
