package main

import (
	"image"
	"image/draw"
	"math"

	"github.com/gogpu/gg"
	"go.uber.org/zap"

	"github.com/fyshos/kms/backend"
	"github.com/fyshos/kms/input"
)

const (
	squareSize = 64
	squareStep = 8

	keyEsc       = 1
	keyLeftCtrl  = 29
	keyLeftAlt   = 56
	keyF1        = 59
	keyF10       = 68
	statInterval = 600
)

type screen struct {
	desc   backend.OutputDescriptor
	gc     *gg.Context
	bg     gg.RGBA
	frame  int
	frames int
}

func newScreen(desc backend.OutputDescriptor) *screen {
	// spread the outputs around the hue circle
	hue := float64(desc.ID) * 0.37
	return &screen{
		desc: desc,
		gc:   gg.NewContext(desc.Mode.Width, desc.Mode.Height),
		bg: gg.RGB(
			0.3+0.2*math.Sin(2*math.Pi*hue),
			0.3+0.2*math.Sin(2*math.Pi*(hue+1.0/3)),
			0.3+0.2*math.Sin(2*math.Pi*(hue+2.0/3)),
		),
	}
}

// band is the strip the square moves in, the only part that changes
// between frames.
func (s *screen) band() image.Rectangle {
	y := (s.desc.Mode.Height - squareSize) / 2
	return image.Rect(0, y, s.desc.Mode.Width, y+squareSize)
}

func (s *screen) paint() error {
	s.gc.ClearWithColor(s.bg)
	travel := s.desc.Mode.Width - squareSize
	if travel <= 0 {
		return nil
	}
	x := (s.frame * squareStep) % travel
	s.gc.SetRGB(1, 1, 1)
	s.gc.DrawRectangle(float64(x), float64(s.band().Min.Y), squareSize, squareSize)
	return s.gc.Fill()
}

// demo is the compositor stand-in driving the backend.
type demo struct {
	log     *zap.SugaredLogger
	backend backend.Backend
	screens map[backend.OutputID]*screen
	ctrl    bool
	alt     bool
}

var _ backend.Handler = (*demo)(nil)

func newDemo(log *zap.SugaredLogger) *demo {
	return &demo{log: log, screens: make(map[backend.OutputID]*screen)}
}

func (d *demo) Started(b backend.Backend) { d.backend = b }

func (d *demo) Stopped() {
	d.log.Info("backend stopped")
}

func (d *demo) CreateDmabufGlobal(formats []backend.DmabufFormat) {
	for _, f := range formats {
		d.log.Infow("dmabuf format", "fourcc", f.Fourcc, "modifier", f.Modifier)
	}
}

func (d *demo) OutputCreated(desc backend.OutputDescriptor) {
	d.log.Infow("output", "id", desc.ID, "name", desc.Name, "make", desc.Make, "model", desc.Model,
		"size", image.Pt(desc.Mode.Width, desc.Mode.Height), "refresh_mhz", desc.Mode.RefreshMilliHz)
	d.screens[desc.ID] = newScreen(desc)
}

func (d *demo) OutputModeUpdated(id backend.OutputID, mode backend.Mode) {
	s, ok := d.screens[id]
	if !ok {
		return
	}
	s.gc.Close()
	s.desc.Mode = mode
	s.gc = gg.NewContext(mode.Width, mode.Height)
}

func (d *demo) OutputRemoved(id backend.OutputID) {
	if s, ok := d.screens[id]; ok {
		s.gc.Close()
		delete(d.screens, id)
	}
}

func (d *demo) OutputRender(r backend.Renderer, id backend.OutputID, age int, cursor *backend.CursorImage) []image.Rectangle {
	s, ok := d.screens[id]
	if !ok {
		return nil
	}
	s.frame++
	if err := s.paint(); err != nil {
		d.log.Warnw("paint failed", "output", s.desc.Name, "error", err)
	}
	img := s.gc.Image()

	var damage []image.Rectangle
	if age == 0 || age > 2 {
		r.CopyFrom(img, r.Bounds())
	} else {
		band := s.band()
		r.CopyFrom(img, band)
		damage = append(damage, band)
	}
	if cursor != nil && cursor.Image != nil {
		at := cursor.Position.Sub(cursor.Hotspot)
		rect := cursor.Image.Bounds().Sub(cursor.Image.Bounds().Min).Add(at)
		draw.Draw(r, rect, cursor.Image, cursor.Image.Bounds().Min, draw.Over)
		if damage != nil {
			damage = append(damage, rect)
		}
	}
	return damage
}

func (d *demo) SendFrames(id backend.OutputID) {
	s, ok := d.screens[id]
	if !ok {
		return
	}
	s.frames++
	if s.frames%statInterval == 0 {
		d.log.Debugw("frames presented", "output", s.desc.Name, "count", s.frames)
	}
}

// ProcessInputEvent handles Esc to quit and Ctrl+Alt+Fn to switch VTs.
func (d *demo) ProcessInputEvent(ev input.Event, output backend.OutputID) {
	if ev.Type != input.EvKey {
		return
	}
	down := ev.Value != 0
	switch {
	case ev.Code == keyLeftCtrl:
		d.ctrl = down
	case ev.Code == keyLeftAlt:
		d.alt = down
	case ev.Code == keyEsc && ev.Value == 1:
		d.log.Info("escape pressed, stopping")
		d.backend.Stop()
	case ev.Code >= keyF1 && ev.Code <= keyF10 && ev.Value == 1 && d.ctrl && d.alt:
		vt := int(ev.Code-keyF1) + 1
		if err := d.backend.ChangeVT(vt); err != nil {
			d.log.Warnw("switching VT", "vt", vt, "error", err)
		}
	default:
		d.log.Debugw("key", "code", ev.Code, "value", ev.Value, "output", output)
	}
}
