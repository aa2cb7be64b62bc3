package surface

import (
	"image"
	"image/color"
	"image/draw"
)

// Buffer is one scanout buffer in XRGB8888 (little endian B, G, R, X).
type Buffer struct {
	Handle uint32
	FB     uint32
	Width  int
	Height int
	Stride int

	// Damage is what the last queue of this buffer reported as changed.
	Damage []image.Rectangle

	pix   []byte
	frame uint64
}

func (b *Buffer) Pix() []byte { return b.pix }

func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// Image exposes the buffer memory as a draw.Image.
func (b *Buffer) Image() *XRGB {
	return &XRGB{Pix: b.pix, Stride: b.Stride, Rect: b.Bounds()}
}

func (b *Buffer) Clear() {
	clear(b.pix)
}

// XRGB is an image backed by XRGB8888 memory.
type XRGB struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

var _ draw.Image = (*XRGB)(nil)

func (p *XRGB) ColorModel() color.Model { return color.RGBAModel }

func (p *XRGB) Bounds() image.Rectangle { return p.Rect }

func (p *XRGB) offset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*4
}

func (p *XRGB) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.offset(x, y)
	return color.RGBA{R: p.Pix[i+2], G: p.Pix[i+1], B: p.Pix[i], A: 0xff}
}

func (p *XRGB) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	i := p.offset(x, y)
	r, g, b, _ := c.RGBA()
	p.Pix[i] = byte(b >> 8)
	p.Pix[i+1] = byte(g >> 8)
	p.Pix[i+2] = byte(r >> 8)
	p.Pix[i+3] = 0xff
}

// CopyFrom copies r of src into the same rectangle of p. *image.RGBA and
// *image.NRGBA sources take a row swizzle path, anything else goes through
// draw.Draw.
func (p *XRGB) CopyFrom(src image.Image, r image.Rectangle) {
	r = r.Intersect(p.Rect).Intersect(src.Bounds())
	if r.Empty() {
		return
	}
	var spix []byte
	var soff func(x, y int) int
	switch s := src.(type) {
	case *image.RGBA:
		spix, soff = s.Pix, s.PixOffset
	case *image.NRGBA:
		spix, soff = s.Pix, s.PixOffset
	default:
		draw.Draw(p, r, src, r.Min, draw.Src)
		return
	}
	w := r.Dx() * 4
	for y := r.Min.Y; y < r.Max.Y; y++ {
		si := soff(r.Min.X, y)
		di := p.offset(r.Min.X, y)
		srow := spix[si : si+w]
		drow := p.Pix[di : di+w]
		for i := 0; i < w; i += 4 {
			drow[i] = srow[i+2]
			drow[i+1] = srow[i+1]
			drow[i+2] = srow[i]
			drow[i+3] = 0xff
		}
	}
}
