// Package drmtest provides an in-memory drm.Card.
package drmtest

import (
	"fmt"

	"github.com/fyshos/kms/drm"
)

type Card struct {
	res        drm.Resources
	connectors map[drm.ConnectorHandle]*drm.ConnectorInfo
	encoders   map[drm.EncoderHandle]*drm.Encoder
	crtcs      map[drm.CrtcHandle]*drm.CrtcInfo
	edids      map[drm.ConnectorHandle][]byte

	ResourcesErr error
	ConnectorErr map[drm.ConnectorHandle]error
	EncoderErr   map[drm.EncoderHandle]error

	// EncoderCalls records every Encoder lookup in order.
	EncoderCalls []drm.EncoderHandle
}

var _ drm.Card = (*Card)(nil)

func New() *Card {
	return &Card{
		connectors:   make(map[drm.ConnectorHandle]*drm.ConnectorInfo),
		encoders:     make(map[drm.EncoderHandle]*drm.Encoder),
		crtcs:        make(map[drm.CrtcHandle]*drm.CrtcInfo),
		edids:        make(map[drm.ConnectorHandle][]byte),
		ConnectorErr: make(map[drm.ConnectorHandle]error),
		EncoderErr:   make(map[drm.EncoderHandle]error),
	}
}

// Mode1080p is a typical preferred 1920x1080@60 mode.
var Mode1080p = drm.Mode{
	Clock: 148500, Width: 1920, HSyncStart: 2008, HSyncEnd: 2052, HTotal: 2200,
	Height: 1080, VSyncStart: 1084, VSyncEnd: 1089, VTotal: 1125,
	Refresh: 60, Type: 1<<3 | 1<<6, Name: "1920x1080",
}

var Mode720p = drm.Mode{
	Clock: 74250, Width: 1280, HSyncStart: 1390, HSyncEnd: 1430, HTotal: 1650,
	Height: 720, VSyncStart: 725, VSyncEnd: 730, VTotal: 750,
	Refresh: 60, Type: 1 << 6, Name: "1280x720",
}

func (c *Card) AddCrtc(h drm.CrtcHandle) {
	c.res.Crtcs = append(c.res.Crtcs, h)
	c.crtcs[h] = &drm.CrtcInfo{Handle: h}
}

// AddEncoder registers an encoder compatible with the given crtc indices
// (positions in the resource list, not handles).
func (c *Card) AddEncoder(h drm.EncoderHandle, crtcIndices ...int) {
	var mask uint32
	for _, i := range crtcIndices {
		mask |= 1 << uint(i)
	}
	c.res.Encoders = append(c.res.Encoders, h)
	c.encoders[h] = &drm.Encoder{Handle: h, PossibleCrtcs: mask}
}

// Drive records that encoder h currently feeds crtc, as firmware would
// leave it.
func (c *Card) Drive(h drm.EncoderHandle, crtc drm.CrtcHandle) {
	c.encoders[h].Crtc = crtc
}

func (c *Card) AddConnector(h drm.ConnectorHandle, kind drm.ConnectorKind, state drm.ConnectorState, encoders ...drm.EncoderHandle) *drm.ConnectorInfo {
	info := &drm.ConnectorInfo{
		Handle:   h,
		Kind:     kind,
		KindID:   uint32(len(c.res.Connectors) + 1),
		State:    state,
		Encoders: encoders,
		Modes:    []drm.Mode{Mode720p, Mode1080p},
		WidthMM:  600,
		HeightMM: 340,
	}
	c.res.Connectors = append(c.res.Connectors, h)
	c.connectors[h] = info
	return info
}

func (c *Card) SetState(h drm.ConnectorHandle, state drm.ConnectorState) {
	c.connectors[h].State = state
}

func (c *Card) SetCurrentEncoder(h drm.ConnectorHandle, enc drm.EncoderHandle) {
	c.connectors[h].Encoder = enc
}

func (c *Card) SetModes(h drm.ConnectorHandle, modes ...drm.Mode) {
	c.connectors[h].Modes = modes
}

func (c *Card) SetEDID(h drm.ConnectorHandle, data []byte) {
	c.edids[h] = data
}

func (c *Card) Resources() (*drm.Resources, error) {
	if c.ResourcesErr != nil {
		return nil, c.ResourcesErr
	}
	res := drm.Resources{
		Connectors: append([]drm.ConnectorHandle(nil), c.res.Connectors...),
		Crtcs:      append([]drm.CrtcHandle(nil), c.res.Crtcs...),
		Encoders:   append([]drm.EncoderHandle(nil), c.res.Encoders...),
	}
	return &res, nil
}

func (c *Card) Connector(h drm.ConnectorHandle) (*drm.ConnectorInfo, error) {
	if err := c.ConnectorErr[h]; err != nil {
		return nil, err
	}
	info, ok := c.connectors[h]
	if !ok {
		return nil, fmt.Errorf("no connector %d", h)
	}
	cp := *info
	cp.Encoders = append([]drm.EncoderHandle(nil), info.Encoders...)
	cp.Modes = append([]drm.Mode(nil), info.Modes...)
	return &cp, nil
}

func (c *Card) Encoder(h drm.EncoderHandle) (*drm.Encoder, error) {
	c.EncoderCalls = append(c.EncoderCalls, h)
	if err := c.EncoderErr[h]; err != nil {
		return nil, err
	}
	enc, ok := c.encoders[h]
	if !ok {
		return nil, fmt.Errorf("no encoder %d", h)
	}
	cp := *enc
	return &cp, nil
}

func (c *Card) Crtc(h drm.CrtcHandle) (*drm.CrtcInfo, error) {
	crtc, ok := c.crtcs[h]
	if !ok {
		return nil, fmt.Errorf("no crtc %d", h)
	}
	cp := *crtc
	return &cp, nil
}

func (c *Card) EDID(h drm.ConnectorHandle) ([]byte, error) {
	return c.edids[h], nil
}

// SetCrtcMode records what the CRTC scans out, as found at startup.
func (c *Card) SetCrtcMode(h drm.CrtcHandle, fb uint32, mode drm.Mode) {
	c.crtcs[h].Framebuffer = fb
	c.crtcs[h].Mode = &mode
}

// RemoveConnector drops h from the resource list, as when an MST sink goes
// away.
func (c *Card) RemoveConnector(h drm.ConnectorHandle) {
	for i, conn := range c.res.Connectors {
		if conn == h {
			c.res.Connectors = append(c.res.Connectors[:i], c.res.Connectors[i+1:]...)
			break
		}
	}
	delete(c.connectors, h)
}
