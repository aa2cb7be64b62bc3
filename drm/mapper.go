package drm

import (
	"fmt"

	"go.uber.org/zap"
)

// Mapper hands out CRTCs to connected connectors. It is a first-fit
// allocator: iteration order decides who wins a contended CRTC.
type Mapper struct {
	assigned map[ConnectorHandle]CrtcHandle
	held     map[ConnectorHandle]bool
	log      *zap.SugaredLogger
}

func NewMapper(log *zap.SugaredLogger) *Mapper {
	return &Mapper{
		assigned: make(map[ConnectorHandle]CrtcHandle),
		held:     make(map[ConnectorHandle]bool),
		log:      log,
	}
}

// Map releases the CRTCs of disconnected connectors and then tries to give
// every connected connector without one a CRTC. Connectors in Unknown state
// keep what they have and get nothing new.
func (m *Mapper) Map(card Card, conns []ConnectorInfo) error {
	res, err := card.Resources()
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}

	present := make(map[ConnectorHandle]ConnectorState, len(conns))
	for _, c := range conns {
		present[c.Handle] = c.State
	}
	for h, crtc := range m.assigned {
		state, ok := present[h]
		if m.held[h] || (ok && state != StateDisconnected) {
			continue
		}
		m.log.Debugw("releasing crtc", "connector", h, "crtc", crtc)
		delete(m.assigned, h)
	}

	for _, c := range conns {
		if c.State != StateConnected {
			continue
		}
		if _, ok := m.assigned[c.Handle]; ok {
			continue
		}
		crtc, err := m.acquire(card, res, &c)
		if err != nil {
			m.log.Warnw("no crtc for connector", "connector", c.Name(), "error", err)
			continue
		}
		m.log.Infow("assigned crtc", "connector", c.Name(), "crtc", crtc)
		m.assigned[c.Handle] = crtc
	}
	return nil
}

func (m *Mapper) acquire(card Card, res *Resources, c *ConnectorInfo) (CrtcHandle, error) {
	// keep whatever the firmware or the previous session set up to avoid a
	// modeset flicker
	if c.Encoder != 0 {
		enc, err := card.Encoder(c.Encoder)
		if err != nil {
			m.log.Debugw("current encoder query failed", "connector", c.Handle, "error", err)
		} else if enc.Crtc != 0 && !m.taken(enc.Crtc) {
			if _, ok := res.CrtcMask(enc.Crtc); ok {
				return enc.Crtc, nil
			}
		}
	}

	for _, e := range c.Encoders {
		enc, err := card.Encoder(e)
		if err != nil {
			return 0, err
		}
		for i, crtc := range res.Crtcs {
			if enc.PossibleCrtcs&(1<<uint(i)) == 0 {
				continue
			}
			if !m.taken(crtc) {
				return crtc, nil
			}
		}
	}
	return 0, fmt.Errorf("all compatible crtcs are taken")
}

func (m *Mapper) taken(crtc CrtcHandle) bool {
	for _, c := range m.assigned {
		if c == crtc {
			return true
		}
	}
	return false
}

func (m *Mapper) CrtcFor(h ConnectorHandle) (CrtcHandle, bool) {
	crtc, ok := m.assigned[h]
	return crtc, ok
}

// Hold pins the assignment of h across Map calls until Release, so that a
// surface with a flip in flight keeps its CRTC.
func (m *Mapper) Hold(h ConnectorHandle) {
	if _, ok := m.assigned[h]; ok {
		m.held[h] = true
	}
}

func (m *Mapper) Unhold(h ConnectorHandle) {
	delete(m.held, h)
}

func (m *Mapper) Release(h ConnectorHandle) {
	delete(m.held, h)
	delete(m.assigned, h)
}

// Assignments returns a copy of the assignment table.
func (m *Mapper) Assignments() map[ConnectorHandle]CrtcHandle {
	out := make(map[ConnectorHandle]CrtcHandle, len(m.assigned))
	for k, v := range m.assigned {
		out[k] = v
	}
	return out
}
