package drm

import "fmt"

type (
	ConnectorHandle uint32
	CrtcHandle      uint32
	EncoderHandle   uint32
)

type ConnectorState int

const (
	StateUnknown ConnectorState = iota
	StateConnected
	StateDisconnected
)

func (s ConnectorState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func connectorState(connection uint32) ConnectorState {
	switch connection {
	case connectionConnected:
		return StateConnected
	case connectionDisconnected:
		return StateDisconnected
	default:
		return StateUnknown
	}
}

const (
	modeTypePreferred = 1 << 3
)

// Mode is a display timing as reported by the kernel. The fields map one to
// one onto struct drm_mode_modeinfo so a Mode can be handed back to SETCRTC.
type Mode struct {
	Clock                                       uint32
	Width, HSyncStart, HSyncEnd, HTotal, HSkew  uint16
	Height, VSyncStart, VSyncEnd, VTotal, VScan uint16
	Refresh                                     uint32
	Flags, Type                                 uint32
	Name                                        string
}

func (m Mode) Preferred() bool {
	return m.Type&modeTypePreferred != 0
}

// RefreshMilliHz computes the refresh rate from the timings rather than the
// rounded Refresh field.
func (m Mode) RefreshMilliHz() int {
	if m.HTotal == 0 || m.VTotal == 0 {
		return int(m.Refresh) * 1000
	}
	return int(uint64(m.Clock) * 1000 * 1000 / (uint64(m.HTotal) * uint64(m.VTotal)))
}

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%d", m.Width, m.Height, m.Refresh)
}

// ConnectorInfo is one observation of a connector.
type ConnectorInfo struct {
	Handle   ConnectorHandle
	Kind     ConnectorKind
	KindID   uint32
	State    ConnectorState
	Encoder  EncoderHandle
	Encoders []EncoderHandle
	Modes    []Mode
	WidthMM  uint32
	HeightMM uint32
}

func (c *ConnectorInfo) Name() string {
	return fmt.Sprintf("%s-%d", c.Kind, c.KindID)
}

// PreferredMode returns the mode flagged preferred by the sink, else the
// first one.
func (c *ConnectorInfo) PreferredMode() (Mode, bool) {
	for _, m := range c.Modes {
		if m.Preferred() {
			return m, true
		}
	}
	if len(c.Modes) == 0 {
		return Mode{}, false
	}
	return c.Modes[0], true
}

type Encoder struct {
	Handle        EncoderHandle
	Crtc          CrtcHandle
	PossibleCrtcs uint32
}

type CrtcInfo struct {
	Handle      CrtcHandle
	Framebuffer uint32
	X, Y        uint32
	Mode        *Mode
}

type Resources struct {
	Connectors []ConnectorHandle
	Crtcs      []CrtcHandle
	Encoders   []EncoderHandle
}

// CrtcMask returns the bit of crtc in an encoder's possible_crtcs mask.
func (r *Resources) CrtcMask(crtc CrtcHandle) (uint32, bool) {
	for i, c := range r.Crtcs {
		if c == crtc {
			return 1 << uint(i), true
		}
	}
	return 0, false
}
