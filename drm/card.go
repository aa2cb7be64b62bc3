package drm

// Card is the kernel resource view the scanner and mapper work against.
// Device implements it on a real DRM node; tests use an in-memory card.
type Card interface {
	Resources() (*Resources, error)
	// Connector forces a fresh probe of the connector.
	Connector(h ConnectorHandle) (*ConnectorInfo, error)
	Encoder(h EncoderHandle) (*Encoder, error)
	Crtc(h CrtcHandle) (*CrtcInfo, error)
	// EDID returns the raw EDID blob, nil when the connector has none.
	EDID(h ConnectorHandle) ([]byte, error)
}
