package drm

type ConnectorKind uint32

var kindNames = [...]string{
	"Unknown",
	"VGA",
	"DVI-I",
	"DVI-D",
	"DVI-A",
	"Composite",
	"SVIDEO",
	"LVDS",
	"Component",
	"DIN",
	"DP",
	"HDMI-A",
	"HDMI-B",
	"TV",
	"eDP",
	"Virtual",
	"DSI",
	"DPI",
	"Writeback",
	"SPI",
	"USB",
}

func (k ConnectorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[0]
}

// Internal reports panels built into the machine, which are preferred as
// the first output.
func (k ConnectorKind) Internal() bool {
	switch k.String() {
	case "LVDS", "eDP", "DSI":
		return true
	}
	return false
}
