package drm

import (
	"github.com/fyshos/kms/edid"
)

type MonitorInfo struct {
	Manufacturer string
	Model        string
}

// ResolveEDID names the monitor behind h. Missing or corrupt EDID data is
// common and only yields ok == false.
func ResolveEDID(card Card, h ConnectorHandle) (MonitorInfo, bool) {
	data, err := card.EDID(h)
	if err != nil || len(data) == 0 {
		return MonitorInfo{}, false
	}
	blk, err := edid.Parse(data)
	if err != nil {
		return MonitorInfo{}, false
	}
	return MonitorInfo{Manufacturer: blk.Manufacturer(), Model: blk.Model()}, true
}
