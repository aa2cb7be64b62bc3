package drm

import (
	"encoding/binary"
	"time"
)

// FlipEvent is a decoded struct drm_event_vblank.
type FlipEvent struct {
	Crtc     CrtcHandle
	Sequence uint32
	Time     time.Duration
	UserData uint64
}

const vblankEventSize = 32

// ParseEvents decodes a buffer read from the device fd. Events other than
// flip completion are skipped, a truncated trailing event is dropped.
func ParseEvents(buf []byte) []FlipEvent {
	var out []FlipEvent
	for len(buf) >= 8 {
		typ := binary.NativeEndian.Uint32(buf[0:4])
		length := int(binary.NativeEndian.Uint32(buf[4:8]))
		if length < 8 || length > len(buf) {
			break
		}
		ev := buf[:length]
		buf = buf[length:]

		if typ != eventFlipComplete || length < vblankEventSize {
			continue
		}
		e := FlipEvent{
			UserData: binary.NativeEndian.Uint64(ev[8:16]),
			Sequence: binary.NativeEndian.Uint32(ev[24:28]),
			Crtc:     CrtcHandle(binary.NativeEndian.Uint32(ev[28:32])),
		}
		sec := binary.NativeEndian.Uint32(ev[16:20])
		usec := binary.NativeEndian.Uint32(ev[20:24])
		e.Time = time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
		// kernels before 4.12 leave crtc_id zero, the flip was tagged with it
		if e.Crtc == 0 {
			e.Crtc = CrtcHandle(e.UserData)
		}
		out = append(out, e)
	}
	return out
}
