package drm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Request numbers follow the generic Linux encoding:
// dir<<30 | size<<16 | 'd'<<8 | nr.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	ioctlBase = 'd'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | ioctlBase<<8 | nr
}

const (
	connectionConnected    = 1
	connectionDisconnected = 2

	pageFlipEvent = 0x01

	eventVblank       = 0x01
	eventFlipComplete = 0x02
)

type modeCardRes struct {
	fbIDPtr         uint64
	crtcIDPtr       uint64
	connectorIDPtr  uint64
	encoderIDPtr    uint64
	countFbs        uint32
	countCrtcs      uint32
	countConnectors uint32
	countEncoders   uint32
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
}

type modeInfo struct {
	clock                                         uint32
	hdisplay, hsyncStart, hsyncEnd, htotal, hskew uint16
	vdisplay, vsyncStart, vsyncEnd, vtotal, vscan uint16
	vrefresh                                      uint32
	flags                                         uint32
	typ                                           uint32
	name                                          [32]byte
}

type modeGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	pad             uint32
}

type modeGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

type modeCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x, y             uint32
	gammaSize        uint32
	modeValid        uint32
	mode             modeInfo
}

type modeObjGetProperties struct {
	propsPtr      uint64
	propValuesPtr uint64
	countProps    uint32
	objID         uint32
	objType       uint32
}

type modeGetProperty struct {
	valuesPtr      uint64
	enumBlobPtr    uint64
	propID         uint32
	flags          uint32
	name           [32]byte
	countValues    uint32
	countEnumBlobs uint32
}

type modeGetBlob struct {
	blobID uint32
	length uint32
	data   uint64
}

type modeCreateDumb struct {
	height, width uint32
	bpp           uint32
	flags         uint32
	handle        uint32
	pitch         uint32
	size          uint64
}

type modeMapDumb struct {
	handle uint32
	pad    uint32
	offset uint64
}

type modeDestroyDumb struct {
	handle uint32
}

type modeFBCmd struct {
	fbID          uint32
	width, height uint32
	pitch         uint32
	bpp           uint32
	depth         uint32
	handle        uint32
}

type modeCrtcPageFlip struct {
	crtcID   uint32
	fbID     uint32
	flags    uint32
	reserved uint32
	userData uint64
}

type primeHandle struct {
	handle uint32
	flags  uint32
	fd     int32
}

const objectConnector = 0xc0c0c0c0

var (
	ioctlSetMaster  = ioc(iocNone, 0x1e, 0)
	ioctlDropMaster = ioc(iocNone, 0x1f, 0)

	ioctlPrimeHandleToFD = ioc(iocRead|iocWrite, 0x2d, unsafe.Sizeof(primeHandle{}))

	ioctlModeGetResources     = ioc(iocRead|iocWrite, 0xa0, unsafe.Sizeof(modeCardRes{}))
	ioctlModeGetCrtc          = ioc(iocRead|iocWrite, 0xa1, unsafe.Sizeof(modeCrtc{}))
	ioctlModeSetCrtc          = ioc(iocRead|iocWrite, 0xa2, unsafe.Sizeof(modeCrtc{}))
	ioctlModeGetEncoder       = ioc(iocRead|iocWrite, 0xa6, unsafe.Sizeof(modeGetEncoder{}))
	ioctlModeGetConnector     = ioc(iocRead|iocWrite, 0xa7, unsafe.Sizeof(modeGetConnector{}))
	ioctlModeGetProperty      = ioc(iocRead|iocWrite, 0xaa, unsafe.Sizeof(modeGetProperty{}))
	ioctlModeGetPropBlob      = ioc(iocRead|iocWrite, 0xac, unsafe.Sizeof(modeGetBlob{}))
	ioctlModeAddFB            = ioc(iocRead|iocWrite, 0xae, unsafe.Sizeof(modeFBCmd{}))
	ioctlModeRmFB             = ioc(iocRead|iocWrite, 0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip         = ioc(iocRead|iocWrite, 0xb0, unsafe.Sizeof(modeCrtcPageFlip{}))
	ioctlModeCreateDumb       = ioc(iocRead|iocWrite, 0xb2, unsafe.Sizeof(modeCreateDumb{}))
	ioctlModeMapDumb          = ioc(iocRead|iocWrite, 0xb3, unsafe.Sizeof(modeMapDumb{}))
	ioctlModeDestroyDumb      = ioc(iocRead|iocWrite, 0xb4, unsafe.Sizeof(modeDestroyDumb{}))
	ioctlModeObjGetProperties = ioc(iocRead|iocWrite, 0xb9, unsafe.Sizeof(modeObjGetProperties{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errors.Is(errno, unix.EINTR) || errors.Is(errno, unix.EAGAIN) {
			continue
		}
		return errno
	}
}

func (m *modeInfo) toMode() Mode {
	return Mode{
		Clock:      m.clock,
		Width:      m.hdisplay,
		HSyncStart: m.hsyncStart,
		HSyncEnd:   m.hsyncEnd,
		HTotal:     m.htotal,
		HSkew:      m.hskew,
		Height:     m.vdisplay,
		VSyncStart: m.vsyncStart,
		VSyncEnd:   m.vsyncEnd,
		VTotal:     m.vtotal,
		VScan:      m.vscan,
		Refresh:    m.vrefresh,
		Flags:      m.flags,
		Type:       m.typ,
		Name:       cstring(m.name[:]),
	}
}

func fromMode(m *Mode) modeInfo {
	info := modeInfo{
		clock:      m.Clock,
		hdisplay:   m.Width,
		hsyncStart: m.HSyncStart,
		hsyncEnd:   m.HSyncEnd,
		htotal:     m.HTotal,
		hskew:      m.HSkew,
		vdisplay:   m.Height,
		vsyncStart: m.VSyncStart,
		vsyncEnd:   m.VSyncEnd,
		vtotal:     m.VTotal,
		vscan:      m.VScan,
		vrefresh:   m.Refresh,
		flags:      m.Flags,
		typ:        m.Type,
	}
	copy(info.name[:len(info.name)-1], m.Name)
	return info
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}
