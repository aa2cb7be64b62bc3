package drm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Opener hands out device nodes. The session broker implements it so that
// the privileged open never happens in this package.
type Opener interface {
	Open(path string, flags int) (*os.File, error)
	Close(f *os.File) error
}

// Device is one open DRM card node.
type Device struct {
	file   *os.File
	fd     int
	path   string
	opener Opener
	log    *zap.SugaredLogger
}

var _ Card = (*Device)(nil)

func Open(opener Opener, path string, log *zap.SugaredLogger) (*Device, error) {
	f, err := opener.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		opener.Close(f)
		return nil, fmt.Errorf("set nonblock %s: %w", path, err)
	}
	return &Device{file: f, fd: fd, path: path, opener: opener, log: log}, nil
}

func (d *Device) Path() string { return d.path }
func (d *Device) Fd() int      { return d.fd }

// Devnum returns the character device number of the node.
func (d *Device) Devnum() (major, minor uint32, err error) {
	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return 0, 0, &Error{Op: "fstat", Err: err}
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}

func (d *Device) Close() error {
	return d.opener.Close(d.file)
}

func (d *Device) SetMaster() error {
	if err := ioctl(d.fd, ioctlSetMaster, nil); err != nil {
		return &Error{Op: "set master", Err: err}
	}
	return nil
}

func (d *Device) DropMaster() error {
	if err := ioctl(d.fd, ioctlDropMaster, nil); err != nil {
		return &Error{Op: "drop master", Err: err}
	}
	return nil
}

func (d *Device) Resources() (*Resources, error) {
	// counts can grow between the two calls on hotplug, retry until stable
	for {
		var res modeCardRes
		if err := ioctl(d.fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
			return nil, &Error{Op: "get resources", Err: err}
		}

		fbs := make([]uint32, res.countFbs)
		crtcs := make([]uint32, res.countCrtcs)
		conns := make([]uint32, res.countConnectors)
		encs := make([]uint32, res.countEncoders)
		want := res
		res.fbIDPtr = ptr(fbs)
		res.crtcIDPtr = ptr(crtcs)
		res.connectorIDPtr = ptr(conns)
		res.encoderIDPtr = ptr(encs)

		err := ioctl(d.fd, ioctlModeGetResources, unsafe.Pointer(&res))
		runtime.KeepAlive(fbs)
		runtime.KeepAlive(crtcs)
		runtime.KeepAlive(conns)
		runtime.KeepAlive(encs)
		if err != nil {
			return nil, &Error{Op: "get resources", Err: err}
		}
		if res.countFbs > want.countFbs || res.countCrtcs > want.countCrtcs ||
			res.countConnectors > want.countConnectors || res.countEncoders > want.countEncoders {
			continue
		}

		out := &Resources{}
		for _, c := range conns[:res.countConnectors] {
			out.Connectors = append(out.Connectors, ConnectorHandle(c))
		}
		for _, c := range crtcs[:res.countCrtcs] {
			out.Crtcs = append(out.Crtcs, CrtcHandle(c))
		}
		for _, e := range encs[:res.countEncoders] {
			out.Encoders = append(out.Encoders, EncoderHandle(e))
		}
		return out, nil
	}
}

// Connector probes h. The first GETCONNECTOR with zero counts makes the
// kernel re-detect the sink instead of returning cached state.
func (d *Device) Connector(h ConnectorHandle) (*ConnectorInfo, error) {
	for {
		conn := modeGetConnector{connectorID: uint32(h)}
		if err := ioctl(d.fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
			return nil, &Error{Op: "get connector", Object: uint32(h), Err: err}
		}

		modes := make([]modeInfo, conn.countModes)
		encs := make([]uint32, conn.countEncoders)
		props := make([]uint32, conn.countProps)
		values := make([]uint64, conn.countProps)
		want := conn
		conn.modesPtr = ptr(modes)
		conn.encodersPtr = ptr(encs)
		conn.propsPtr = ptr(props)
		conn.propValuesPtr = ptr(values)

		err := ioctl(d.fd, ioctlModeGetConnector, unsafe.Pointer(&conn))
		runtime.KeepAlive(modes)
		runtime.KeepAlive(encs)
		runtime.KeepAlive(props)
		runtime.KeepAlive(values)
		if err != nil {
			return nil, &Error{Op: "get connector", Object: uint32(h), Err: err}
		}
		if conn.countModes > want.countModes || conn.countEncoders > want.countEncoders ||
			conn.countProps > want.countProps {
			continue
		}

		info := &ConnectorInfo{
			Handle:   h,
			Kind:     ConnectorKind(conn.connectorType),
			KindID:   conn.connectorTypeID,
			State:    connectorState(conn.connection),
			Encoder:  EncoderHandle(conn.encoderID),
			WidthMM:  conn.mmWidth,
			HeightMM: conn.mmHeight,
		}
		for i := range modes[:conn.countModes] {
			info.Modes = append(info.Modes, modes[i].toMode())
		}
		for _, e := range encs[:conn.countEncoders] {
			info.Encoders = append(info.Encoders, EncoderHandle(e))
		}
		return info, nil
	}
}

func (d *Device) Encoder(h EncoderHandle) (*Encoder, error) {
	enc := modeGetEncoder{encoderID: uint32(h)}
	if err := ioctl(d.fd, ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return nil, &Error{Op: "get encoder", Object: uint32(h), Err: err}
	}
	return &Encoder{
		Handle:        h,
		Crtc:          CrtcHandle(enc.crtcID),
		PossibleCrtcs: enc.possibleCrtcs,
	}, nil
}

func (d *Device) Crtc(h CrtcHandle) (*CrtcInfo, error) {
	crtc := modeCrtc{crtcID: uint32(h)}
	if err := ioctl(d.fd, ioctlModeGetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return nil, &Error{Op: "get crtc", Object: uint32(h), Err: err}
	}
	info := &CrtcInfo{
		Handle:      h,
		Framebuffer: crtc.fbID,
		X:           crtc.x,
		Y:           crtc.y,
	}
	if crtc.modeValid != 0 {
		m := crtc.mode.toMode()
		info.Mode = &m
	}
	return info, nil
}

// SetCrtc performs a legacy modeset. A nil mode disables the crtc.
func (d *Device) SetCrtc(h CrtcHandle, fb uint32, x, y uint32, conns []ConnectorHandle, mode *Mode) error {
	ids := make([]uint32, len(conns))
	for i, c := range conns {
		ids[i] = uint32(c)
	}
	crtc := modeCrtc{
		setConnectorsPtr: ptr(ids),
		countConnectors:  uint32(len(ids)),
		crtcID:           uint32(h),
		fbID:             fb,
		x:                x,
		y:                y,
	}
	if mode != nil {
		crtc.mode = fromMode(mode)
		crtc.modeValid = 1
	}
	err := ioctl(d.fd, ioctlModeSetCrtc, unsafe.Pointer(&crtc))
	runtime.KeepAlive(ids)
	if err != nil {
		return &Error{Op: "set crtc", Object: uint32(h), Err: err}
	}
	return nil
}

// PageFlip schedules fb on crtc at the next vblank and asks for a completion
// event carrying userData.
func (d *Device) PageFlip(h CrtcHandle, fb uint32, userData uint64) error {
	flip := modeCrtcPageFlip{
		crtcID:   uint32(h),
		fbID:     fb,
		flags:    pageFlipEvent,
		userData: userData,
	}
	if err := ioctl(d.fd, ioctlModePageFlip, unsafe.Pointer(&flip)); err != nil {
		return &Error{Op: "page flip", Object: uint32(h), Err: err}
	}
	return nil
}

// EDID walks the connector's properties looking for the EDID blob.
func (d *Device) EDID(h ConnectorHandle) ([]byte, error) {
	ids, values, err := d.objectProperties(uint32(h), objectConnector)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		prop := modeGetProperty{propID: id}
		if err := ioctl(d.fd, ioctlModeGetProperty, unsafe.Pointer(&prop)); err != nil {
			return nil, &Error{Op: "get property", Object: id, Err: err}
		}
		if cstring(prop.name[:]) != "EDID" {
			continue
		}
		if values[i] == 0 {
			return nil, nil
		}
		return d.blob(uint32(values[i]))
	}
	return nil, nil
}

func (d *Device) objectProperties(obj, typ uint32) ([]uint32, []uint64, error) {
	for {
		req := modeObjGetProperties{objID: obj, objType: typ}
		if err := ioctl(d.fd, ioctlModeObjGetProperties, unsafe.Pointer(&req)); err != nil {
			return nil, nil, &Error{Op: "get object properties", Object: obj, Err: err}
		}
		ids := make([]uint32, req.countProps)
		values := make([]uint64, req.countProps)
		want := req.countProps
		req.propsPtr = ptr(ids)
		req.propValuesPtr = ptr(values)

		err := ioctl(d.fd, ioctlModeObjGetProperties, unsafe.Pointer(&req))
		runtime.KeepAlive(ids)
		runtime.KeepAlive(values)
		if err != nil {
			return nil, nil, &Error{Op: "get object properties", Object: obj, Err: err}
		}
		if req.countProps > want {
			continue
		}
		return ids[:req.countProps], values[:req.countProps], nil
	}
}

func (d *Device) blob(id uint32) ([]byte, error) {
	req := modeGetBlob{blobID: id}
	if err := ioctl(d.fd, ioctlModeGetPropBlob, unsafe.Pointer(&req)); err != nil {
		return nil, &Error{Op: "get blob", Object: id, Err: err}
	}
	data := make([]byte, req.length)
	req.data = ptr(data)
	err := ioctl(d.fd, ioctlModeGetPropBlob, unsafe.Pointer(&req))
	runtime.KeepAlive(data)
	if err != nil {
		return nil, &Error{Op: "get blob", Object: id, Err: err}
	}
	return data[:req.length], nil
}

// Dumb is a CPU-mappable scanout buffer object.
type Dumb struct {
	Handle uint32
	Pitch  uint32
	Size   uint64
}

func (d *Device) CreateDumb(width, height, bpp uint32) (Dumb, error) {
	req := modeCreateDumb{width: width, height: height, bpp: bpp}
	if err := ioctl(d.fd, ioctlModeCreateDumb, unsafe.Pointer(&req)); err != nil {
		return Dumb{}, &Error{Op: "create dumb", Err: err}
	}
	return Dumb{Handle: req.handle, Pitch: req.pitch, Size: req.size}, nil
}

// MapDumb returns the fake offset to mmap the buffer at on the device fd.
func (d *Device) MapDumb(handle uint32) (uint64, error) {
	req := modeMapDumb{handle: handle}
	if err := ioctl(d.fd, ioctlModeMapDumb, unsafe.Pointer(&req)); err != nil {
		return 0, &Error{Op: "map dumb", Object: handle, Err: err}
	}
	return req.offset, nil
}

func (d *Device) DestroyDumb(handle uint32) error {
	req := modeDestroyDumb{handle: handle}
	if err := ioctl(d.fd, ioctlModeDestroyDumb, unsafe.Pointer(&req)); err != nil {
		return &Error{Op: "destroy dumb", Object: handle, Err: err}
	}
	return nil
}

func (d *Device) AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	req := modeFBCmd{
		width:  width,
		height: height,
		pitch:  pitch,
		bpp:    uint32(bpp),
		depth:  uint32(depth),
		handle: handle,
	}
	if err := ioctl(d.fd, ioctlModeAddFB, unsafe.Pointer(&req)); err != nil {
		return 0, &Error{Op: "add fb", Err: err}
	}
	return req.fbID, nil
}

func (d *Device) RmFB(fb uint32) error {
	if err := ioctl(d.fd, ioctlModeRmFB, unsafe.Pointer(&fb)); err != nil {
		return &Error{Op: "rm fb", Object: fb, Err: err}
	}
	return nil
}

// ExportDmabuf turns a GEM handle into a dma-buf file descriptor.
func (d *Device) ExportDmabuf(handle uint32) (int, error) {
	req := primeHandle{handle: handle, flags: unix.O_CLOEXEC | unix.O_RDWR}
	if err := ioctl(d.fd, ioctlPrimeHandleToFD, unsafe.Pointer(&req)); err != nil {
		return -1, &Error{Op: "prime handle to fd", Object: handle, Err: err}
	}
	return int(req.fd), nil
}

// Mmap maps a dumb buffer at offset as returned by MapDumb.
func (d *Device) Mmap(offset uint64, size int) ([]byte, error) {
	data, err := unix.Mmap(d.fd, int64(offset), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}
	return data, nil
}

// ReadEvents drains pending vblank/page-flip events and hands every flip
// completion to fn.
func (d *Device) ReadEvents(fn func(FlipEvent)) error {
	buf := make([]byte, 1024)
	for {
		n, err := unix.Read(d.fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return &Error{Op: "read events", Err: err}
		}
		if n == 0 {
			return nil
		}
		for _, ev := range ParseEvents(buf[:n]) {
			fn(ev)
		}
	}
}
