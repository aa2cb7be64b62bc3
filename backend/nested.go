package backend

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"go.uber.org/zap"

	"github.com/fyshos/kms/config"
	"github.com/fyshos/kms/drm"
	"github.com/fyshos/kms/eventloop"
	"github.com/fyshos/kms/input"
	"github.com/fyshos/kms/logging"
	"github.com/fyshos/kms/session"
	"github.com/fyshos/kms/surface"
)

const (
	nestedCrtc   drm.CrtcHandle = 1
	nestedOutput OutputID       = 1

	defaultRefreshMilliHz = 60000
	putImageHeader        = 24
)

type xEvent struct {
	ev  xgb.Event
	err xgb.Error
}

// nestedBackend shows a single output in an X11 window. A timerfd stands
// in for vblank.
type nestedBackend struct {
	handler Handler
	log     *zap.SugaredLogger
	sess    session.Nested

	conn        *xgb.Conn
	screen      *xproto.ScreenInfo
	win         xproto.Window
	gc          xproto.Gcontext
	wmProtocols xproto.Atom
	wmDelete    xproto.Atom
	maxRequest  int
	hasRandr    bool

	loop    *eventloop.Loop
	timer   *eventloop.Timer
	xevents *eventloop.Channel[xEvent]

	alloc        *surface.MemoryAllocator
	surf         *surface.Surface
	desc         OutputDescriptor
	cursor       *CursorImage
	followHost   bool
	refreshMilli int
	pendingSize  image.Point
	closing      bool
}

func newNestedBackend(cfg *config.Settings, h Handler, logger *logging.Logger) (*nestedBackend, error) {
	b := &nestedBackend{
		handler:      h,
		log:          logger.Named("nested"),
		alloc:        surface.NewMemoryAllocator(),
		followHost:   cfg.Nested.RefreshHz == 0,
		refreshMilli: cfg.Nested.RefreshHz * 1000,
	}
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("connect to X server: %w", err)
	}
	b.conn = conn
	if err := b.setup(cfg.Nested.Width, cfg.Nested.Height); err != nil {
		b.release()
		return nil, err
	}
	return b, nil
}

func (b *nestedBackend) setup(width, height int) error {
	setup := xproto.Setup(b.conn)
	b.screen = setup.DefaultScreen(b.conn)
	b.maxRequest = int(setup.MaximumRequestLength) * 4

	if err := randr.Init(b.conn); err != nil {
		b.log.Debugw("no RandR on host", "error", err)
	} else {
		b.hasRandr = true
	}
	if b.followHost {
		b.refreshMilli = b.hostRefresh()
	}

	var err error
	if b.win, err = xproto.NewWindowId(b.conn); err != nil {
		return err
	}
	err = xproto.CreateWindowChecked(b.conn, b.screen.RootDepth, b.win, b.screen.Root,
		0, 0, uint16(width), uint16(height), 0,
		xproto.WindowClassInputOutput, b.screen.RootVisual,
		xproto.CwBackPixel|xproto.CwEventMask,
		[]uint32{
			b.screen.BlackPixel,
			xproto.EventMaskExposure |
				xproto.EventMaskKeyPress |
				xproto.EventMaskKeyRelease |
				xproto.EventMaskButtonPress |
				xproto.EventMaskButtonRelease |
				xproto.EventMaskPointerMotion |
				xproto.EventMaskStructureNotify,
		}).Check()
	if err != nil {
		return fmt.Errorf("create window: %w", err)
	}
	if b.gc, err = xproto.NewGcontextId(b.conn); err != nil {
		return err
	}
	if err := xproto.CreateGCChecked(b.conn, b.gc, xproto.Drawable(b.win), 0, nil).Check(); err != nil {
		return fmt.Errorf("create gc: %w", err)
	}

	title := "kms nested"
	xproto.ChangeProperty(b.conn, xproto.PropModeReplace, b.win, xproto.AtomWmName,
		xproto.AtomString, 8, uint32(len(title)), []byte(title))
	b.wmProtocols, _ = b.atom("WM_PROTOCOLS")
	if b.wmDelete, err = b.atom("WM_DELETE_WINDOW"); err == nil {
		data := make([]byte, 4)
		xgb.Put32(data, uint32(b.wmDelete))
		xproto.ChangeProperty(b.conn, xproto.PropModeReplace, b.win, b.wmProtocols,
			xproto.AtomAtom, 32, 1, data)
	}
	if b.hasRandr {
		if err := randr.SelectInputChecked(b.conn, b.screen.Root, randr.NotifyMaskScreenChange).Check(); err != nil {
			b.log.Debugw("no RandR notifications", "error", err)
		}
	}
	xproto.MapWindow(b.conn, b.win)

	if b.loop, err = eventloop.New(); err != nil {
		return err
	}
	if b.xevents, err = eventloop.NewChannel(b.loop, b.onX); err != nil {
		return err
	}
	go b.readX()

	mode := b.mode(width, height)
	if b.surf, err = surface.New(nestedCrtc, nil, mode, b.alloc, b, b.log.Named("surface")); err != nil {
		return err
	}
	b.desc = OutputDescriptor{
		ID:    nestedOutput,
		Name:  "X11-1",
		Make:  "X11",
		Model: "nested",
		Mode:  b.outputMode(mode),
	}
	b.desc.Modes = []Mode{b.desc.Mode}

	b.timer, err = eventloop.NewTimer(b.loop, b.frameInterval(), func(uint64) { b.tick() })
	return err
}

func (b *nestedBackend) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(b.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

// hostRefresh reads the refresh rate of the first lit CRTC of the host.
func (b *nestedBackend) hostRefresh() int {
	if !b.hasRandr {
		return defaultRefreshMilliHz
	}
	mhz, err := hostRefreshMilliHz(b.conn, b.screen.Root)
	if err != nil {
		b.log.Debugw("host refresh unknown", "error", err)
		return defaultRefreshMilliHz
	}
	return mhz
}

func hostRefreshMilliHz(conn *xgb.Conn, root xproto.Window) (int, error) {
	resources, err := randr.GetScreenResources(conn, root).Reply()
	if err != nil {
		return 0, err
	}
	for _, crtc := range resources.Crtcs {
		info, err := randr.GetCrtcInfo(conn, crtc, resources.ConfigTimestamp).Reply()
		if err != nil || info.Mode == 0 {
			continue
		}
		for _, m := range resources.Modes {
			if randr.Mode(m.Id) == info.Mode {
				if mhz := modeRefresh(m); mhz > 0 {
					return mhz, nil
				}
			}
		}
	}
	return 0, errors.New("no active CRTC")
}

func modeRefresh(m randr.ModeInfo) int {
	if m.Htotal == 0 || m.Vtotal == 0 {
		return 0
	}
	return int(uint64(m.DotClock) * 1000 / (uint64(m.Htotal) * uint64(m.Vtotal)))
}

func (b *nestedBackend) frameInterval() time.Duration {
	return time.Duration(int64(time.Second) * 1000 / int64(b.refreshMilli))
}

func (b *nestedBackend) mode(width, height int) drm.Mode {
	return drm.Mode{
		Width:   uint16(width),
		Height:  uint16(height),
		Refresh: uint32((b.refreshMilli + 500) / 1000),
		Type:    1 << 3,
		Name:    fmt.Sprintf("%dx%d", width, height),
	}
}

func (b *nestedBackend) outputMode(m drm.Mode) Mode {
	return Mode{Width: int(m.Width), Height: int(m.Height), RefreshMilliHz: b.refreshMilli, Preferred: true}
}

func (b *nestedBackend) readX() {
	for {
		ev, err := b.conn.WaitForEvent()
		if ev == nil && err == nil {
			return
		}
		b.xevents.Send(xEvent{ev: ev, err: err})
	}
}

func (b *nestedBackend) Kind() Kind                  { return KindNested }
func (b *nestedBackend) sealed()                     {}
func (b *nestedBackend) Stop()                       { b.loop.Stop() }
func (b *nestedBackend) ChangeVT(vt int) error       { return b.sess.ChangeVT(vt) }
func (b *nestedBackend) IsActive() bool              { return b.sess.IsActive() }
func (b *nestedBackend) SetCursor(c *CursorImage)    { b.cursor = c }
func (b *nestedBackend) Outputs() []OutputDescriptor { return []OutputDescriptor{b.desc} }

func (b *nestedBackend) Export(id OutputID) ([]int, error) {
	if id != nestedOutput {
		return nil, ErrUnknownOutput
	}
	return b.surf.Export()
}

func (b *nestedBackend) Run() error {
	b.handler.Started(b)
	b.handler.OutputCreated(b.desc)
	if err := b.surf.Modeset(); err != nil {
		b.log.Errorw("initial frame", "error", err)
	}
	b.render()
	err := b.loop.Run()

	b.closing = true
	if b.surf.Queued() {
		b.surf.FrameSubmitted()
	}
	if err := b.surf.Destroy(); err != nil {
		b.log.Warnw("destroying surface", "error", err)
	}
	b.handler.OutputRemoved(nestedOutput)
	b.release()
	b.handler.Stopped()
	return err
}

func (b *nestedBackend) release() {
	if b.timer != nil {
		b.timer.Close()
	}
	if b.xevents != nil {
		b.xevents.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.loop != nil {
		b.loop.Close()
	}
}

// tick is the emulated vblank.
func (b *nestedBackend) tick() {
	if b.closing {
		return
	}
	if b.surf.Queued() {
		if err := b.surf.FrameSubmitted(); err != nil {
			b.log.Warnw("frame completion", "error", err)
		}
		if b.pendingSize != (image.Point{}) {
			b.resize()
			return
		}
		b.handler.SendFrames(nestedOutput)
	}
	b.render()
}

func (b *nestedBackend) render() {
	buf, age, err := b.surf.NextBuffer()
	if err != nil {
		return
	}
	damage := b.handler.OutputRender(buf.Image(), nestedOutput, age, b.cursor)
	if err := b.surf.QueueBuffer(damage); err != nil {
		b.log.Errorw("queueing frame", "error", err)
	}
}

func (b *nestedBackend) resize() {
	size := b.pendingSize
	b.pendingSize = image.Point{}
	mode := b.mode(size.X, size.Y)
	surf, err := surface.New(nestedCrtc, nil, mode, b.alloc, b, b.log.Named("surface"))
	if err != nil {
		b.log.Errorw("resizing output", "error", err)
		return
	}
	b.surf.Destroy()
	b.surf = surf
	b.desc.Mode = b.outputMode(mode)
	b.desc.Modes = []Mode{b.desc.Mode}
	if err := b.surf.Modeset(); err != nil {
		b.log.Warnw("clearing resized output", "error", err)
	}
	b.handler.OutputModeUpdated(nestedOutput, b.desc.Mode)
	b.render()
}

// SetCrtc and PageFlip make the window the scanout target of the surface.

func (b *nestedBackend) SetCrtc(_ drm.CrtcHandle, fb uint32, _, _ uint32, _ []drm.ConnectorHandle, _ *drm.Mode) error {
	buf := b.buffer(fb)
	if buf == nil {
		return fmt.Errorf("unknown framebuffer %d", fb)
	}
	b.present(buf, nil)
	return nil
}

func (b *nestedBackend) PageFlip(_ drm.CrtcHandle, fb uint32, _ uint64) error {
	buf := b.buffer(fb)
	if buf == nil {
		return fmt.Errorf("unknown framebuffer %d", fb)
	}
	b.present(buf, buf.Damage)
	return nil
}

func (b *nestedBackend) buffer(fb uint32) *surface.Buffer {
	if b.surf == nil {
		return nil
	}
	for _, buf := range b.surf.Buffers() {
		if buf.FB == fb {
			return buf
		}
	}
	return nil
}

type imageChunk struct {
	rect image.Rectangle
	data []byte
}

// imageChunks splits r of buf into PutImage requests no larger than
// maxRequest bytes.
func imageChunks(buf *surface.Buffer, r image.Rectangle, maxRequest int) []imageChunk {
	r = r.Intersect(buf.Bounds())
	if r.Empty() {
		return nil
	}
	rowBytes := r.Dx() * 4
	rows := (maxRequest - putImageHeader) / rowBytes
	if rows < 1 {
		rows = 1
	}
	pix := buf.Pix()
	var out []imageChunk
	for y := r.Min.Y; y < r.Max.Y; y += rows {
		h := min(rows, r.Max.Y-y)
		data := make([]byte, 0, h*rowBytes)
		for row := y; row < y+h; row++ {
			off := row*buf.Stride + r.Min.X*4
			data = append(data, pix[off:off+rowBytes]...)
		}
		out = append(out, imageChunk{rect: image.Rect(r.Min.X, y, r.Max.X, y+h), data: data})
	}
	return out
}

func (b *nestedBackend) present(buf *surface.Buffer, damage []image.Rectangle) {
	if len(damage) == 0 {
		damage = []image.Rectangle{buf.Bounds()}
	}
	for _, r := range damage {
		for _, c := range imageChunks(buf, r, b.maxRequest) {
			xproto.PutImage(b.conn, xproto.ImageFormatZPixmap, xproto.Drawable(b.win), b.gc,
				uint16(c.rect.Dx()), uint16(c.rect.Dy()), int16(c.rect.Min.X), int16(c.rect.Min.Y),
				0, b.screen.RootDepth, c.data)
		}
	}
}

func (b *nestedBackend) onX(e xEvent) {
	if e.err != nil {
		b.log.Warnw("X error", "error", e.err)
		return
	}
	switch ev := e.ev.(type) {
	case xproto.ExposeEvent:
		if ev.Count == 0 {
			b.present(b.surf.Front(), nil)
		}
	case xproto.ConfigureNotifyEvent:
		size := image.Pt(int(ev.Width), int(ev.Height))
		if size == b.surf.Front().Bounds().Size() {
			return
		}
		b.pendingSize = size
		if !b.surf.Queued() {
			b.resize()
		}
	case xproto.ClientMessageEvent:
		if ev.Type == b.wmProtocols && len(ev.Data.Data32) > 0 && xproto.Atom(ev.Data.Data32[0]) == b.wmDelete {
			b.log.Info("window closed")
			b.Stop()
		}
	case randr.ScreenChangeNotifyEvent:
		if b.followHost {
			b.refreshMilli = b.hostRefresh()
			if err := b.timer.Reset(b.frameInterval()); err != nil {
				b.log.Warnw("retiming frames", "error", err)
			}
		}
	default:
		for _, ie := range translateX(e.ev) {
			b.handler.ProcessInputEvent(ie, nestedOutput)
		}
	}
}

// linux/input-event-codes.h
const (
	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112
	relHWheel = 0x06
	relWheel  = 0x08
	absX      = 0x00
	absY      = 0x01
	synReport = 0x00

	// X keycodes are evdev codes shifted by 8
	xKeycodeOffset = 8
)

// translateX turns an X input event into evdev events closed by a
// SYN_REPORT.
func translateX(ev xgb.Event) []input.Event {
	var out []input.Event
	var ts xproto.Timestamp
	add := func(typ, code uint16, value int32) {
		out = append(out, input.Event{Device: "x11", Type: typ, Code: code, Value: value})
	}
	button := func(detail xproto.Button, pressed bool) {
		v := int32(0)
		if pressed {
			v = 1
		}
		switch detail {
		case 1:
			add(input.EvKey, btnLeft, v)
		case 2:
			add(input.EvKey, btnMiddle, v)
		case 3:
			add(input.EvKey, btnRight, v)
		case 4, 5, 6, 7:
			if !pressed {
				return
			}
			code, step := uint16(relWheel), int32(1)
			if detail == 5 || detail == 7 {
				step = -1
			}
			if detail >= 6 {
				code = relHWheel
			}
			add(input.EvRel, code, step)
		}
	}

	switch ev := ev.(type) {
	case xproto.KeyPressEvent:
		ts = ev.Time
		add(input.EvKey, uint16(ev.Detail)-xKeycodeOffset, 1)
	case xproto.KeyReleaseEvent:
		ts = ev.Time
		add(input.EvKey, uint16(ev.Detail)-xKeycodeOffset, 0)
	case xproto.ButtonPressEvent:
		ts = ev.Time
		button(ev.Detail, true)
	case xproto.ButtonReleaseEvent:
		ts = ev.Time
		button(ev.Detail, false)
	case xproto.MotionNotifyEvent:
		ts = ev.Time
		add(input.EvAbs, absX, int32(ev.EventX))
		add(input.EvAbs, absY, int32(ev.EventY))
	}
	if len(out) == 0 {
		return nil
	}
	add(input.EvSyn, synReport, 0)
	for i := range out {
		out[i].Time = time.Duration(ts) * time.Millisecond
	}
	return out
}
