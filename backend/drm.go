package backend

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyshos/kms/config"
	"github.com/fyshos/kms/drm"
	"github.com/fyshos/kms/eventloop"
	"github.com/fyshos/kms/input"
	"github.com/fyshos/kms/logging"
	"github.com/fyshos/kms/session"
	"github.com/fyshos/kms/surface"
	"github.com/fyshos/kms/udev"
)

const flipDrainTimeout = time.Second

type output struct {
	desc OutputDescriptor
	conn drm.ConnectorHandle
	crtc drm.CrtcHandle
	mode drm.Mode
	surf *surface.Surface

	// set while a flip is in flight and acted on when it lands
	pendingTeardown bool
	pendingMode     *drm.Mode
	needsModeset    bool
}

type savedCrtc struct {
	info  *drm.CrtcInfo
	conns []drm.ConnectorHandle
}

// drmBackend is the hardware backend. All fields are owned by the loop
// goroutine.
type drmBackend struct {
	handler Handler
	log     *zap.SugaredLogger

	loop    *eventloop.Loop
	sess    session.Session
	dev     *drm.Device
	card    drm.Card
	flipper surface.Flipper
	alloc   surface.Allocator
	major   uint32
	minor   uint32

	scanner *drm.Scanner
	mapper  *drm.Mapper
	outputs map[drm.ConnectorHandle]*output
	byCrtc  map[drm.CrtcHandle]*output
	saved   map[drm.CrtcHandle]savedCrtc
	nextID  OutputID
	cursor  *CursorImage
	closing bool

	rearmPending bool

	monitor  *udev.Monitor
	inputs   *input.Manager
	sessions *eventloop.Channel[session.Event]
}

func newDRMCore(card drm.Card, flipper surface.Flipper, alloc surface.Allocator, sess session.Session, h Handler, log *zap.SugaredLogger) *drmBackend {
	return &drmBackend{
		handler: h,
		log:     log,
		sess:    sess,
		card:    card,
		flipper: flipper,
		alloc:   alloc,
		scanner: drm.NewScanner(log.Named("scanner")),
		mapper:  drm.NewMapper(log.Named("mapper")),
		outputs: make(map[drm.ConnectorHandle]*output),
		byCrtc:  make(map[drm.CrtcHandle]*output),
		saved:   make(map[drm.CrtcHandle]savedCrtc),
	}
}

func openSession(kind string, log *zap.SugaredLogger) (session.Session, error) {
	switch kind {
	case config.SessionDirect:
		return session.NewDirect(log)
	default:
		return session.NewLogind(log)
	}
}

func findCard(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	cards, _ := filepath.Glob("/dev/dri/card*")
	if len(cards) == 0 {
		return "", errors.New("no DRM card found")
	}
	sort.Strings(cards)
	return cards[0], nil
}

func newDRMBackend(cfg *config.Settings, h Handler, logger *logging.Logger) (*drmBackend, error) {
	log := logger.Named("drm")
	sess, err := openSession(cfg.Session, logger.Named("session"))
	if err != nil {
		return nil, err
	}
	path, err := findCard(cfg.Device)
	if err != nil {
		sess.Destroy()
		return nil, err
	}
	dev, err := drm.Open(sess, path, log)
	if err != nil {
		sess.Destroy()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	b := newDRMCore(dev, dev, surface.NewDumbAllocator(dev), sess, h, log)
	b.dev = dev
	if err := b.setup(cfg, logger); err != nil {
		b.release()
		return nil, err
	}
	return b, nil
}

func (b *drmBackend) setup(cfg *config.Settings, logger *logging.Logger) error {
	var err error
	if b.major, b.minor, err = b.dev.Devnum(); err != nil {
		return err
	}
	if cfg.Session == config.SessionDirect {
		if err := b.dev.SetMaster(); err != nil {
			return err
		}
	}
	if b.loop, err = eventloop.New(); err != nil {
		return err
	}
	if err := b.loop.Add(b.dev.Fd(), eventloop.Readable, func(uint32) {
		if err := b.dev.ReadEvents(b.onFlip); err != nil {
			b.log.Errorw("reading DRM events", "error", err)
		}
	}); err != nil {
		return err
	}

	if b.sessions, err = eventloop.NewChannel(b.loop, b.onSession); err != nil {
		return err
	}
	b.sess.Listen(b.sessions.Send)

	if b.monitor, err = udev.NewMonitor(); err != nil {
		b.log.Warnw("no udev monitor, hotplug disabled", "error", err)
	} else if err := b.loop.Add(b.monitor.Fd(), eventloop.Readable, func(uint32) {
		evs, err := b.monitor.Read()
		if err != nil {
			b.log.Warnw("reading uevents", "error", err)
		}
		for _, ev := range evs {
			b.onUdev(ev)
		}
	}); err != nil {
		return err
	}

	if cfg.Input.Enabled {
		b.inputs = input.NewManager(b.sess, logger.Named("input"))
		for _, d := range b.inputs.Scan("/dev/input") {
			b.watchInput(d)
		}
	}
	b.log.Infow("DRM backend ready", "device", b.dev.Path(), "seat", b.sess.Seat())
	return nil
}

func (b *drmBackend) Kind() Kind { return KindDRM }
func (b *drmBackend) sealed()    {}

func (b *drmBackend) Run() error {
	b.handler.Started(b)
	b.handler.CreateDmabufGlobal([]DmabufFormat{{Fourcc: FourccXRGB8888, Modifier: ModifierLinear}})
	b.rescan()
	err := b.loop.Run()
	b.shutdown()
	b.release()
	b.handler.Stopped()
	return err
}

func (b *drmBackend) Stop() { b.loop.Stop() }

func (b *drmBackend) ChangeVT(vt int) error    { return b.sess.ChangeVT(vt) }
func (b *drmBackend) IsActive() bool           { return b.sess.IsActive() }
func (b *drmBackend) SetCursor(c *CursorImage) { b.cursor = c }

func (b *drmBackend) Outputs() []OutputDescriptor {
	out := make([]OutputDescriptor, 0, len(b.outputs))
	for _, o := range b.outputs {
		out = append(out, o.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *drmBackend) Export(id OutputID) ([]int, error) {
	for _, o := range b.outputs {
		if o.desc.ID == id {
			return o.surf.Export()
		}
	}
	return nil, ErrUnknownOutput
}

// rescan diffs the connectors, updates the CRTC table and brings outputs in
// line with it.
func (b *drmBackend) rescan() {
	if b.closing {
		return
	}
	if _, err := b.scanner.Scan(b.card); err != nil {
		b.log.Warnw("scan failed, waiting for the next change", "error", err)
		return
	}
	// Outputs go when their connector is disconnected or vanished from the
	// resource list, whether or not the scanner reported a removal. A
	// surface with a flip in flight keeps its CRTC until the flip lands.
	gone := b.goneOutputs()
	for _, o := range b.outputs {
		if !gone[o.conn] {
			continue
		}
		if o.surf.Queued() {
			b.mapper.Hold(o.conn)
		}
	}
	if err := b.mapper.Map(b.card, b.scanner.Connectors()); err != nil {
		b.log.Warnw("CRTC mapping failed", "error", err)
	}
	for _, o := range b.sortedOutputs() {
		if crtc, ok := b.mapper.CrtcFor(o.conn); ok && crtc == o.crtc && !gone[o.conn] {
			continue
		}
		if o.surf.Queued() {
			b.log.Debugw("deferring teardown until flip completes", "output", o.desc.Name)
			o.pendingTeardown = true
			continue
		}
		b.destroyOutput(o)
	}

	for _, c := range b.scanner.Connectors() {
		if c.State != drm.StateConnected {
			continue
		}
		if o, ok := b.outputs[c.Handle]; ok {
			if o.pendingTeardown {
				b.log.Infow("connector back before teardown", "output", o.desc.Name)
				o.pendingTeardown = false
				b.mapper.Unhold(c.Handle)
			}
			b.updateMode(o, c)
			continue
		}
		crtc, ok := b.mapper.CrtcFor(c.Handle)
		if !ok {
			b.log.Warnw("no CRTC available", "connector", c.Name())
			continue
		}
		b.createOutput(c, crtc)
	}
}

func (b *drmBackend) goneOutputs() map[drm.ConnectorHandle]bool {
	present := make(map[drm.ConnectorHandle]drm.ConnectorState)
	for _, c := range b.scanner.Connectors() {
		present[c.Handle] = c.State
	}
	gone := make(map[drm.ConnectorHandle]bool)
	for h := range b.outputs {
		if state, ok := present[h]; !ok || state == drm.StateDisconnected {
			gone[h] = true
		}
	}
	return gone
}

func (b *drmBackend) describe(c drm.ConnectorInfo, mode drm.Mode) OutputDescriptor {
	desc := OutputDescriptor{
		Name:     c.Name(),
		WidthMM:  int(c.WidthMM),
		HeightMM: int(c.HeightMM),
		Internal: c.Kind.Internal(),
		Mode:     modeFromDRM(mode),
		Make:     "Unknown",
		Model:    "Unknown",
	}
	for _, m := range c.Modes {
		desc.Modes = append(desc.Modes, modeFromDRM(m))
	}
	if info, ok := drm.ResolveEDID(b.card, c.Handle); ok {
		desc.Make, desc.Model = info.Manufacturer, info.Model
	} else {
		b.log.Debugw("no usable EDID", "connector", c.Name())
	}
	return desc
}

func (b *drmBackend) createOutput(c drm.ConnectorInfo, crtc drm.CrtcHandle) {
	mode, ok := c.PreferredMode()
	if !ok {
		b.log.Warnw("connector has no modes", "connector", c.Name())
		return
	}
	if prev, ok := b.byCrtc[crtc]; ok {
		b.log.Errorw("CRTC still in use", "connector", c.Name(), "crtc", crtc, "output", prev.desc.Name)
		return
	}
	if _, ok := b.saved[crtc]; !ok {
		if info, err := b.card.Crtc(crtc); err == nil {
			b.saved[crtc] = savedCrtc{info: info, conns: []drm.ConnectorHandle{c.Handle}}
		}
	}
	surf, err := surface.New(crtc, []drm.ConnectorHandle{c.Handle}, mode, b.alloc, b.flipper, b.log.Named("surface"))
	if err != nil {
		b.log.Errorw("output disabled", "connector", c.Name(), "error", err)
		return
	}

	b.nextID++
	o := &output{conn: c.Handle, crtc: crtc, mode: mode, surf: surf, desc: b.describe(c, mode)}
	o.desc.ID = b.nextID

	if b.sess.IsActive() {
		if err := surf.Modeset(); err != nil {
			b.log.Errorw("output disabled", "connector", c.Name(), "error", err)
			surf.Destroy()
			return
		}
	} else {
		o.needsModeset = true
	}

	b.outputs[c.Handle] = o
	b.byCrtc[crtc] = o
	b.log.Infow("output created", "output", o.desc.Name, "id", o.desc.ID, "crtc", crtc,
		"mode", mode.String(), "make", o.desc.Make, "model", o.desc.Model)
	b.handler.OutputCreated(o.desc)
	b.render(o)
}

func (b *drmBackend) updateMode(o *output, c drm.ConnectorInfo) {
	mode, ok := c.PreferredMode()
	if !ok || mode == o.mode {
		return
	}
	if o.surf.Queued() {
		o.pendingMode = &mode
		return
	}
	b.applyMode(o, mode)
}

func (b *drmBackend) applyMode(o *output, mode drm.Mode) {
	o.pendingMode = nil
	surf, err := surface.New(o.crtc, []drm.ConnectorHandle{o.conn}, mode, b.alloc, b.flipper, b.log.Named("surface"))
	if err != nil {
		b.log.Errorw("mode change failed, output removed", "output", o.desc.Name, "error", err)
		b.destroyOutput(o)
		return
	}
	if err := o.surf.Destroy(); err != nil {
		b.log.Warnw("releasing old surface", "output", o.desc.Name, "error", err)
	}
	o.surf = surf
	o.mode = mode
	o.desc.Mode = modeFromDRM(mode)
	o.needsModeset = true
	b.log.Infow("output mode updated", "output", o.desc.Name, "mode", mode.String())
	b.handler.OutputModeUpdated(o.desc.ID, o.desc.Mode)
	b.kick(o)
}

// destroyOutput frees the surface and the CRTC of o. The surface must be
// idle.
func (b *drmBackend) destroyOutput(o *output) {
	if err := o.surf.Destroy(); err != nil {
		b.log.Warnw("destroying surface", "output", o.desc.Name, "error", err)
	}
	delete(b.outputs, o.conn)
	delete(b.byCrtc, o.crtc)
	b.mapper.Release(o.conn)
	b.log.Infow("output removed", "output", o.desc.Name, "id", o.desc.ID)
	b.handler.OutputRemoved(o.desc.ID)
}

func (b *drmBackend) onFlip(ev drm.FlipEvent) {
	o, ok := b.byCrtc[ev.Crtc]
	if !ok {
		b.log.Debugw("flip for unknown CRTC", "crtc", ev.Crtc)
		return
	}
	if err := o.surf.FrameSubmitted(); err != nil {
		b.log.Warnw("unexpected flip", "output", o.desc.Name, "error", err)
		return
	}
	switch {
	case b.closing:
		return
	case o.pendingTeardown:
		b.destroyOutput(o)
		return
	case o.pendingMode != nil:
		b.applyMode(o, *o.pendingMode)
		return
	}
	b.handler.SendFrames(o.desc.ID)
	b.kick(o)
}

// kick modesets o if needed and renders the next frame.
func (b *drmBackend) kick(o *output) {
	if !b.sess.IsActive() || o.surf.Queued() {
		return
	}
	if o.needsModeset {
		if err := o.surf.Modeset(); err != nil {
			b.log.Errorw("modeset failed", "output", o.desc.Name, "error", err)
			return
		}
		o.needsModeset = false
	}
	b.render(o)
}

// render draws and queues one frame. Frames are skipped, not replayed,
// while the session is inactive.
func (b *drmBackend) render(o *output) {
	if !b.sess.IsActive() || o.needsModeset {
		return
	}
	buf, age, err := o.surf.NextBuffer()
	if err != nil {
		return
	}
	damage := b.handler.OutputRender(buf.Image(), o.desc.ID, age, b.cursor)
	if err := o.surf.QueueBuffer(damage); err != nil {
		b.log.Errorw("queueing frame", "output", o.desc.Name, "error", err)
	}
}

func (b *drmBackend) onSession(ev session.Event) {
	if ev.Kind == session.ActiveChanged {
		b.log.Infow("session activity changed", "active", ev.Active)
		if !ev.Active {
			return
		}
		// restart render loops that stalled without the device being paused
		for _, o := range b.sortedOutputs() {
			if !o.needsModeset {
				b.kick(o)
			}
		}
		return
	}
	if ev.Major != b.major || ev.Minor != b.minor {
		switch ev.Kind {
		case session.Paused:
			b.sess.PauseComplete(ev.Major, ev.Minor)
		case session.Resumed:
			b.scheduleRearm()
		}
		return
	}
	switch ev.Kind {
	case session.Paused:
		b.log.Info("session paused")
		if ev.Master && b.dev != nil {
			if err := b.dev.DropMaster(); err != nil {
				b.log.Warnw("dropping DRM master", "error", err)
			}
		}
		for _, o := range b.outputs {
			o.needsModeset = true
		}
		if err := b.sess.PauseComplete(ev.Major, ev.Minor); err != nil {
			b.log.Warnw("acknowledging pause", "error", err)
		}
	case session.Resumed:
		b.log.Info("session resumed")
		if ev.Master && b.dev != nil {
			if err := b.dev.SetMaster(); err != nil {
				b.log.Errorw("setting DRM master", "error", err)
			}
		}
		b.rescan()
		for _, o := range b.sortedOutputs() {
			b.kick(o)
		}
		b.scheduleRearm()
	}
}

func (b *drmBackend) sortedOutputs() []*output {
	out := make([]*output, 0, len(b.outputs))
	for _, o := range b.outputs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc.ID < out[j].desc.ID })
	return out
}

func (b *drmBackend) onUdev(ev *udev.Event) {
	switch ev.Subsystem {
	case "drm":
		if !strings.HasPrefix(ev.DevName, "dri/card") {
			return
		}
		ours := ev.Major == b.major && ev.Minor == b.minor
		switch {
		case ev.Action == udev.Change && ours:
			b.rescan()
		case ev.Action == udev.Add || ev.Action == udev.Remove:
			b.log.Errorw("GPU hotplug is not supported, ignoring", "action", ev.Action, "device", ev.DevName)
		}
	case "input":
		if b.inputs == nil || !strings.HasPrefix(ev.DevName, "input/event") {
			return
		}
		path := "/dev/" + ev.DevName
		switch ev.Action {
		case udev.Add:
			d, err := b.inputs.Add(path)
			if err != nil {
				b.log.Warnw("opening input device", "path", path, "error", err)
				return
			}
			b.watchInput(d)
		case udev.Remove:
			b.unwatchInput(path)
		}
	}
}

func (b *drmBackend) watchInput(d *input.Device) {
	if b.loop == nil {
		return
	}
	err := b.loop.Add(d.Fd(), eventloop.Readable, func(events uint32) {
		err := d.Read(b.dispatchInput)
		if err == nil && events&(eventloop.Hangup|eventloop.Error) == 0 {
			return
		}
		if !b.sess.IsActive() {
			// revoked while switched away, rearmed on resume
			b.log.Debugw("input device suspended", "path", d.Path, "error", err)
			b.loop.Remove(d.Fd())
			return
		}
		b.log.Debugw("input device gone", "path", d.Path, "error", err)
		b.unwatchInput(d.Path)
	})
	if err != nil {
		b.log.Warnw("watching input device", "path", d.Path, "error", err)
	}
}

// scheduleRearm registers every input fd with the loop again once the
// current batch of session events is handled. A resumed device fd replaces
// the revoked one under the same number, which drops it from epoll.
func (b *drmBackend) scheduleRearm() {
	if b.inputs == nil || b.loop == nil || b.rearmPending {
		return
	}
	b.rearmPending = true
	b.loop.Idle(func() {
		b.rearmPending = false
		for _, d := range b.inputs.Devices() {
			b.loop.Remove(d.Fd())
			b.watchInput(d)
		}
	})
}

func (b *drmBackend) unwatchInput(path string) {
	for _, d := range b.inputs.Devices() {
		if d.Path == path && b.loop != nil {
			b.loop.Remove(d.Fd())
		}
	}
	b.inputs.Remove(path)
}

func (b *drmBackend) dispatchInput(ev input.Event) {
	if !b.sess.IsActive() {
		return
	}
	b.handler.ProcessInputEvent(ev, b.outputHint())
}

// outputHint is the oldest output, the one a pointer starts on.
func (b *drmBackend) outputHint() OutputID {
	var hint OutputID
	for _, o := range b.outputs {
		if hint == 0 || o.desc.ID < hint {
			hint = o.desc.ID
		}
	}
	return hint
}

// shutdown lets in-flight flips land, removes every output and puts back
// the CRTC configuration found at startup.
func (b *drmBackend) shutdown() {
	b.closing = true
	deadline := time.Now().Add(flipDrainTimeout)
	for b.anyQueued() && time.Now().Before(deadline) && b.loop != nil {
		if err := b.loop.Dispatch(time.Until(deadline)); err != nil {
			break
		}
	}
	for _, o := range b.sortedOutputs() {
		if o.surf.Queued() {
			b.log.Warnw("flip never completed, leaking surface", "output", o.desc.Name)
			delete(b.outputs, o.conn)
			delete(b.byCrtc, o.crtc)
			b.handler.OutputRemoved(o.desc.ID)
			continue
		}
		b.destroyOutput(o)
	}
	if !b.sess.IsActive() {
		return
	}
	for crtc, s := range b.saved {
		if s.info.Mode == nil {
			continue
		}
		if err := b.flipper.SetCrtc(crtc, s.info.Framebuffer, s.info.X, s.info.Y, s.conns, s.info.Mode); err != nil {
			b.log.Warnw("restoring CRTC", "crtc", crtc, "error", err)
		}
	}
}

func (b *drmBackend) anyQueued() bool {
	for _, o := range b.outputs {
		if o.surf.Queued() {
			return true
		}
	}
	return false
}

func (b *drmBackend) release() {
	if b.inputs != nil {
		for _, d := range b.inputs.Devices() {
			b.unwatchInput(d.Path)
		}
	}
	if b.monitor != nil {
		b.monitor.Close()
	}
	if b.sessions != nil {
		b.sessions.Close()
	}
	if b.dev != nil {
		b.dev.Close()
	}
	if b.loop != nil {
		b.loop.Close()
	}
	b.sess.Destroy()
}
