package gstreamer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"go.uber.org/zap"

	"github.com/video-system/go-video-streamer/pkg/pipeline"
)

// Graph is a running GStreamer pipeline
type Graph struct {
	id       uint64
	log      *zap.Logger
	spec     pipeline.GraphSpec
	pipeline *gst.Pipeline
	registry *pipeline.Registry
	channels map[int]*channelHandles
	branchN  atomic.Uint64

	events      chan pipeline.Event
	closing     chan struct{}
	done        chan struct{}
	eos         chan struct{}
	eosOnce     sync.Once
	monitorDone chan struct{}
	teardown    sync.Once
}

func (g *Graph) ID() uint64 { return g.id }

func (g *Graph) Events() <-chan pipeline.Event { return g.events }

func (g *Graph) Owner(source string) (pipeline.Owner, bool) {
	return g.registry.Lookup(source)
}

// Start sets the pipeline to playing
func (g *Graph) Start() error {
	if err := g.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("set playing: %w", err)
	}
	return nil
}

// Teardown drains the graph with end-of-stream and releases it
func (g *Graph) Teardown(eosWait time.Duration) {
	g.teardown.Do(func() {
		close(g.closing)

		if g.pipeline.SendEvent(gst.NewEOSEvent()) {
			select {
			case <-g.eos:
				g.log.Debug("end-of-stream drained")
			case <-time.After(eosWait):
				g.log.Warn("end-of-stream not drained, forcing stop", zap.Duration("wait", eosWait))
			}
		}

		if err := g.pipeline.SetState(gst.StateNull); err != nil {
			g.log.Warn("failed to stop graph", zap.Error(err))
		}
		close(g.done)
		<-g.monitorDone
		g.log.Info("graph torn down")
	})
}

func (g *Graph) channel(index int) (*channelHandles, error) {
	h, ok := g.channels[index]
	if !ok {
		return nil, fmt.Errorf("channel %d: %w", index, pipeline.ErrUnknownChannel)
	}
	return h, nil
}

// SetBitrate updates encoder rate control in place
func (g *Graph) SetBitrate(channel int, kbps int) error {
	h, err := g.channel(channel)
	if err != nil {
		return err
	}
	switch g.spec.Encoder.Element {
	case pipeline.EncoderX264:
		return h.encoder.SetProperty("bitrate", uint(kbps))
	default:
		if err := h.encoder.SetProperty("bps", uint(kbps*1000)); err != nil {
			return fmt.Errorf("set bps: %w", err)
		}
		if err := h.encoder.SetProperty("bps-max", uint((kbps+g.spec.Encoder.HeadroomKbps)*1000)); err != nil {
			return fmt.Errorf("set bps-max: %w", err)
		}
		return nil
	}
}

// SetSinkLocation changes the sink destination; it takes effect on the next RestartSink
func (g *Graph) SetSinkLocation(channel int, uri string) error {
	h, err := g.channel(channel)
	if err != nil {
		return err
	}
	if err := h.sink.SetProperty("location", uri); err != nil {
		return fmt.Errorf("set location: %w", err)
	}
	return nil
}

// RestartSink cycles the queues, muxer and sink of a channel through null.
// Both transitions go sink first, as a bin changes the state of its children.
func (g *Graph) RestartSink(channel int) error {
	h, err := g.channel(channel)
	if err != nil {
		return err
	}
	for i := len(h.delivery) - 1; i >= 0; i-- {
		if err := h.delivery[i].SetState(gst.StateNull); err != nil {
			return fmt.Errorf("stop %s: %w", h.delivery[i].GetName(), err)
		}
	}
	for i := len(h.delivery) - 1; i >= 0; i-- {
		if !h.delivery[i].SyncStateWithParent() {
			return fmt.Errorf("%s did not follow pipeline state", h.delivery[i].GetName())
		}
	}
	g.log.Debug("delivery restarted", zap.Int("channel", channel), zap.Int("elements", len(h.delivery)))
	return nil
}

// cameraBranch is v4l2src ! jpeg caps ! jpegdec ! videoconvert ! videoscale ! raw caps ! queue
type cameraBranch struct {
	channel  int
	device   string
	prefix   string
	elements []*gst.Element
	src      *gst.Element
	out      *gst.Pad
	selPad   *gst.Pad
	linked   bool
}

func (b *cameraBranch) Channel() int   { return b.channel }
func (b *cameraBranch) Device() string { return b.device }

func (b *cameraBranch) names() []string {
	out := make([]string, len(b.elements))
	for i, e := range b.elements {
		out[i] = e.GetName()
	}
	return out
}

func (g *Graph) asBranch(b pipeline.Branch) (*cameraBranch, error) {
	cb, ok := b.(*cameraBranch)
	if !ok {
		return nil, fmt.Errorf("foreign branch %T", b)
	}
	return cb, nil
}

// NewCameraBranch creates the camera elements outside the pipeline
func (g *Graph) NewCameraBranch(channel int, device string, format pipeline.CameraFormat) (pipeline.Branch, error) {
	if _, err := g.channel(channel); err != nil {
		return nil, err
	}

	b := &cameraBranch{
		channel: channel,
		device:  device,
		prefix:  pipeline.ElementName(channel, fmt.Sprintf("cam%d", g.branchN.Add(1))),
	}
	add := func(factory, part string) (*gst.Element, error) {
		el, err := gst.NewElementWithName(factory, b.prefix+"_"+part)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", factory, err)
		}
		b.elements = append(b.elements, el)
		return el, nil
	}

	src, err := add("v4l2src", "src")
	if err != nil {
		return nil, err
	}
	if err := src.SetProperty("device", device); err != nil {
		return nil, fmt.Errorf("set device: %w", err)
	}
	b.src = src

	jpegCaps, err := add("capsfilter", "jpegcaps")
	if err != nil {
		return nil, err
	}
	jpegCaps.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"image/jpeg,width=%d,height=%d,framerate=%d/1", format.Width, format.Height, format.FrameRate)))

	if _, err := add("jpegdec", "dec"); err != nil {
		return nil, err
	}
	if _, err := add("videoconvert", "convert"); err != nil {
		return nil, err
	}
	if _, err := add("videoscale", "scale"); err != nil {
		return nil, err
	}
	rawCaps, err := add("capsfilter", "rawcaps")
	if err != nil {
		return nil, err
	}
	rawCaps.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,width=%d,height=%d", format.Width, format.Height)))

	queue, err := add("queue", "queue")
	if err != nil {
		return nil, err
	}
	queue.SetProperty("max-size-buffers", uint(3))
	b.out = queue.GetStaticPad("src")

	return b, nil
}

// ProbeBranch opens the device by moving the detached source to ready and back
func (g *Graph) ProbeBranch(pb pipeline.Branch) error {
	b, err := g.asBranch(pb)
	if err != nil {
		return err
	}
	probeErr := b.src.SetState(gst.StateReady)
	if err := b.src.SetState(gst.StateNull); err != nil {
		g.log.Debug("probe reset failed", zap.String("device", b.device), zap.Error(err))
	}
	if probeErr != nil {
		return &pipeline.DeviceProbeError{Channel: b.channel, Device: b.device, Err: probeErr}
	}
	return nil
}

// LinkBranch adds the branch and links it into a new selector input.
// On failure the branch is removed again.
func (g *Graph) LinkBranch(pb pipeline.Branch) error {
	b, err := g.asBranch(pb)
	if err != nil {
		return err
	}
	h, err := g.channel(b.channel)
	if err != nil {
		return err
	}

	if err := g.pipeline.AddMany(b.elements...); err != nil {
		return fmt.Errorf("add branch: %w", err)
	}
	for _, name := range b.names() {
		g.registry.Register(name, pipeline.Owner{Role: pipeline.RoleCamera, Channel: b.channel})
	}

	rollback := func() {
		for _, e := range b.elements {
			g.pipeline.Remove(e)
		}
		g.registry.Retire(b.names()...)
	}

	if err := gst.ElementLinkMany(b.elements...); err != nil {
		rollback()
		return fmt.Errorf("link branch: %w", err)
	}

	pad := h.selector.GetRequestPad("sink_%u")
	if pad == nil {
		rollback()
		return errors.New("selector refused a new input")
	}
	if ret := b.out.Link(pad); ret != gst.PadLinkOK {
		h.selector.ReleaseRequestPad(pad)
		rollback()
		return fmt.Errorf("link selector input: %v", ret)
	}
	b.selPad = pad
	b.linked = true
	return nil
}

// ActivateBranch switches the selector to the camera input
func (g *Graph) ActivateBranch(pb pipeline.Branch) error {
	b, err := g.asBranch(pb)
	if err != nil {
		return err
	}
	if !b.linked {
		return errors.New("branch is not linked")
	}
	h, err := g.channel(b.channel)
	if err != nil {
		return err
	}
	return h.selector.SetProperty("active-pad", b.selPad)
}

// SyncBranch brings the branch elements to the pipeline state
func (g *Graph) SyncBranch(pb pipeline.Branch) error {
	b, err := g.asBranch(pb)
	if err != nil {
		return err
	}
	for _, e := range b.elements {
		if !e.SyncStateWithParent() {
			return fmt.Errorf("sync %s with pipeline", e.GetName())
		}
	}
	return nil
}

// ActivatePlaceholder switches the selector back to the test source
func (g *Graph) ActivatePlaceholder(channel int) error {
	h, err := g.channel(channel)
	if err != nil {
		return err
	}
	return h.selector.SetProperty("active-pad", h.placeholderPad)
}

// UnlinkBranch detaches the branch output and releases its selector input
func (g *Graph) UnlinkBranch(pb pipeline.Branch) error {
	b, err := g.asBranch(pb)
	if err != nil {
		return err
	}
	if !b.linked {
		return nil
	}
	h, err := g.channel(b.channel)
	if err != nil {
		return err
	}
	if !b.out.Unlink(b.selPad) {
		return errors.New("unlink selector input")
	}
	h.selector.ReleaseRequestPad(b.selPad)
	b.selPad = nil
	b.linked = false
	return nil
}

// RemoveBranch stops the branch elements and removes them from the pipeline
func (g *Graph) RemoveBranch(pb pipeline.Branch) error {
	b, err := g.asBranch(pb)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range b.elements {
		if err := e.SetState(gst.StateNull); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", e.GetName(), err))
		}
		if err := g.pipeline.Remove(e); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.GetName(), err))
		}
	}
	g.registry.Retire(b.names()...)
	return errors.Join(errs...)
}

// DiscardBranch releases the elements of a branch that never joined the pipeline
func (g *Graph) DiscardBranch(pb pipeline.Branch) {
	b, err := g.asBranch(pb)
	if err != nil {
		return
	}
	for _, e := range b.elements {
		e.SetState(gst.StateNull)
	}
	b.elements = nil
}

var _ pipeline.Graph = (*Graph)(nil)
