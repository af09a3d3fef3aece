// Package gstreamer implements pipeline.Engine on top of GStreamer.
package gstreamer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"go.uber.org/zap"

	"github.com/video-system/go-video-streamer/pkg/pipeline"
)

var initOnce sync.Once

// Engine builds GStreamer graphs
type Engine struct {
	log    *zap.Logger
	nextID atomic.Uint64
}

// NewEngine initializes GStreamer and returns an engine
func NewEngine(log *zap.Logger) *Engine {
	initOnce.Do(func() { gst.Init(nil) })
	return &Engine{log: log}
}

// channelHandles are resolved once after the launch description is parsed
type channelHandles struct {
	selector       *gst.Element
	encoder        *gst.Element
	sink           *gst.Element
	placeholderPad *gst.Pad
	// delivery is queues, muxer and sink, upstream first
	delivery []*gst.Element
}

// Build parses the graph description and resolves the handles the
// orchestrator mutates later. The graph is left in the null state.
func (e *Engine) Build(spec pipeline.GraphSpec) (pipeline.Graph, error) {
	desc, err := describe(spec)
	if err != nil {
		return nil, &pipeline.GraphConstructionError{Stage: "describe", Err: err}
	}

	e.log.Debug("parsing graph", zap.String("launch", desc.launch))
	p, err := gst.NewPipelineFromString(desc.launch)
	if err != nil {
		return nil, &pipeline.GraphConstructionError{Stage: "parse", Err: err}
	}

	id := e.nextID.Add(1)
	g := &Graph{
		id:       id,
		log:      e.log.With(zap.Uint64("graph", id)),
		spec:     spec,
		pipeline: p,
		registry: pipeline.NewRegistry(),
		channels: make(map[int]*channelHandles),
		events:   make(chan pipeline.Event, 128),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		eos:      make(chan struct{}),
	}
	for _, no := range desc.owners {
		g.registry.Register(no.name, no.owner)
	}

	for _, ch := range spec.Channels {
		h, err := g.resolve(ch.Index)
		if err != nil {
			p.SetState(gst.StateNull)
			return nil, &pipeline.GraphConstructionError{Stage: fmt.Sprintf("resolve channel %d", ch.Index), Err: err}
		}
		g.channels[ch.Index] = h
	}

	g.monitorDone = make(chan struct{})
	go g.monitor()

	g.log.Info("graph built", zap.Int("channels", len(spec.Channels)), zap.String("audio", spec.AudioDevice))
	return g, nil
}

func (g *Graph) resolve(channel int) (*channelHandles, error) {
	get := func(part string) (*gst.Element, error) {
		name := pipeline.ElementName(channel, part)
		el, err := g.pipeline.GetElementByName(name)
		if err != nil || el == nil {
			return nil, fmt.Errorf("element %s not found", name)
		}
		return el, nil
	}

	h := &channelHandles{}
	var err error
	if h.selector, err = get("selector"); err != nil {
		return nil, err
	}
	if h.encoder, err = get("encoder"); err != nil {
		return nil, err
	}
	if h.sink, err = get("sink"); err != nil {
		return nil, err
	}
	caps, err := get("placeholdercaps")
	if err != nil {
		return nil, err
	}
	src := caps.GetStaticPad("src")
	if src == nil {
		return nil, fmt.Errorf("placeholder of channel %d has no src pad", channel)
	}
	h.placeholderPad = src.GetPeer()
	if h.placeholderPad == nil {
		return nil, fmt.Errorf("placeholder of channel %d is not linked", channel)
	}

	for _, name := range g.registry.Names(channel, pipeline.RoleMuxer, pipeline.RoleSink) {
		el, err := g.pipeline.GetElementByName(name)
		if err != nil || el == nil {
			return nil, fmt.Errorf("element %s not found", name)
		}
		h.delivery = append(h.delivery, el)
	}
	return h, nil
}

// monitor forwards bus messages until teardown
func (g *Graph) monitor() {
	defer close(g.monitorDone)
	defer close(g.events)

	bus := g.pipeline.GetPipelineBus()
	for {
		select {
		case <-g.done:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		ev, ok := g.convert(msg)
		if !ok {
			continue
		}
		if ev.Kind == pipeline.EventEOS {
			g.eosOnce.Do(func() { close(g.eos) })
		}

		select {
		case g.events <- ev:
		case <-g.closing:
		case <-g.done:
			return
		}
	}
}

func (g *Graph) convert(msg *gst.Message) (pipeline.Event, bool) {
	ev := pipeline.Event{GraphID: g.id, Source: msg.Source()}

	switch msg.Type() {
	case gst.MessageError:
		gerr := msg.ParseError()
		ev.Kind = pipeline.EventError
		ev.Message = gerr.Error()
		ev.Debug = gerr.DebugString()
		ev.Category = pipeline.Classify(ev.Message, ev.Debug)
	case gst.MessageWarning:
		gerr := msg.ParseWarning()
		ev.Kind = pipeline.EventWarning
		ev.Message = gerr.Error()
		ev.Debug = gerr.DebugString()
	case gst.MessageEOS:
		ev.Kind = pipeline.EventEOS
	case gst.MessageStateChanged:
		if msg.Source() != g.pipeline.GetName() {
			return ev, false
		}
		old, next := msg.ParseStateChanged()
		ev.Kind = pipeline.EventStateChanged
		ev.OldState = old.String()
		ev.NewState = next.String()
	case gst.MessageElement:
		st := msg.GetStructure()
		if st == nil {
			return ev, false
		}
		ev.Kind = pipeline.EventElement
		ev.Message = st.Name()
	default:
		return ev, false
	}

	ev.Owner, ev.Known, ev.Retired = g.registry.Resolve(ev.Source)
	if !ev.Known && ev.Debug != "" {
		ev.Owner, ev.Known = ownerFromPath(g.registry, ev.Debug)
	}
	return ev, true
}
