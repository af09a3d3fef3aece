// Package pipelinetest provides an in-memory pipeline.Engine for tests.
package pipelinetest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/video-system/go-video-streamer/pkg/pipeline"
)

// Engine records every graph it builds
type Engine struct {
	mu       sync.Mutex
	nextID   uint64
	graphs   []*Graph
	BuildErr error
}

// Build returns a new fake graph, or BuildErr wrapped as a construction error
func (e *Engine) Build(spec pipeline.GraphSpec) (pipeline.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.BuildErr != nil {
		return nil, &pipeline.GraphConstructionError{Stage: "fake", Err: e.BuildErr}
	}
	e.nextID++
	g := newGraph(e.nextID, spec)
	e.graphs = append(e.graphs, g)
	return g, nil
}

// SetBuildErr changes BuildErr while a control loop may be building
func (e *Engine) SetBuildErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.BuildErr = err
}

// Graphs returns every graph built so far
func (e *Engine) Graphs() []*Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Graph, len(e.graphs))
	copy(out, e.graphs)
	return out
}

// Last returns the most recently built graph, or nil
func (e *Engine) Last() *Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.graphs) == 0 {
		return nil
	}
	return e.graphs[len(e.graphs)-1]
}

type branch struct {
	channel int
	device  string
	name    string
}

func (b *branch) Channel() int   { return b.channel }
func (b *branch) Device() string { return b.device }

// Graph is a fake pipeline.Graph that records calls in order
type Graph struct {
	mu       sync.Mutex
	id       uint64
	spec     pipeline.GraphSpec
	registry *pipeline.Registry
	events   chan pipeline.Event
	closed   bool
	started  bool
	torn     bool
	calls    []string
	active   map[int]string
	bitrate  map[int]int
	location map[int]string
	cycled   map[int][]string
	branches int

	// ProbeErr fails probes for a device
	ProbeErr map[string]error
	// LinkErr fails the next LinkBranch
	LinkErr error
	// UnlinkErr fails the next UnlinkBranch
	UnlinkErr error
	// RestartErr fails RestartSink for a channel
	RestartErr map[int]error
	// ProbeHook runs inside ProbeBranch before it returns
	ProbeHook func(device string)
}

func newGraph(id uint64, spec pipeline.GraphSpec) *Graph {
	g := &Graph{
		id:         id,
		spec:       spec,
		registry:   pipeline.NewRegistry(),
		events:     make(chan pipeline.Event, 64),
		active:     make(map[int]string),
		bitrate:    make(map[int]int),
		location:   make(map[int]string),
		cycled:     make(map[int][]string),
		ProbeErr:   make(map[string]error),
		RestartErr: make(map[int]error),
	}
	for _, ch := range spec.Channels {
		g.active[ch.Index] = "placeholder"
		g.bitrate[ch.Index] = ch.BitrateKbps
		g.location[ch.Index] = ch.Destination
		g.registry.Register(pipeline.ElementName(ch.Index, "placeholder"), pipeline.Owner{Role: pipeline.RolePlaceholder, Channel: ch.Index})
		g.registry.Register(pipeline.ElementName(ch.Index, "selector"), pipeline.Owner{Role: pipeline.RoleSelector, Channel: ch.Index})
		g.registry.Register(pipeline.ElementName(ch.Index, "encoder"), pipeline.Owner{Role: pipeline.RoleEncoder, Channel: ch.Index})
		g.registry.Register(pipeline.ElementName(ch.Index, "videoqueue"), pipeline.Owner{Role: pipeline.RoleMuxer, Channel: ch.Index})
		g.registry.Register(pipeline.ElementName(ch.Index, "audioqueue"), pipeline.Owner{Role: pipeline.RoleMuxer, Channel: ch.Index})
		g.registry.Register(pipeline.ElementName(ch.Index, "mux"), pipeline.Owner{Role: pipeline.RoleMuxer, Channel: ch.Index})
		g.registry.Register(pipeline.ElementName(ch.Index, "sink"), pipeline.Owner{Role: pipeline.RoleSink, Channel: ch.Index})
		g.registry.Register(pipeline.ElementName(ch.Index, "recorder"), pipeline.Owner{Role: pipeline.RoleRecorder, Channel: ch.Index})
	}
	g.registry.Register(pipeline.ElementName(pipeline.SharedChannel, "audiosrc"), pipeline.Owner{Role: pipeline.RoleAudio, Channel: pipeline.SharedChannel})
	return g
}

func (g *Graph) record(format string, args ...any) {
	g.calls = append(g.calls, fmt.Sprintf(format, args...))
}

func (g *Graph) hasChannel(ch int) bool {
	_, ok := g.active[ch]
	return ok
}

// CameraElement is the registered source name of the camera linked on a channel
func CameraElement(channel int) string {
	return pipeline.ElementName(channel, "camera")
}

func (g *Graph) ID() uint64 { return g.id }

func (g *Graph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("start")
	g.started = true
	return nil
}

func (g *Graph) Teardown(time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("teardown")
	g.torn = true
	if !g.closed {
		g.closed = true
		close(g.events)
	}
}

func (g *Graph) Events() <-chan pipeline.Event { return g.events }

func (g *Graph) Owner(source string) (pipeline.Owner, bool) {
	return g.registry.Lookup(source)
}

func (g *Graph) NewCameraBranch(channel int, device string, _ pipeline.CameraFormat) (pipeline.Branch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasChannel(channel) {
		return nil, pipeline.ErrUnknownChannel
	}
	g.branches++
	g.record("new-branch %d %s", channel, device)
	return &branch{channel: channel, device: device, name: CameraElement(channel)}, nil
}

func (g *Graph) ProbeBranch(b pipeline.Branch) error {
	if g.ProbeHook != nil {
		g.ProbeHook(b.Device())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("probe %d %s", b.Channel(), b.Device())
	if err := g.ProbeErr[b.Device()]; err != nil {
		return &pipeline.DeviceProbeError{Channel: b.Channel(), Device: b.Device(), Err: err}
	}
	return nil
}

func (g *Graph) LinkBranch(b pipeline.Branch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("link %d %s", b.Channel(), b.Device())
	if err := g.LinkErr; err != nil {
		g.LinkErr = nil
		return err
	}
	g.registry.Register(b.(*branch).name, pipeline.Owner{Role: pipeline.RoleCamera, Channel: b.Channel()})
	return nil
}

func (g *Graph) ActivateBranch(b pipeline.Branch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("activate %d %s", b.Channel(), b.Device())
	g.active[b.Channel()] = b.Device()
	return nil
}

func (g *Graph) SyncBranch(b pipeline.Branch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("sync %d %s", b.Channel(), b.Device())
	return nil
}

func (g *Graph) ActivatePlaceholder(channel int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasChannel(channel) {
		return pipeline.ErrUnknownChannel
	}
	g.record("placeholder %d", channel)
	g.active[channel] = "placeholder"
	return nil
}

func (g *Graph) UnlinkBranch(b pipeline.Branch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("unlink %d %s", b.Channel(), b.Device())
	if err := g.UnlinkErr; err != nil {
		g.UnlinkErr = nil
		return err
	}
	return nil
}

func (g *Graph) RemoveBranch(b pipeline.Branch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("remove %d %s", b.Channel(), b.Device())
	g.registry.Retire(b.(*branch).name)
	return nil
}

func (g *Graph) DiscardBranch(b pipeline.Branch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("discard %d %s", b.Channel(), b.Device())
}

func (g *Graph) SetBitrate(channel int, kbps int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasChannel(channel) {
		return pipeline.ErrUnknownChannel
	}
	g.record("bitrate %d %d", channel, kbps)
	g.bitrate[channel] = kbps
	return nil
}

func (g *Graph) SetSinkLocation(channel int, uri string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasChannel(channel) {
		return pipeline.ErrUnknownChannel
	}
	g.record("location %d %s", channel, uri)
	g.location[channel] = uri
	return nil
}

func (g *Graph) RestartSink(channel int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasChannel(channel) {
		return pipeline.ErrUnknownChannel
	}
	g.record("restart-sink %d", channel)
	if err := g.RestartErr[channel]; err != nil {
		return err
	}
	g.cycled[channel] = append(g.cycled[channel], g.registry.Names(channel, pipeline.RoleMuxer, pipeline.RoleSink)...)
	return nil
}

// Emit delivers a bus event as if it came from source. It is dropped after teardown.
func (g *Graph) Emit(kind pipeline.EventKind, source, message string) {
	owner, known, retired := g.registry.Resolve(source)
	ev := pipeline.Event{
		GraphID:  g.id,
		Kind:     kind,
		Source:   source,
		Owner:    owner,
		Known:    known,
		Retired:  retired,
		Message:  message,
		Category: pipeline.Classify(message, ""),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.events <- ev
}

// Calls returns the recorded calls in order
func (g *Graph) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallsWithPrefix returns the recorded calls that start with prefix
func (g *Graph) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range g.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Spec returns the spec the graph was built from
func (g *Graph) Spec() pipeline.GraphSpec { return g.spec }

// Started reports whether Start was called
func (g *Graph) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// TornDown reports whether Teardown was called
func (g *Graph) TornDown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.torn
}

// Active returns the active selector input of a channel: "placeholder" or a device
func (g *Graph) Active(channel int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[channel]
}

// Bitrate returns the current encoder bitrate of a channel
func (g *Graph) Bitrate(channel int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bitrate[channel]
}

// Cycled returns the delivery elements RestartSink took through null for a
// channel, upstream first
func (g *Graph) Cycled(channel int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cycled[channel]...)
}

// Location returns the current sink location of a channel
func (g *Graph) Location(channel int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.location[channel]
}

var _ pipeline.Graph = (*Graph)(nil)
