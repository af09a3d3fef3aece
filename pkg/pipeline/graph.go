// Package pipeline defines the media graph contract the orchestrator drives.
//
// The graph is described per logical channel: a placeholder source and any
// attached camera branch feed a fan-in selector, which feeds the encoder,
// muxer and sink of that channel. One audio path is shared by all channels.
//
// Implementations own the media engine objects. Callers address everything
// by channel index or by a Branch handle returned from NewCameraBranch; no
// caller looks elements up by name.
package pipeline

import (
	"time"

	"github.com/video-system/go-video-streamer/pkg/settings"
)

// Supported encoder elements
const (
	EncoderMPP  = "mpph264enc"
	EncoderX264 = "x264enc"
)

// EncoderSpec selects the hardware or software H.264 encoder
type EncoderSpec struct {
	Element      string // mpph264enc, x264enc
	Profile      string
	HeadroomKbps int
}

// AudioSpec configures the shared audio path
type AudioSpec struct {
	Bitrate int // bps
	Rate    int // Hz
}

// RecordingSpec configures optional local recording per channel
type RecordingSpec struct {
	Enabled         bool
	Path            string
	SegmentDuration time.Duration
}

// GraphSpec is everything needed to build a graph
type GraphSpec struct {
	Channels    []settings.ChannelSettings
	AudioDevice string // empty selects the silence source
	Encoder     EncoderSpec
	Audio       AudioSpec
	Recording   RecordingSpec
	BootID      string
}

// CameraFormat is the capture format requested from a camera
type CameraFormat struct {
	Width     int
	Height    int
	FrameRate int
}

// Branch is an opaque handle for one camera sub-graph
type Branch interface {
	Channel() int
	Device() string
}

// Engine builds graphs
type Engine interface {
	// Build constructs a graph without starting it. A failed build leaves nothing behind.
	Build(spec GraphSpec) (Graph, error)
}

// Graph is a live media graph. Apart from ProbeBranch, every method must be
// called from the orchestrator's control loop.
type Graph interface {
	// ID identifies this graph instance
	ID() uint64

	// Start transitions the whole graph to playing
	Start() error

	// Teardown sends end-of-stream, waits up to eosWait for it to drain,
	// then forces the graph to idle and releases it. Idempotent.
	Teardown(eosWait time.Duration)

	// Events delivers bus notifications. Closed after Teardown.
	Events() <-chan Event

	// Owner resolves a bus message source to its logical owner. Elements
	// already removed from the graph are not found.
	Owner(source string) (Owner, bool)

	// NewCameraBranch constructs an isolated camera sub-graph
	NewCameraBranch(channel int, device string, format CameraFormat) (Branch, error)
	// ProbeBranch trial-transitions the isolated source to ready and back.
	// Safe to call off the control loop.
	ProbeBranch(b Branch) error
	// LinkBranch adds the branch to the graph and links it to a new selector input
	LinkBranch(b Branch) error
	// ActivateBranch makes the branch the active selector input
	ActivateBranch(b Branch) error
	// SyncBranch brings the branch elements to the graph state
	SyncBranch(b Branch) error
	// ActivatePlaceholder makes the placeholder the active selector input
	ActivatePlaceholder(channel int) error
	// UnlinkBranch unlinks the branch and releases its selector input
	UnlinkBranch(b Branch) error
	// RemoveBranch stops the branch elements and removes them from the graph
	RemoveBranch(b Branch) error
	// DiscardBranch releases a branch that was never linked
	DiscardBranch(b Branch)

	// SetBitrate updates the encoder rate control of a channel
	SetBitrate(channel int, kbps int) error
	// SetSinkLocation updates the destination of a channel sink
	SetSinkLocation(channel int, uri string) error
	// RestartSink cycles the delivery elements of one channel (queues,
	// muxer and sink) without touching the rest
	RestartSink(channel int) error
}
