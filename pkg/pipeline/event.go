package pipeline

import (
	"errors"
	"strings"
)

// EventKind is the type of a bus notification
type EventKind int

const (
	EventError EventKind = iota
	EventEOS
	EventStateChanged
	EventElement
	EventWarning
)

// String returns a human-readable name for the event kind
func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventEOS:
		return "eos"
	case EventStateChanged:
		return "state_changed"
	case EventElement:
		return "element"
	case EventWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Error categories attached to error events for logging
const (
	CategoryNetwork = "network"
	CategoryDevice  = "device"
	CategoryCodec   = "codec"
	CategoryUnknown = "unknown"
)

// Event is one bus notification tagged with its originating element
type Event struct {
	GraphID  uint64
	Kind     EventKind
	Source   string
	Owner    Owner
	Known    bool // Owner was found in the registry
	Retired  bool // Source was removed from the graph before the event was read
	Message  string
	Debug    string
	Category string
	OldState string
	NewState string
}

// Err converts an error event into the typed error for its owner
func (e Event) Err() error {
	cause := errors.New(e.Message)
	if !e.Known {
		return &SharedElementFailure{Owner: Owner{Role: RolePipeline, Channel: SharedChannel}, Source: e.Source, Err: cause}
	}
	switch {
	case e.Owner.Shared():
		return &SharedElementFailure{Owner: e.Owner, Source: e.Source, Err: cause}
	case e.Owner.Role == RoleSink || e.Owner.Role == RoleMuxer:
		return &SinkDeliveryError{Channel: e.Owner.Channel, Source: e.Source, Err: cause}
	case e.Owner.Role == RoleCamera:
		return &DeviceProbeError{Channel: e.Owner.Channel, Source: e.Source, Err: cause}
	default:
		return cause
	}
}

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{CategoryNetwork, []string{"connection", "network", "timeout", "refused", "rtmp", "socket", "resolve", "unreachable", "could not write"}},
	{CategoryDevice, []string{"device", "v4l2", "alsa", "no such file", "busy", "permission", "not-negotiated", "disconnected"}},
	{CategoryCodec, []string{"encode", "decode", "codec", "format", "caps", "h264", "aac", "jpeg"}},
}

// Classify maps an error message to a coarse category by keyword
func Classify(message, debug string) string {
	text := strings.ToLower(message + " " + debug)
	for _, c := range categoryKeywords {
		for _, w := range c.words {
			if strings.Contains(text, w) {
				return c.category
			}
		}
	}
	return CategoryUnknown
}
