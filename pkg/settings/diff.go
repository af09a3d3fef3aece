package settings

import (
	"fmt"
	"strings"
)

// ChangeKind classifies the gap between a desired and an applied snapshot
type ChangeKind int

const (
	// ChangeNone means the running graph already matches
	ChangeNone ChangeKind = iota
	// ChangePropertyOnly is applied by property updates on a running graph
	ChangePropertyOnly
	// ChangeChannelTopology needs a graph rebuild
	ChangeChannelTopology
	// ChangeGlobalSetting touches device-level settings; see RequiresRestart
	ChangeGlobalSetting
)

// String returns a human-readable name for the change kind
func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "none"
	case ChangePropertyOnly:
		return "property_only"
	case ChangeChannelTopology:
		return "channel_topology"
	case ChangeGlobalSetting:
		return "global_setting"
	default:
		return "unknown"
	}
}

// Field names a property that can change on a running graph
type Field string

const (
	FieldBitrate      Field = "bitrate"
	FieldWhiteBalance Field = "white_balance"
)

// PropertyChange lists the in-place fields that differ on one channel
type PropertyChange struct {
	Channel int     `json:"channel"`
	Fields  []Field `json:"fields"`
}

// Has reports whether the change includes the field
func (p PropertyChange) Has(f Field) bool {
	for _, x := range p.Fields {
		if x == f {
			return true
		}
	}
	return false
}

// ChangeSet is the result of Diff
type ChangeSet struct {
	Kind            ChangeKind       `json:"kind"`
	Properties      []PropertyChange `json:"properties,omitempty"`
	RequiresRestart bool             `json:"requires_restart,omitempty"`
	Reasons         []string         `json:"reasons,omitempty"`
}

// String summarizes the change set for logs
func (c ChangeSet) String() string {
	if len(c.Reasons) == 0 {
		return c.Kind.String()
	}
	return fmt.Sprintf("%s (%s)", c.Kind, strings.Join(c.Reasons, ", "))
}

// Diff compares desired against applied field by field and returns the
// smallest corrective action. Restart-bound global settings win over
// topology, topology wins over property updates, and a poll interval
// change is reported only when nothing else differs.
func Diff(desired, applied Snapshot) ChangeSet {
	var restart []string
	if desired.ReserveMode != applied.ReserveMode {
		restart = append(restart, fmt.Sprintf("reserve mode %t -> %t", applied.ReserveMode, desired.ReserveMode))
	}
	if desired.CameraSkip != applied.CameraSkip {
		restart = append(restart, fmt.Sprintf("camera skip %d -> %d", applied.CameraSkip, desired.CameraSkip))
	}
	if desired.AudioSkip != applied.AudioSkip {
		restart = append(restart, fmt.Sprintf("audio skip %d -> %d", applied.AudioSkip, desired.AudioSkip))
	}
	if len(restart) > 0 {
		return ChangeSet{Kind: ChangeGlobalSetting, RequiresRestart: true, Reasons: restart}
	}

	if reasons := topologyChanges(desired, applied); len(reasons) > 0 {
		return ChangeSet{Kind: ChangeChannelTopology, Reasons: reasons}
	}

	if props := propertyChanges(desired, applied); len(props) > 0 {
		cs := ChangeSet{Kind: ChangePropertyOnly, Properties: props}
		for _, p := range props {
			for _, f := range p.Fields {
				cs.Reasons = append(cs.Reasons, fmt.Sprintf("channel %d %s", p.Channel, f))
			}
		}
		return cs
	}

	if desired.PollInterval != applied.PollInterval {
		return ChangeSet{
			Kind:    ChangeGlobalSetting,
			Reasons: []string{fmt.Sprintf("poll interval %s -> %s", applied.PollInterval, desired.PollInterval)},
		}
	}

	return ChangeSet{Kind: ChangeNone}
}

func topologyChanges(desired, applied Snapshot) []string {
	var reasons []string
	if desired.StreamingEnabled != applied.StreamingEnabled {
		reasons = append(reasons, fmt.Sprintf("streaming enabled %t -> %t", applied.StreamingEnabled, desired.StreamingEnabled))
	}
	if desired.AudioDevice != applied.AudioDevice {
		reasons = append(reasons, fmt.Sprintf("audio device %q -> %q", applied.AudioDevice, desired.AudioDevice))
	}

	want := desired.ActiveChannels()
	have := applied.ActiveChannels()
	if len(want) != len(have) {
		return append(reasons, fmt.Sprintf("channel count %d -> %d", len(have), len(want)))
	}
	for i := range want {
		d, a := want[i], have[i]
		if d.Index != a.Index {
			reasons = append(reasons, fmt.Sprintf("channel %d replaced by %d", a.Index, d.Index))
			continue
		}
		if d.Destination != a.Destination {
			reasons = append(reasons, fmt.Sprintf("channel %d destination", d.Index))
		}
		if d.Resolution != a.Resolution {
			reasons = append(reasons, fmt.Sprintf("channel %d resolution %s -> %s", d.Index, a.Resolution, d.Resolution))
		}
		if d.FrameRate != a.FrameRate {
			reasons = append(reasons, fmt.Sprintf("channel %d frame rate %d -> %d", d.Index, a.FrameRate, d.FrameRate))
		}
	}
	return reasons
}

func propertyChanges(desired, applied Snapshot) []PropertyChange {
	var out []PropertyChange
	for _, d := range desired.ActiveChannels() {
		a, ok := applied.Channel(d.Index)
		if !ok {
			continue
		}
		var fields []Field
		if d.BitrateKbps != a.BitrateKbps {
			fields = append(fields, FieldBitrate)
		}
		if d.WhiteBalance != a.WhiteBalance {
			fields = append(fields, FieldWhiteBalance)
		}
		if len(fields) > 0 {
			out = append(out, PropertyChange{Channel: d.Index, Fields: fields})
		}
	}
	return out
}
