package settings

import (
	"fmt"
	"time"
)

// MaxChannels is the number of logical channels the device can drive
const MaxChannels = 2

// Channel defaults applied when the remote source omits a value
const (
	DefaultBitrateKbps  = 2000
	DefaultWidth        = 1920
	DefaultHeight       = 1080
	DefaultFrameRate    = 30
	DefaultWhiteBalance = 5000
)

// Resolution is a frame size in pixels
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// String returns resolution string like "1920x1080"
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ChannelSettings is the desired state of one encode/mux/sink branch
type ChannelSettings struct {
	Index        int        `yaml:"index" json:"index"`
	Enabled      bool       `yaml:"enabled" json:"enabled"`
	BitrateKbps  int        `yaml:"bitrate_kbps" json:"bitrate_kbps"`
	WhiteBalance int        `yaml:"white_balance" json:"white_balance"`
	Resolution   Resolution `yaml:"resolution" json:"resolution"`
	FrameRate    int        `yaml:"frame_rate" json:"frame_rate"`
	Destination  string     `yaml:"destination" json:"destination"`
}

// Snapshot is one complete view of the device configuration.
// A fetched snapshot is never mutated; the next successful poll replaces it.
type Snapshot struct {
	StreamingEnabled bool              `yaml:"streaming_enabled" json:"streaming_enabled"`
	ReserveMode      bool              `yaml:"reserve_mode" json:"reserve_mode"`
	SilenceAudio     bool              `yaml:"silence_audio" json:"silence_audio"`
	CameraSkip       int               `yaml:"camera_skip" json:"camera_skip"`
	AudioSkip        int               `yaml:"audio_skip" json:"audio_skip"`
	PollInterval     time.Duration     `yaml:"poll_interval" json:"poll_interval"`
	RequiresReboot   bool              `yaml:"-" json:"requires_reboot"`
	AudioDevice      string            `yaml:"audio_device" json:"audio_device"`
	Channels         []ChannelSettings `yaml:"channels" json:"channels"`
	FetchedAt        time.Time         `yaml:"fetched_at" json:"fetched_at"`
}

// Clone returns a deep copy of the snapshot
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Channels != nil {
		out.Channels = make([]ChannelSettings, len(s.Channels))
		copy(out.Channels, s.Channels)
	}
	return out
}

// ActiveChannels returns the channels that get a branch in the graph.
// Nothing is active while streaming is disabled or the device is in reserve mode.
func (s Snapshot) ActiveChannels() []ChannelSettings {
	if !s.StreamingEnabled || s.ReserveMode {
		return nil
	}
	var out []ChannelSettings
	for _, ch := range s.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// LimitActive returns a copy in which only the first n active channels stay
// enabled
func (s Snapshot) LimitActive(n int) Snapshot {
	out := s.Clone()
	for i := range out.Channels {
		if !out.Channels[i].Enabled {
			continue
		}
		if n > 0 {
			n--
			continue
		}
		out.Channels[i].Enabled = false
	}
	return out
}

// Channel returns the settings for a logical channel index
func (s Snapshot) Channel(index int) (ChannelSettings, bool) {
	for _, ch := range s.Channels {
		if ch.Index == index {
			return ch, true
		}
	}
	return ChannelSettings{}, false
}

// Normalize fills channel defaults, assigns positional indexes and drops
// channels beyond MaxChannels. It returns the number of dropped channels.
func (s *Snapshot) Normalize() int {
	dropped := 0
	if len(s.Channels) > MaxChannels {
		dropped = len(s.Channels) - MaxChannels
		s.Channels = s.Channels[:MaxChannels]
	}
	for i := range s.Channels {
		ch := &s.Channels[i]
		ch.Index = i
		if ch.BitrateKbps <= 0 {
			ch.BitrateKbps = DefaultBitrateKbps
		}
		if ch.Resolution.Width <= 0 {
			ch.Resolution.Width = DefaultWidth
		}
		if ch.Resolution.Height <= 0 {
			ch.Resolution.Height = DefaultHeight
		}
		if ch.FrameRate <= 0 {
			ch.FrameRate = DefaultFrameRate
		}
		if ch.WhiteBalance <= 0 {
			ch.WhiteBalance = DefaultWhiteBalance
		}
	}
	if s.CameraSkip < 0 {
		s.CameraSkip = 0
	}
	if s.AudioSkip < 0 {
		s.AudioSkip = 0
	}
	return dropped
}
