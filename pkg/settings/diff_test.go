package settings

import (
	"testing"
	"time"
)

func baseSnapshot() Snapshot {
	s := Snapshot{
		StreamingEnabled: true,
		PollInterval:     5 * time.Second,
		AudioDevice:      "hw:1,0",
		Channels: []ChannelSettings{
			{Enabled: true, BitrateKbps: 2500, WhiteBalance: 4500, Destination: "rtmp://a/live/one"},
			{Enabled: true, BitrateKbps: 3000, WhiteBalance: 5000, Destination: "rtmp://a/live/two"},
		},
	}
	s.Normalize()
	return s
}

func TestDiffNone(t *testing.T) {
	a := baseSnapshot()
	if cs := Diff(a.Clone(), a); cs.Kind != ChangeNone {
		t.Fatalf("expected no change, got %s", cs)
	}
}

func TestDiffBitrateOnly(t *testing.T) {
	applied := baseSnapshot()
	applied.Channels = applied.Channels[:1]
	desired := applied.Clone()
	desired.Channels[0].BitrateKbps = 2000

	cs := Diff(desired, applied)
	if cs.Kind != ChangePropertyOnly {
		t.Fatalf("expected property_only, got %s", cs)
	}
	if len(cs.Properties) != 1 || cs.Properties[0].Channel != 0 {
		t.Fatalf("unexpected properties: %+v", cs.Properties)
	}
	if !cs.Properties[0].Has(FieldBitrate) || cs.Properties[0].Has(FieldWhiteBalance) {
		t.Errorf("expected only bitrate, got %v", cs.Properties[0].Fields)
	}
}

func TestDiffPropertyOnlyFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		want   map[int][]Field
	}{
		{
			name:   "white balance",
			mutate: func(s *Snapshot) { s.Channels[1].WhiteBalance = 6500 },
			want:   map[int][]Field{1: {FieldWhiteBalance}},
		},
		{
			name: "both fields on both channels",
			mutate: func(s *Snapshot) {
				s.Channels[0].BitrateKbps = 1000
				s.Channels[0].WhiteBalance = 3000
				s.Channels[1].BitrateKbps = 1000
			},
			want: map[int][]Field{0: {FieldBitrate, FieldWhiteBalance}, 1: {FieldBitrate}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied := baseSnapshot()
			desired := applied.Clone()
			tt.mutate(&desired)

			cs := Diff(desired, applied)
			if cs.Kind != ChangePropertyOnly {
				t.Fatalf("expected property_only, got %s", cs)
			}
			if len(cs.Properties) != len(tt.want) {
				t.Fatalf("expected %d channels, got %+v", len(tt.want), cs.Properties)
			}
			for _, p := range cs.Properties {
				fields := tt.want[p.Channel]
				if len(fields) != len(p.Fields) {
					t.Fatalf("channel %d: expected %v, got %v", p.Channel, fields, p.Fields)
				}
				for _, f := range fields {
					if !p.Has(f) {
						t.Errorf("channel %d: missing %s", p.Channel, f)
					}
				}
			}
		})
	}
}

func TestDiffTopology(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"destination", func(s *Snapshot) { s.Channels[0].Destination = "rtmp://b/live/one" }},
		{"channel count", func(s *Snapshot) { s.Channels = s.Channels[:1] }},
		{"channel disabled", func(s *Snapshot) { s.Channels[1].Enabled = false }},
		{"resolution", func(s *Snapshot) { s.Channels[0].Resolution = Resolution{Width: 1280, Height: 720} }},
		{"frame rate", func(s *Snapshot) { s.Channels[1].FrameRate = 25 }},
		{"audio device", func(s *Snapshot) { s.AudioDevice = "" }},
		{"streaming disabled", func(s *Snapshot) { s.StreamingEnabled = false }},
		{"topology wins over bitrate", func(s *Snapshot) {
			s.Channels[0].BitrateKbps = 100
			s.Channels[1].Destination = "rtmp://c/live"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied := baseSnapshot()
			desired := applied.Clone()
			tt.mutate(&desired)

			cs := Diff(desired, applied)
			if cs.Kind != ChangeChannelTopology {
				t.Fatalf("expected channel_topology, got %s", cs)
			}
			if len(cs.Reasons) == 0 {
				t.Error("expected a reason")
			}
		})
	}
}

func TestDiffGlobalRestart(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"reserve mode", func(s *Snapshot) { s.ReserveMode = true }},
		{"camera skip", func(s *Snapshot) { s.CameraSkip = 1 }},
		{"audio skip", func(s *Snapshot) { s.AudioSkip = 2 }},
		{"reserve mode wins over channel diffs", func(s *Snapshot) {
			s.ReserveMode = true
			s.Channels = s.Channels[:1]
			s.Channels[0].BitrateKbps = 1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied := baseSnapshot()
			desired := applied.Clone()
			tt.mutate(&desired)

			cs := Diff(desired, applied)
			if cs.Kind != ChangeGlobalSetting || !cs.RequiresRestart {
				t.Fatalf("expected restart-bound global change, got %s restart=%t", cs, cs.RequiresRestart)
			}
		})
	}
}

func TestDiffPollInterval(t *testing.T) {
	applied := baseSnapshot()
	desired := applied.Clone()
	desired.PollInterval = 30 * time.Second

	cs := Diff(desired, applied)
	if cs.Kind != ChangeGlobalSetting || cs.RequiresRestart {
		t.Fatalf("expected in-place global change, got %s restart=%t", cs, cs.RequiresRestart)
	}
}

func TestNormalize(t *testing.T) {
	s := Snapshot{Channels: make([]ChannelSettings, 3), CameraSkip: -1}
	if dropped := s.Normalize(); dropped != 1 {
		t.Fatalf("expected 1 dropped channel, got %d", dropped)
	}
	for i, ch := range s.Channels {
		if ch.Index != i {
			t.Errorf("channel %d has index %d", i, ch.Index)
		}
		if ch.BitrateKbps != DefaultBitrateKbps || ch.FrameRate != DefaultFrameRate {
			t.Errorf("channel %d defaults not applied: %+v", i, ch)
		}
		if ch.Resolution != (Resolution{DefaultWidth, DefaultHeight}) {
			t.Errorf("channel %d resolution %s", i, ch.Resolution)
		}
	}
	if s.CameraSkip != 0 {
		t.Errorf("negative skip not clamped: %d", s.CameraSkip)
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := baseSnapshot()
	b := a.Clone()
	b.Channels[0].BitrateKbps = 1
	if a.Channels[0].BitrateKbps == 1 {
		t.Fatal("clone shares channel storage")
	}
}

func TestLimitActive(t *testing.T) {
	base := baseSnapshot()
	limited := base.LimitActive(1)
	if n := len(limited.ActiveChannels()); n != 1 {
		t.Fatalf("expected 1 active channel, got %d", n)
	}
	if !base.Channels[1].Enabled {
		t.Fatal("LimitActive changed its receiver")
	}

	// a change beyond the limit is invisible once both sides are limited
	next := baseSnapshot()
	next.Channels[1].BitrateKbps = 1000
	if cs := Diff(next.LimitActive(1), limited); cs.Kind != ChangeNone {
		t.Errorf("expected no change, got %s", cs)
	}

	if n := len(base.LimitActive(2).ActiveChannels()); n != 2 {
		t.Errorf("expected both channels within the limit, got %d", n)
	}
}
