package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/video-system/go-video-streamer/internal/devices"
	"github.com/video-system/go-video-streamer/pkg/platform"
	"github.com/video-system/go-video-streamer/pkg/settings"
)

func snapshot(bitrate int) settings.Snapshot {
	return settings.Snapshot{
		StreamingEnabled: true,
		PollInterval:     5 * time.Second,
		Channels: []settings.ChannelSettings{
			{Enabled: true, BitrateKbps: bitrate, Destination: "rtmp://a/live"},
		},
	}
}

func TestPollFailureKeepsDesired(t *testing.T) {
	calls := 0
	src := SourceFunc(func(ctx context.Context) (settings.Snapshot, error) {
		calls++
		if calls == 1 {
			return snapshot(2000), nil
		}
		return settings.Snapshot{}, errors.New("dial tcp: connection refused")
	})
	s := NewSynchronizer(zaptest.NewLogger(t), src, "")

	if _, err := s.Poll(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	before, _ := s.Desired()

	_, err := s.Poll(context.Background())
	var fetchErr *ConfigFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected ConfigFetchError, got %v", err)
	}

	after, ok := s.Desired()
	if !ok || !sameContent(before, after) || !before.FetchedAt.Equal(after.FetchedAt) {
		t.Errorf("desired changed after failed fetch: %+v -> %+v", before, after)
	}
	if st := s.Status(); st.OK || st.Failures != 1 || st.Successes != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestPollNormalizes(t *testing.T) {
	src := SourceFunc(func(ctx context.Context) (settings.Snapshot, error) {
		snap := snapshot(0)
		snap.Channels = append(snap.Channels, snap.Channels[0], snap.Channels[0])
		return snap, nil
	})
	s := NewSynchronizer(zaptest.NewLogger(t), src, "")

	snap, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(snap.Channels) != settings.MaxChannels {
		t.Fatalf("expected %d channels, got %d", settings.MaxChannels, len(snap.Channels))
	}
	if snap.Channels[1].Index != 1 || snap.Channels[0].BitrateKbps != settings.DefaultBitrateKbps {
		t.Errorf("channels not normalized: %+v", snap.Channels)
	}
}

func TestPollCoalesces(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	src := SourceFunc(func(ctx context.Context) (settings.Snapshot, error) {
		calls.Add(1)
		<-release
		return snapshot(2000), nil
	})
	s := NewSynchronizer(zaptest.NewLogger(t), src, "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Poll(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n > 2 {
		t.Errorf("expected concurrent polls to share a fetch, got %d fetches", n)
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "desired.yaml")
	src := SourceFunc(func(ctx context.Context) (settings.Snapshot, error) {
		snap := snapshot(2500)
		snap.RequiresReboot = true
		return snap, nil
	})
	s := NewSynchronizer(zaptest.NewLogger(t), src, path)
	if _, err := s.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("state file not written: %v", err)
	}

	fresh := NewSynchronizer(zaptest.NewLogger(t), src, path)
	ok, err := fresh.LoadState()
	if err != nil || !ok {
		t.Fatalf("load state: ok=%v err=%v", ok, err)
	}
	snap, _ := fresh.Desired()
	if snap.Channels[0].BitrateKbps != 2500 || snap.PollInterval != 5*time.Second {
		t.Errorf("unexpected seeded snapshot %+v", snap)
	}
	if snap.RequiresReboot {
		t.Error("reboot request must not survive the state file")
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	s := NewSynchronizer(zaptest.NewLogger(t), nil, filepath.Join(t.TempDir(), "none.yaml"))
	ok, err := s.LoadState()
	if err != nil || ok {
		t.Fatalf("expected no seed, got ok=%v err=%v", ok, err)
	}
	if _, have := s.Desired(); have {
		t.Error("nothing should be desired")
	}
}

func TestPlan(t *testing.T) {
	s := NewSynchronizer(zaptest.NewLogger(t), nil, "")
	if cs := s.Plan(snapshot(2500)); cs.Kind != settings.ChangeNone {
		t.Errorf("expected none without a desired snapshot, got %s", cs)
	}

	desired := snapshot(2000)
	desired.Normalize()
	applied := snapshot(2500)
	applied.Normalize()
	s.Seed(desired)

	cs := s.Plan(applied)
	if cs.Kind != settings.ChangePropertyOnly || len(cs.Properties) != 1 || !cs.Properties[0].Has(settings.FieldBitrate) {
		t.Errorf("unexpected plan %+v", cs)
	}
}

type fakeClient struct {
	info    platform.DeviceInfo
	err     error
	global  platform.GlobalSettings
	reports []platform.DeviceReport
}

func (f *fakeClient) UpdateDevice(_ context.Context, _ string, r platform.DeviceReport) (*platform.DeviceInfo, error) {
	f.reports = append(f.reports, r)
	if f.err != nil {
		return nil, f.err
	}
	info := f.info
	return &info, nil
}

func (f *fakeClient) GetGlobalSettings(context.Context) (*platform.GlobalSettings, error) {
	return &f.global, nil
}

type fakeInventory struct {
	inv devices.Inventory
	err error
}

func (f fakeInventory) Inventory(context.Context) (devices.Inventory, error) {
	return f.inv, f.err
}

var inventory = devices.Inventory{
	Cameras: []devices.Camera{{Path: "/dev/video0", Name: "HD USB Camera"}},
	Audio: []devices.AudioDevice{
		{Path: "hw:0,0", Name: "rockchiphdmi"},
		{Path: "hw:2,0", Name: "USB Audio"},
	},
}

func TestPlatformSourceFetch(t *testing.T) {
	disabled := false
	client := &fakeClient{
		global: platform.GlobalSettings{CheckSettingsEvery: 12},
		info: platform.DeviceInfo{
			RequiresReboot: true,
			StreamSettings: platform.StreamSettings{
				IsEnabled:   true,
				AudioDevice: "USB Audio",
				VideoStreams: []platform.VideoStream{
					{Camera: "HD USB Camera", Channel: platform.ChannelSettings{Bitrate: 3000, StreamEndpoint: "rtmp://a/0"}},
					{Channel: platform.ChannelSettings{StreamEndpoint: "rtmp://a/1", IsEnabled: &disabled,
						Resolution: &platform.Resolution{Width: 1280, Height: 720}}},
				},
			},
		},
	}
	src := NewPlatformSource(zaptest.NewLogger(t), PlatformSourceConfig{
		Client:    client,
		Inventory: fakeInventory{inv: inventory},
		Serial:    "abc",
		BootID:    "boot-1",
	})
	if err := src.LoadGlobalSettings(context.Background()); err != nil {
		t.Fatalf("global settings: %v", err)
	}

	snap, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if !snap.RequiresReboot || !snap.StreamingEnabled {
		t.Errorf("unexpected flags %+v", snap)
	}
	if snap.PollInterval != 12*time.Second {
		t.Errorf("expected 12s poll interval, got %s", snap.PollInterval)
	}
	if snap.AudioDevice != "hw:2,0" {
		t.Errorf("expected USB audio, got %q", snap.AudioDevice)
	}
	if len(snap.Channels) != 2 || snap.Channels[0].BitrateKbps != 3000 || snap.Channels[1].Enabled {
		t.Errorf("unexpected channels %+v", snap.Channels)
	}
	if snap.Channels[1].Resolution != (settings.Resolution{Width: 1280, Height: 720}) {
		t.Errorf("unexpected resolution %+v", snap.Channels[1].Resolution)
	}

	r := client.reports[0]
	if r.BootID != "boot-1" || len(r.ConnectedDevices) != 3 || r.ConnectedDevices[0].Type != "CAMERA" {
		t.Errorf("unexpected report %+v", r)
	}
	if inv, ok := src.LastInventory(); !ok || len(inv.Cameras) != 1 {
		t.Errorf("inventory not recorded")
	}
}

func TestPlatformSourceErrors(t *testing.T) {
	src := NewPlatformSource(zaptest.NewLogger(t), PlatformSourceConfig{
		Client:    &fakeClient{err: errors.New("status 502")},
		Inventory: fakeInventory{inv: inventory},
	})
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("expected update error")
	}

	src = NewPlatformSource(zaptest.NewLogger(t), PlatformSourceConfig{
		Client:    &fakeClient{},
		Inventory: fakeInventory{err: errors.New("glob failed")},
	})
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("expected enumeration error")
	}
}

func TestResolveAudio(t *testing.T) {
	tests := []struct {
		name string
		ss   platform.StreamSettings
		want string
	}{
		{"silenced", platform.StreamSettings{SilenceAudio: true, AudioDevice: "USB Audio"}, ""},
		{"by name", platform.StreamSettings{AudioDevice: "rockchiphdmi"}, "hw:0,0"},
		{"by path", platform.StreamSettings{AudioDevice: "hw:2,0"}, "hw:2,0"},
		{"unknown name falls back", platform.StreamSettings{AudioDevice: "missing"}, "hw:2,0"},
		{"skip all", platform.StreamSettings{AudioSkipCount: 2}, ""},
		{"default last", platform.StreamSettings{}, "hw:2,0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveAudio(tt.ss, inventory, devices.PolicyLast); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
