package remote

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-video-streamer/internal/devices"
	"github.com/video-system/go-video-streamer/pkg/platform"
	"github.com/video-system/go-video-streamer/pkg/settings"
)

// DefaultPollInterval applies until the platform says otherwise
const DefaultPollInterval = 5 * time.Second

// DeviceClient is the part of the platform API the source needs
type DeviceClient interface {
	UpdateDevice(ctx context.Context, serial string, report platform.DeviceReport) (*platform.DeviceInfo, error)
	GetGlobalSettings(ctx context.Context) (*platform.GlobalSettings, error)
}

// Inventory enumerates attached devices
type Inventory interface {
	Inventory(ctx context.Context) (devices.Inventory, error)
}

// PlatformSource reports the device inventory on each fetch and turns the
// returned stream settings into a snapshot
type PlatformSource struct {
	log    *zap.Logger
	client DeviceClient
	inv    Inventory
	serial string
	bootID string
	policy devices.Policy
	now    func() time.Time

	poll atomic.Int64
	last atomic.Pointer[devices.Inventory]
}

// PlatformSourceConfig wires a PlatformSource
type PlatformSourceConfig struct {
	Client       DeviceClient
	Inventory    Inventory
	Serial       string
	BootID       string
	Policy       devices.Policy
	PollInterval time.Duration
}

// NewPlatformSource creates a source keyed by the device serial
func NewPlatformSource(log *zap.Logger, cfg PlatformSourceConfig) *PlatformSource {
	p := &PlatformSource{
		log:    log,
		client: cfg.Client,
		inv:    cfg.Inventory,
		serial: cfg.Serial,
		bootID: cfg.BootID,
		policy: cfg.Policy,
		now:    time.Now,
	}
	if p.policy == "" {
		p.policy = devices.PolicyLast
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p.poll.Store(int64(interval))
	return p
}

// LoadGlobalSettings reads the platform-wide poll interval
func (p *PlatformSource) LoadGlobalSettings(ctx context.Context) error {
	gs, err := p.client.GetGlobalSettings(ctx)
	if err != nil {
		return fmt.Errorf("get global settings: %w", err)
	}
	if gs.CheckSettingsEvery > 0 {
		p.poll.Store(int64(time.Duration(gs.CheckSettingsEvery) * time.Second))
	}
	return nil
}

// LastInventory returns the inventory seen by the most recent fetch
func (p *PlatformSource) LastInventory() (devices.Inventory, bool) {
	inv := p.last.Load()
	if inv == nil {
		return devices.Inventory{}, false
	}
	return *inv, true
}

// Fetch enumerates devices, reports them and converts the response
func (p *PlatformSource) Fetch(ctx context.Context) (settings.Snapshot, error) {
	inv, err := p.inv.Inventory(ctx)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("enumerate devices: %w", err)
	}
	p.last.Store(&inv)

	info, err := p.client.UpdateDevice(ctx, p.serial, report(inv, p.bootID, p.now()))
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("update device: %w", err)
	}

	snap := Convert(info.StreamSettings, inv, p.policy)
	snap.RequiresReboot = info.RequiresReboot
	if snap.PollInterval <= 0 {
		snap.PollInterval = time.Duration(p.poll.Load())
	}
	return snap, nil
}

func report(inv devices.Inventory, bootID string, now time.Time) platform.DeviceReport {
	r := platform.DeviceReport{
		ConnectedDevices: []platform.ConnectedDevice{},
		LastOnlineAt:     now.UTC(),
		BootID:           bootID,
	}
	for _, c := range inv.Cameras {
		r.ConnectedDevices = append(r.ConnectedDevices, platform.ConnectedDevice{Type: "CAMERA", Name: c.Name, Path: c.Path})
	}
	for _, a := range inv.Audio {
		r.ConnectedDevices = append(r.ConnectedDevices, platform.ConnectedDevice{Type: "AUDIO", Name: a.Name, Path: a.Path})
	}
	return r
}

// Convert maps platform stream settings onto a snapshot. Channels are
// positional; camera names in the settings do not affect binding. The
// audio device is resolved to an address against the inventory.
func Convert(ss platform.StreamSettings, inv devices.Inventory, policy devices.Policy) settings.Snapshot {
	snap := settings.Snapshot{
		StreamingEnabled: ss.IsEnabled,
		ReserveMode:      ss.ReserveMode,
		SilenceAudio:     ss.SilenceAudio,
		CameraSkip:       ss.CameraSkipCount,
		AudioSkip:        ss.AudioSkipCount,
	}
	if ss.CheckSettingsEvery > 0 {
		snap.PollInterval = time.Duration(ss.CheckSettingsEvery) * time.Second
	}

	for i, vs := range ss.VideoStreams {
		ch := settings.ChannelSettings{
			Index:        i,
			Enabled:      true,
			BitrateKbps:  vs.Channel.Bitrate,
			WhiteBalance: vs.Channel.WhiteBalance,
			FrameRate:    vs.Channel.FrameRate,
			Destination:  vs.Channel.StreamEndpoint,
		}
		if vs.Channel.IsEnabled != nil {
			ch.Enabled = *vs.Channel.IsEnabled
		}
		if r := vs.Channel.Resolution; r != nil {
			ch.Resolution = settings.Resolution{Width: r.Width, Height: r.Height}
		}
		snap.Channels = append(snap.Channels, ch)
	}

	snap.AudioDevice = resolveAudio(ss, inv, policy)
	return snap
}

func resolveAudio(ss platform.StreamSettings, inv devices.Inventory, policy devices.Policy) string {
	if ss.SilenceAudio {
		return ""
	}
	if ss.AudioDevice != "" {
		for _, a := range inv.Audio {
			if a.Name == ss.AudioDevice || a.Path == ss.AudioDevice {
				return a.Path
			}
		}
	}
	return devices.SelectAudio(inv.AudioPaths(), ss.AudioSkipCount, policy)
}
