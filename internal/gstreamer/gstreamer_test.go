package gstreamer

import (
	"os/exec"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/video-system/go-video-streamer/pkg/pipeline"
	"github.com/video-system/go-video-streamer/pkg/settings"
)

func testSpec(channels int) pipeline.GraphSpec {
	spec := pipeline.GraphSpec{
		Encoder: pipeline.EncoderSpec{Element: pipeline.EncoderX264},
		Audio:   pipeline.AudioSpec{Bitrate: 96000, Rate: 48000},
		BootID:  "0123456789abcdef",
	}
	for i := 0; i < channels; i++ {
		spec.Channels = append(spec.Channels, settings.ChannelSettings{
			Index:       i,
			Enabled:     true,
			BitrateKbps: 1000,
			Resolution:  settings.Resolution{Width: 320, Height: 240},
			FrameRate:   15,
		})
	}
	return spec
}

func TestDescribeSingleChannel(t *testing.T) {
	spec := testSpec(1)
	spec.Channels[0].Destination = "rtmp://example.com/live/key?token=a&b=c"

	d, err := describe(spec)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}

	for _, want := range []string{
		"input-selector name=ch0_selector",
		"x264enc name=ch0_encoder bitrate=1000",
		`rtmp2sink name=ch0_sink location="rtmp://example.com/live/key?token=a&b=c"`,
		"audiotestsrc name=shared_audiosrc is-live=true wave=silence",
		"ch0_audioqueue ! ch0_mux.audio",
	} {
		if !strings.Contains(d.launch, want) {
			t.Errorf("launch missing %q:\n%s", want, d.launch)
		}
	}
	if strings.Contains(d.launch, "shared_audiotee") {
		t.Error("single channel should not fan out audio")
	}

	o, ok := d.owner("ch0_sink")
	if !ok || o.Role != pipeline.RoleSink || o.Channel != 0 {
		t.Errorf("unexpected sink owner %v", o)
	}
}

func TestDescribeTwoChannelsWithRecording(t *testing.T) {
	spec := testSpec(2)
	spec.AudioDevice = "hw:1,0"
	spec.Encoder = pipeline.EncoderSpec{Element: pipeline.EncoderMPP, Profile: "main", HeadroomKbps: 1000}
	spec.Recording = pipeline.RecordingSpec{Enabled: true, Path: "/data/rec", SegmentDuration: 5 * time.Minute}

	d, err := describe(spec)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}

	for _, want := range []string{
		`alsasrc name=shared_audiosrc device="hw:1,0"`,
		"tee name=shared_audiotee",
		"shared_audiotee. ! queue name=ch1_audioqueue ! ch1_mux.audio",
		"mpph264enc name=ch0_encoder bps=1000000 bps-max=2000000 rc-mode=vbr header-mode=1 profile=main",
		`splitmuxsink name=ch1_recorder location="/data/rec/ch1-01234567-%05d.mp4" max-size-time=300000000000`,
		"fakesink name=ch0_sink",
	} {
		if !strings.Contains(d.launch, want) {
			t.Errorf("launch missing %q:\n%s", want, d.launch)
		}
	}

	if o, _ := d.owner("shared_audiotee"); !o.Shared() {
		t.Errorf("audio tee should be shared, got %v", o)
	}
}

func TestDescribeDeliveryOrder(t *testing.T) {
	d, err := describe(testSpec(2))
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	reg := pipeline.NewRegistry()
	for _, no := range d.owners {
		reg.Register(no.name, no.owner)
	}

	got := strings.Join(reg.Names(1, pipeline.RoleMuxer, pipeline.RoleSink), " ")
	if want := "ch1_videoqueue ch1_audioqueue ch1_mux ch1_sink"; got != want {
		t.Errorf("delivery elements %q, want %q", got, want)
	}
}

func TestDescribeRejectsUnknownEncoder(t *testing.T) {
	spec := testSpec(1)
	spec.Encoder.Element = "nvh264enc"
	if _, err := describe(spec); err == nil {
		t.Fatal("expected error")
	}
	if _, err := describe(pipeline.GraphSpec{}); err == nil {
		t.Fatal("expected error for empty spec")
	}
}

func TestOwnerFromPath(t *testing.T) {
	reg := pipeline.NewRegistry()
	reg.Register("ch0_recorder", pipeline.Owner{Role: pipeline.RoleRecorder, Channel: 0})

	debug := "../gst/multifile/gstsplitmuxsink.c(123): fn (): /GstPipeline:pipeline0/GstSplitMuxSink:ch0_recorder/GstFileSink:sink:\nfailed"
	o, ok := ownerFromPath(reg, debug)
	if !ok || o.Role != pipeline.RoleRecorder {
		t.Fatalf("expected recorder owner, got %v %t", o, ok)
	}
	if _, ok := ownerFromPath(reg, "no path here"); ok {
		t.Error("expected no owner")
	}
}

func requireGStreamer(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("gst-inspect-1.0"); err != nil {
		t.Skip("GStreamer not installed")
	}
	for _, el := range []string{"x264enc", "flvmux", "voaacenc", "input-selector"} {
		if err := exec.Command("gst-inspect-1.0", "--exists", el).Run(); err != nil {
			t.Skipf("GStreamer element %s not available", el)
		}
	}
}

func TestBuildStartTeardown(t *testing.T) {
	requireGStreamer(t)

	e := NewEngine(zaptest.NewLogger(t))
	g, err := e.Build(testSpec(2))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if o, ok := g.Owner("ch1_encoder"); !ok || o.Channel != 1 {
		t.Errorf("unexpected encoder owner %v", o)
	}
	if err := g.SetBitrate(0, 800); err != nil {
		t.Errorf("set bitrate: %v", err)
	}
	if err := g.SetBitrate(5, 800); err == nil {
		t.Error("expected unknown channel error")
	}

	b, err := g.NewCameraBranch(0, "/dev/video-does-not-exist", pipeline.CameraFormat{Width: 320, Height: 240, FrameRate: 15})
	if err != nil {
		t.Fatalf("new branch: %v", err)
	}
	if err := g.ProbeBranch(b); err == nil {
		t.Error("expected probe failure for missing device")
	}
	g.DiscardBranch(b)

	g.Teardown(time.Second)
	g.Teardown(time.Second)

	for range g.Events() {
	}
}
