package gstreamer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/video-system/go-video-streamer/pkg/pipeline"
)

// element parts of a channel branch, in registry order
var channelParts = []struct {
	part string
	role pipeline.Role
}{
	{"placeholder", pipeline.RolePlaceholder},
	{"placeholdercaps", pipeline.RolePlaceholder},
	{"selector", pipeline.RoleSelector},
	{"convert", pipeline.RoleEncoder},
	{"format", pipeline.RoleEncoder},
	{"encoder", pipeline.RoleEncoder},
	{"parse", pipeline.RoleEncoder},
	{"videotee", pipeline.RoleEncoder},
	{"videoqueue", pipeline.RoleMuxer},
	{"audioqueue", pipeline.RoleMuxer},
	{"mux", pipeline.RoleMuxer},
	{"sink", pipeline.RoleSink},
	{"recqueue", pipeline.RoleRecorder},
	{"recorder", pipeline.RoleRecorder},
}

var sharedParts = []string{"audiosrc", "audioconvert", "audioresample", "audiocaps", "audioenc", "audioparse", "audiotee"}

type namedOwner struct {
	name  string
	owner pipeline.Owner
}

// description is a launch string plus the owner of every named element in
// it, upstream elements first
type description struct {
	launch string
	owners []namedOwner
}

func (d description) owner(name string) (pipeline.Owner, bool) {
	for _, no := range d.owners {
		if no.name == name {
			return no.owner, true
		}
	}
	return pipeline.Owner{}, false
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// describe renders the static part of the graph as a launch description
func describe(spec pipeline.GraphSpec) (description, error) {
	var d description
	if len(spec.Channels) == 0 {
		return d, fmt.Errorf("no channels")
	}
	for _, ch := range spec.Channels {
		for _, p := range channelParts {
			d.owners = append(d.owners, namedOwner{pipeline.ElementName(ch.Index, p.part), pipeline.Owner{Role: p.role, Channel: ch.Index}})
		}
	}
	for _, part := range sharedParts {
		d.owners = append(d.owners, namedOwner{pipeline.ElementName(pipeline.SharedChannel, part), pipeline.Owner{Role: pipeline.RoleAudio, Channel: pipeline.SharedChannel}})
	}

	var b strings.Builder
	for _, ch := range spec.Channels {
		n := func(part string) string { return pipeline.ElementName(ch.Index, part) }

		enc, err := encoderDescription(spec.Encoder, n("encoder"), ch.BitrateKbps)
		if err != nil {
			return d, err
		}

		rawCaps := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", ch.Resolution.Width, ch.Resolution.Height, ch.FrameRate)
		fmt.Fprintf(&b, "input-selector name=%s sync-mode=1 ! videoconvert name=%s ! capsfilter name=%s caps=%s ! %s ! h264parse name=%s config-interval=1 ",
			n("selector"), n("convert"), n("format"), quote("video/x-raw,format=NV12"), enc, n("parse"))

		if spec.Recording.Enabled {
			fmt.Fprintf(&b, "! tee name=%s ! queue name=%s ! %s.video ", n("videotee"), n("videoqueue"), n("mux"))
			fmt.Fprintf(&b, "%s. ! queue name=%s ! splitmuxsink name=%s location=%s max-size-time=%d muxer-factory=mp4mux ",
				n("videotee"), n("recqueue"), n("recorder"), quote(recordingLocation(spec, ch.Index)), spec.Recording.SegmentDuration.Nanoseconds())
		} else {
			fmt.Fprintf(&b, "! queue name=%s ! %s.video ", n("videoqueue"), n("mux"))
		}

		fmt.Fprintf(&b, "videotestsrc name=%s is-live=true pattern=smpte ! capsfilter name=%s caps=%s ! %s. ",
			n("placeholder"), n("placeholdercaps"), quote(rawCaps), n("selector"))

		if ch.Destination != "" {
			fmt.Fprintf(&b, "flvmux name=%s streamable=true ! rtmp2sink name=%s location=%s sync=false ",
				n("mux"), n("sink"), quote(ch.Destination))
		} else {
			fmt.Fprintf(&b, "flvmux name=%s streamable=true ! fakesink name=%s sync=false ", n("mux"), n("sink"))
		}
	}

	s := func(part string) string { return pipeline.ElementName(pipeline.SharedChannel, part) }
	if spec.AudioDevice != "" {
		fmt.Fprintf(&b, "alsasrc name=%s device=%s ", s("audiosrc"), quote(spec.AudioDevice))
	} else {
		fmt.Fprintf(&b, "audiotestsrc name=%s is-live=true wave=silence ", s("audiosrc"))
	}
	fmt.Fprintf(&b, "! audioconvert name=%s ! audioresample name=%s ! capsfilter name=%s caps=%s ! voaacenc name=%s bitrate=%d ! aacparse name=%s ",
		s("audioconvert"), s("audioresample"), s("audiocaps"), quote(fmt.Sprintf("audio/x-raw,rate=%d", spec.Audio.Rate)),
		s("audioenc"), spec.Audio.Bitrate, s("audioparse"))

	if len(spec.Channels) == 1 {
		ch := spec.Channels[0].Index
		fmt.Fprintf(&b, "! queue name=%s ! %s.audio",
			pipeline.ElementName(ch, "audioqueue"), pipeline.ElementName(ch, "mux"))
	} else {
		fmt.Fprintf(&b, "! tee name=%s", s("audiotee"))
		for _, ch := range spec.Channels {
			fmt.Fprintf(&b, " %s. ! queue name=%s ! %s.audio",
				s("audiotee"), pipeline.ElementName(ch.Index, "audioqueue"), pipeline.ElementName(ch.Index, "mux"))
		}
	}

	d.launch = b.String()
	return d, nil
}

func encoderDescription(enc pipeline.EncoderSpec, name string, kbps int) (string, error) {
	switch enc.Element {
	case pipeline.EncoderMPP, "":
		profile := enc.Profile
		if profile == "" {
			profile = "main"
		}
		return fmt.Sprintf("mpph264enc name=%s bps=%d bps-max=%d rc-mode=vbr header-mode=1 profile=%s",
			name, kbps*1000, (kbps+enc.HeadroomKbps)*1000, profile), nil
	case pipeline.EncoderX264:
		return fmt.Sprintf("x264enc name=%s bitrate=%d tune=zerolatency speed-preset=veryfast", name, kbps), nil
	default:
		return "", fmt.Errorf("unsupported encoder %q", enc.Element)
	}
}

func recordingLocation(spec pipeline.GraphSpec, channel int) string {
	boot := spec.BootID
	if len(boot) > 8 {
		boot = boot[:8]
	}
	return filepath.Join(spec.Recording.Path, fmt.Sprintf("ch%d-%s-%%05d.mp4", channel, boot))
}

// ownerFromPath finds the deepest registered element in a GStreamer object
// path such as "/GstPipeline:pipeline0/GstSplitMuxSink:ch0_recorder/GstFileSink:sink"
func ownerFromPath(reg *pipeline.Registry, debug string) (pipeline.Owner, bool) {
	var (
		found pipeline.Owner
		ok    bool
	)
	for _, field := range strings.Fields(debug) {
		if !strings.Contains(field, "/Gst") {
			continue
		}
		for _, seg := range strings.Split(field, "/") {
			i := strings.IndexByte(seg, ':')
			if i < 0 {
				continue
			}
			name := strings.TrimRight(seg[i+1:], ":,.")
			if o, hit := reg.Lookup(name); hit {
				found, ok = o, true
			}
		}
	}
	return found, ok
}
