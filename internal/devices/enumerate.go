package devices

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Camera is a V4L2 capture node
type Camera struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	BusInfo string `json:"bus_info,omitempty"`
}

// AudioDevice is an ALSA capture device
type AudioDevice struct {
	Path string `json:"path"` // hw:C,D
	Name string `json:"name"`
}

// Inventory is one enumeration pass
type Inventory struct {
	Cameras []Camera      `json:"cameras"`
	Audio   []AudioDevice `json:"audio"`
}

// CameraPaths returns the camera addresses in scan order
func (inv Inventory) CameraPaths() []string {
	out := make([]string, len(inv.Cameras))
	for i, c := range inv.Cameras {
		out[i] = c.Path
	}
	return out
}

// AudioPaths returns the audio addresses in scan order
func (inv Inventory) AudioPaths() []string {
	out := make([]string, len(inv.Audio))
	for i, a := range inv.Audio {
		out[i] = a.Path
	}
	return out
}

// Enumerator lists capture devices by shelling out to v4l2-ctl and arecord
type Enumerator struct {
	log     *zap.Logger
	runner  Runner
	pattern string
}

// NewEnumerator creates an enumerator scanning /dev/video*
func NewEnumerator(log *zap.Logger, runner Runner) *Enumerator {
	return &Enumerator{log: log, runner: runner, pattern: "/dev/video*"}
}

// Inventory lists cameras and audio devices. An audio failure still returns the cameras.
func (e *Enumerator) Inventory(ctx context.Context) (Inventory, error) {
	var inv Inventory
	cams, err := e.ListCaptureDevices(ctx)
	if err != nil {
		return inv, err
	}
	inv.Cameras = cams

	audio, err := e.ListAudioDevices(ctx)
	if err != nil {
		e.log.Warn("audio enumeration failed", zap.Error(err))
	}
	inv.Audio = audio
	return inv, nil
}

// ListCaptureDevices returns one node per physical camera, ordered by node number
func (e *Enumerator) ListCaptureDevices(ctx context.Context) ([]Camera, error) {
	matches, err := filepath.Glob(e.pattern)
	if err != nil {
		return nil, fmt.Errorf("scan video nodes: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		return deviceNumber(matches[i]) < deviceNumber(matches[j])
	})

	var (
		cams []Camera
		seen = make(map[string]bool)
	)
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return cams, err
		}

		out, err := e.runner.Run(ctx, "v4l2-ctl", "--device", path, "--info")
		if errors.Is(err, ErrToolMissing) {
			cams = append(cams, Camera{Path: path, Name: filepath.Base(path)})
			continue
		}
		if err != nil {
			e.log.Debug("skipping video node", zap.String("device", path), zap.Error(err))
			continue
		}

		info := parseV4L2Info(out)
		if !info.capture {
			continue
		}
		key := info.busInfo
		if key == "" {
			key = path
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		cams = append(cams, Camera{Path: path, Name: info.card, BusInfo: info.busInfo})
	}
	return cams, nil
}

type v4l2Info struct {
	card    string
	busInfo string
	capture bool
}

// parseV4L2Info reads `v4l2-ctl --info`. Only the "Device Caps" block counts
// for capture capability; the "Capabilities" block describes the whole device.
func parseV4L2Info(out []byte) v4l2Info {
	var (
		info       v4l2Info
		inDevCaps  bool
		devCapsSet bool
		anyCapture bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, hasColon := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case hasColon && key == "Card type":
			info.card = value
		case hasColon && key == "Bus info":
			info.busInfo = value
		case hasColon && key == "Device Caps":
			inDevCaps, devCapsSet = true, true
		case hasColon && key != "":
			inDevCaps = false
		case line == "Video Capture" || line == "Video Capture Multiplanar":
			anyCapture = true
			if inDevCaps {
				info.capture = true
			}
		}
	}
	if !devCapsSet {
		info.capture = anyCapture
	}
	return info
}

var arecordCard = regexp.MustCompile(`^card (\d+): (\S+) \[([^\]]*)\], device (\d+):`)

// ListAudioDevices parses `arecord -l`
func (e *Enumerator) ListAudioDevices(ctx context.Context) ([]AudioDevice, error) {
	out, err := e.runner.Run(ctx, "arecord", "-l")
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	return parseArecord(out), nil
}

func parseArecord(out []byte) []AudioDevice {
	var devs []AudioDevice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := arecordCard.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		devs = append(devs, AudioDevice{
			Path: fmt.Sprintf("hw:%s,%s", m[1], m[4]),
			Name: m[2],
		})
	}
	return devs
}

var videoNumber = regexp.MustCompile(`video(\d+)$`)

func deviceNumber(path string) int {
	m := videoNumber.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
