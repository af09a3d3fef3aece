package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/video-system/go-video-streamer/internal/devices"
	"github.com/video-system/go-video-streamer/pkg/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamer.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "platform:\n  url: http://backend/api\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Encoder.Element != pipeline.EncoderMPP || cfg.Encoder.HeadroomKbps != 1000 {
		t.Errorf("unexpected encoder defaults %+v", cfg.Encoder)
	}
	if cfg.Streaming.PollInterval != 5*time.Second || cfg.Streaming.Workers != 4 {
		t.Errorf("unexpected streaming defaults %+v", cfg.Streaming)
	}
	if cfg.Sink.ProbeAddress != "8.8.8.8:53" || cfg.Sink.RetryInterval != 10*time.Second {
		t.Errorf("unexpected sink defaults %+v", cfg.Sink)
	}
	if cfg.Policy() != devices.PolicyLast {
		t.Errorf("expected last policy, got %s", cfg.Policy())
	}
	if cfg.Recording.Retention != 24*time.Hour || cfg.Recording.MaxBytes != 0 {
		t.Errorf("unexpected recording defaults %+v", cfg.Recording)
	}
	if cfg.API.Port != 8080 || cfg.Events.SubjectPrefix != "streamer" {
		t.Errorf("unexpected defaults %+v %+v", cfg.API, cfg.Events)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("STREAMER_TEST_URL", "http://expanded")
	path := writeConfig(t, `
platform:
  url: ${STREAMER_TEST_URL}
streaming:
  camera_selection: first
  reconcile_interval: 3s
encoder:
  element: x264enc
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform.URL != "http://expanded" {
		t.Errorf("expected expanded url, got %q", cfg.Platform.URL)
	}
	if cfg.Policy() != devices.PolicyFirst || cfg.Streaming.ReconcileInterval != 3*time.Second {
		t.Errorf("unexpected streaming config %+v", cfg.Streaming)
	}
	if cfg.Encoder.Element != pipeline.EncoderX264 {
		t.Errorf("unexpected encoder %q", cfg.Encoder.Element)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BACKEND_API", "http://override")
	t.Setenv("DEVICE_SERIAL", "0000cafe")
	t.Setenv("POLL_INTERVAL", "20s")
	path := writeConfig(t, "platform:\n  url: http://file\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform.URL != "http://override" || cfg.Device.Serial != "0000cafe" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Platform, cfg.Device)
	}
	if cfg.Streaming.PollInterval != 20*time.Second {
		t.Errorf("expected 20s, got %s", cfg.Streaming.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing url", "api:\n  port: 80\n", "platform.url"},
		{"bad policy", "platform:\n  url: x\nstreaming:\n  camera_selection: random\n", "camera_selection"},
		{"bad encoder", "platform:\n  url: x\nencoder:\n  element: nvh264enc\n", "encoder.element"},
		{"too many channels", "platform:\n  url: x\nstreaming:\n  max_channels: 3\n", "max_channels"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BACKEND_API", "")
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}
