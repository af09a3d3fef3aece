package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestUpdateDevice(t *testing.T) {
	var got DeviceReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/devices/serial/00000000abcd" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"data":{"serial":"00000000abcd","requiresReboot":true,"streamSettings":{
			"isEnabled":true,"audioDevice":"USB Audio",
			"videoStreams":[{"camera":"HD USB Camera","channel":{"bitrate":2500,"streamEndpoint":"rtmp://a/live","whiteBalance":4500}}]}}}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "secret"})
	report := DeviceReport{
		ConnectedDevices: []ConnectedDevice{{Type: "CAMERA", Name: "cam", Path: "/dev/video0"}},
		LastOnlineAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	info, err := c.UpdateDevice(context.Background(), "00000000abcd", report)
	if err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}

	if len(got.ConnectedDevices) != 1 || got.ConnectedDevices[0].Path != "/dev/video0" {
		t.Errorf("unexpected report %+v", got)
	}
	if !info.RequiresReboot || !info.StreamSettings.IsEnabled {
		t.Errorf("unexpected info %+v", info)
	}
	if len(info.StreamSettings.VideoStreams) != 1 || info.StreamSettings.VideoStreams[0].Channel.Bitrate != 2500 {
		t.Errorf("unexpected streams %+v", info.StreamSettings.VideoStreams)
	}
}

func TestGetGlobalSettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"checkSettingsEvery":15}}`))
	}))
	defer srv.Close()

	gs, err := New(Config{URL: srv.URL}).GetGlobalSettings(context.Background())
	if err != nil {
		t.Fatalf("GetGlobalSettings: %v", err)
	}
	if gs.CheckSettingsEvery != 15 {
		t.Errorf("expected 15, got %d", gs.CheckSettingsEvery)
	}
}

func TestAcknowledgeReboot(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if err := New(Config{URL: srv.URL}).AcknowledgeReboot(context.Background(), "abc"); err != nil {
		t.Fatalf("AcknowledgeReboot: %v", err)
	}
	if v, ok := body["requiresReboot"].(bool); !ok || v {
		t.Errorf("unexpected body %v", body)
	}
}

func TestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := New(Config{URL: srv.URL}).GetGlobalSettings(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotConfigured(t *testing.T) {
	c := New(Config{})
	if c.IsConfigured() {
		t.Fatal("expected unconfigured client")
	}
	if err := c.CheckHealth(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
