package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the device-management API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config holds platform client configuration
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// ConnectedDevice is one entry of the device inventory report
type ConnectedDevice struct {
	Type string `json:"type"` // CAMERA, AUDIO
	Name string `json:"name"`
	Path string `json:"path"`
}

// DeviceReport is sent on every poll
type DeviceReport struct {
	ConnectedDevices []ConnectedDevice `json:"connectedDevices"`
	LastOnlineAt     time.Time         `json:"lastOnlineAt"`
	BootID           string            `json:"bootId,omitempty"`
}

// Resolution as sent by the platform
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ChannelSettings are the encode and delivery settings of one stream
type ChannelSettings struct {
	Bitrate        int         `json:"bitrate"` // Kbps
	Resolution     *Resolution `json:"resolution,omitempty"`
	FrameRate      int         `json:"frameRate"`
	WhiteBalance   int         `json:"whiteBalance"`
	StreamEndpoint string      `json:"streamEndpoint"`
	IsEnabled      *bool       `json:"isEnabled,omitempty"`
}

// VideoStream pairs a camera name with its channel settings
type VideoStream struct {
	Camera  string          `json:"camera"`
	Channel ChannelSettings `json:"channel"`
}

// StreamSettings is the desired streaming configuration of a device
type StreamSettings struct {
	IsEnabled          bool          `json:"isEnabled"`
	ReserveMode        bool          `json:"reserveMode"`
	SilenceAudio       bool          `json:"silenceAudio"`
	CameraSkipCount    int           `json:"cameraSkipCount"`
	AudioSkipCount     int           `json:"audioSkipCount"`
	AudioDevice        string        `json:"audioDevice"`
	CheckSettingsEvery int           `json:"checkSettingsEvery,omitempty"` // seconds
	VideoStreams       []VideoStream `json:"videoStreams"`
}

// DeviceInfo is the platform record of a device
type DeviceInfo struct {
	Serial         string         `json:"serial"`
	RequiresReboot bool           `json:"requiresReboot"`
	StreamSettings StreamSettings `json:"streamSettings"`
}

// GlobalSettings apply to every device
type GlobalSettings struct {
	CheckSettingsEvery int `json:"checkSettingsEvery"` // seconds
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// New creates a new platform client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsConfigured returns true if the client is properly configured
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// GetGlobalSettings fetches the settings shared by all devices
func (c *Client) GetGlobalSettings(ctx context.Context) (*GlobalSettings, error) {
	var out envelope[GlobalSettings]
	if err := c.do(ctx, http.MethodGet, "/settings", nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// UpdateDevice reports the device inventory and returns its platform record
func (c *Client) UpdateDevice(ctx context.Context, serial string, report DeviceReport) (*DeviceInfo, error) {
	var out envelope[DeviceInfo]
	if err := c.do(ctx, http.MethodPut, devicePath(serial), report, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// AcknowledgeReboot clears the reboot request of a device
func (c *Client) AcknowledgeReboot(ctx context.Context, serial string) error {
	body := map[string]bool{"requiresReboot": false}
	return c.do(ctx, http.MethodPut, devicePath(serial), body, nil)
}

// CheckHealth checks if the platform is accessible
func (c *Client) CheckHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func devicePath(serial string) string {
	return "/devices/serial/" + url.PathEscape(serial)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if !c.IsConfigured() {
		return fmt.Errorf("platform client not configured")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s failed (status %d): %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
