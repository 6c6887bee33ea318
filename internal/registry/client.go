// Package registry is a thin client for the location registry API: the
// device collection, per-device schedules and the file store.
//
// Every mutator is idempotent on the registry side, so callers may repeat
// them on the next cycle after a failure.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jmylchreest/tagsync/internal/httpclient"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
	"github.com/jmylchreest/tagsync/internal/version"
)

// Errors returned by the client.
var (
	// ErrDuplicate is returned when adding a device whose client id exists.
	ErrDuplicate = errors.New("device already registered")
	// ErrNotFound is returned for a 404 from the registry.
	ErrNotFound = errors.New("not found in registry")
	// ErrInvalidIP is returned, without contacting the registry, for an
	// address the registry would refuse.
	ErrInvalidIP = errors.New("invalid IPv4 address")
	// ErrUnexpectedStatus wraps any other non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected registry status")
)

// ipPattern is the shape the registry accepts for device addresses.
var ipPattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 512

// Config configures a Client.
type Config struct {
	// BaseURL is the locations collection, e.g. http://localhost:8000/api/locations.
	BaseURL       string
	LocationID    string
	Timeout       time.Duration
	RetryAttempts int
	Logger        *slog.Logger
}

// Client calls the registry on behalf of one location.
type Client struct {
	http   *httpclient.Client
	base   string
	logger *slog.Logger
}

// NewDevice is the payload for registering a discovered device.
type NewDevice struct {
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
	IP         string `json:"ip"`
	Photo      string `json:"photo"`
	Video      string `json:"video"`
	Thumbnail  string `json:"thumbnail"`
	Changed    string `json:"changed"`
}

// New creates a registry client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Timeout
	hc.Retry.Attempts = cfg.RetryAttempts
	hc.Logger = cfg.Logger
	hc.UserAgent = version.UserAgent()

	return &Client{
		http:   httpclient.New(hc),
		base:   strings.TrimRight(cfg.BaseURL, "/") + "/" + url.PathEscape(cfg.LocationID),
		logger: observability.WithComponent(cfg.Logger, "registry"),
	}
}

// CircuitState reports the registry breaker state.
func (c *Client) CircuitState() httpclient.CircuitState {
	return c.http.CircuitState()
}

func (c *Client) devicePath(deviceID string, parts ...string) string {
	p := c.base + "/devices/" + url.PathEscape(deviceID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// ListDevices returns every device registered at the location.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	if err := c.getJSON(ctx, c.base+"/devices", &devices); err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return devices, nil
}

// AddDevice registers a device with empty media fields and changed=false.
// A duplicate client id yields ErrDuplicate.
func (c *Client) AddDevice(ctx context.Context, clientID, clientName, ip string) error {
	body := NewDevice{
		ClientID:   clientID,
		ClientName: clientName,
		IP:         ip,
		Changed:    "false",
	}
	resp, err := c.send(ctx, http.MethodPost, c.base+"/devices/", body)
	if err != nil {
		return fmt.Errorf("adding device %s: %w", clientID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("adding device %s: %w", clientID, ErrDuplicate)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("adding device %s: %w", clientID, err)
	}
	return nil
}

// RemoveDevice deletes a device record.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, c.devicePath(deviceID), nil, "removing device")
}

// UpdateDeviceIP sets a device's last known address.
func (c *Client) UpdateDeviceIP(ctx context.Context, deviceID, ip string) error {
	if !ipPattern.MatchString(ip) {
		return fmt.Errorf("updating ip of %s: %w: %q", deviceID, ErrInvalidIP, ip)
	}
	return c.do(ctx, http.MethodPut, c.devicePath(deviceID, "ip"), map[string]string{"ip": ip}, "updating ip")
}

// ListSchedules returns the device's usable schedule entries. Entries the
// registry holds but that cannot be interpreted are returned in rejected.
func (c *Client) ListSchedules(ctx context.Context, deviceID string) (valid []models.Schedule, rejected []error, err error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, c.devicePath(deviceID, "schedules"), &raw); err != nil {
		return nil, nil, fmt.Errorf("listing schedules of %s: %w", deviceID, err)
	}
	valid, rejected, err = models.DecodeSchedules(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("listing schedules of %s: %w", deviceID, err)
	}
	return valid, rejected, nil
}

// DeleteSchedules removes every schedule entry of a device.
func (c *Client) DeleteSchedules(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, c.devicePath(deviceID, "schedules"), nil, "deleting schedules")
}

// ClearMediaFields empties the device's photo and video references.
func (c *Client) ClearMediaFields(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, c.devicePath(deviceID, "delete-files"), nil, "clearing media fields")
}

// MarkUnchanged sets the device's changed flag to false.
func (c *Client) MarkUnchanged(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPut, c.devicePath(deviceID, "changed-false"), nil, "clearing changed flag")
}

// SetThumbnail records the display name of the media last queued for the device.
func (c *Client) SetThumbnail(ctx context.Context, deviceID, thumbnail string) error {
	return c.do(ctx, http.MethodPut, c.devicePath(deviceID, "thumbnail"), map[string]string{"thumbnail": thumbnail}, "setting thumbnail")
}

// SetOnline marks the device as reachable or not.
func (c *Client) SetOnline(ctx context.Context, deviceID string, online bool) error {
	state := "offline"
	if online {
		state = "online"
	}
	return c.do(ctx, http.MethodPut, c.devicePath(deviceID, state), nil, "marking "+state)
}

// DownloadFile opens a file from the location's file store. The caller must
// close the returned reader.
func (c *Client) DownloadFile(ctx context.Context, filename string) (io.ReadCloser, error) {
	resp, err := c.http.Get(ctx, c.base+"/files/"+url.PathEscape(filename))
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", filename, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading %s: %w", filename, err)
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, target string, body any, op string) error {
	resp, err := c.send(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) send(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	resp, err := c.send(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(string(detail)))
	}
	return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(detail)))
}
