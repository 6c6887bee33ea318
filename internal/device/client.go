// Package device speaks the price-tag firmware's HTTP control protocol:
// status probe, clear-space, signed upload and task replay.
package device

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
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/tagsync/internal/httpclient"
)

// Protocol constants fixed by the device firmware.
const (
	stateSucceed = "SUCCEED"
	// clearSpaceSign is the literal signature the firmware expects for clear-space.
	clearSpaceSign = "sign"
	// maxStatusBody bounds how much of a probe response is read.
	maxStatusBody = 64 << 10
)

// Errors returned by the client.
var (
	// ErrProtocol marks a response that does not follow the firmware protocol.
	ErrProtocol = errors.New("device protocol violation")
	// ErrRejected marks a non-2xx response to a control, upload or replay call.
	ErrRejected = errors.New("device rejected request")
)

// Info is what a device reports about itself on probe.
type Info struct {
	IP       string `json:"ip"`
	Name     string `json:"name"`
	ClientID string `json:"clientId"`
	// FreeSpace is the firmware's free-space figure, or -1 when absent.
	FreeSpace int64 `json:"freeSpace"`
}

// Config configures a Client.
type Config struct {
	// Timeout bounds probe, clear-space and replay calls.
	Timeout time.Duration
	// UploadTimeout bounds a single file upload.
	UploadTimeout time.Duration
	Logger        *slog.Logger
}

// Client talks to devices by IP address. The IP may carry a port.
type Client struct {
	control *httpclient.Client
	upload  *httpclient.Client
	logger  *slog.Logger
}

// NewClient creates a device client. Neither transport retries or trips a
// breaker: a silent host is the normal case during a sweep, and a failed
// delivery is retried by the next cycle.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := httpclient.DefaultConfig()
	base.Logger = cfg.Logger
	base.Breaker = httpclient.BreakerConfig{}

	control := base
	control.Timeout = cfg.Timeout

	upload := base
	upload.Timeout = cfg.UploadTimeout
	upload.Decompress = false

	return &Client{
		control: httpclient.New(control),
		upload:  httpclient.New(upload),
		logger:  cfg.Logger,
	}
}

// param is one query parameter. Order matters to the firmware.
type param struct{ key, value string }

// endpoint builds a device URL. Parameters keep their order and slashes in
// values stay literal.
func endpoint(ip, path string, params ...param) string {
	u := url.URL{Scheme: "http", Host: ip, Path: path}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		v := strings.ReplaceAll(url.QueryEscape(p.value), "%2F", "/")
		parts = append(parts, url.QueryEscape(p.key)+"="+v)
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String()
}

// Probe asks the device at ip for its identity. It fails with ErrProtocol
// unless the reply is a 200 JSON document with STATE "SUCCEED", a name and a
// client id.
func (c *Client) Probe(ctx context.Context, ip string) (Info, error) {
	resp, err := c.control.Get(ctx, endpoint(ip, "/Iotags"))
	if err != nil {
		return Info{}, fmt.Errorf("probing %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("%w: probe status %d", ErrProtocol, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return Info{}, fmt.Errorf("reading probe response: %w", err)
	}
	return parseStatus(ip, body)
}

func parseStatus(ip string, body []byte) (Info, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if state, _ := doc["STATE"].(string); state != stateSucceed {
		return Info{}, fmt.Errorf("%w: STATE is %v", ErrProtocol, doc["STATE"])
	}

	name, ok := scalarString(doc["name"])
	if !ok {
		return Info{}, fmt.Errorf("%w: missing name", ErrProtocol)
	}
	clientID, ok := scalarString(doc["clientid"])
	if !ok || clientID == "" {
		return Info{}, fmt.Errorf("%w: missing clientid", ErrProtocol)
	}

	info := Info{IP: ip, Name: name, ClientID: clientID, FreeSpace: -1}
	if v, ok := scalarString(doc["free-space"]); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			info.FreeSpace = n
		}
	}
	return info, nil
}

// scalarString renders a JSON string or number as a string.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// ClearSpace asks the device to drop previously uploaded task files.
func (c *Client) ClearSpace(ctx context.Context, ip string) error {
	target := endpoint(ip, "/control",
		param{"action", "clearspace"},
		param{"sign", clearSpaceSign},
	)
	return c.expectOK(ctx, target, "clear-space")
}

// Upload sends body to remotePath on the device. sign must be the uppercase
// MD5 hex of the body.
func (c *Client) Upload(ctx context.Context, ip, remotePath string, body io.Reader, size int64, sign string) error {
	target := endpoint(ip, "/upload",
		param{"file_path", remotePath},
		param{"sign", sign},
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.upload.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", remotePath, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: upload %s status %d", ErrRejected, remotePath, resp.StatusCode)
	}
	return nil
}

// Replay makes the device render the task manifest at remotePath. The
// firmware signs replays with the MD5 of the manifest's file name, not its
// content.
func (c *Client) Replay(ctx context.Context, ip, remotePath string) error {
	name := remotePath[strings.LastIndex(remotePath, "/")+1:]
	target := endpoint(ip, "/replay",
		param{"task", remotePath},
		param{"sign", SignName(name)},
	)
	return c.expectOK(ctx, target, "replay")
}

func (c *Client) expectOK(ctx context.Context, target, op string) error {
	resp, err := c.control.Get(ctx, target)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s status %d", ErrRejected, op, resp.StatusCode)
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxStatusBody))
	body.Close()
}
