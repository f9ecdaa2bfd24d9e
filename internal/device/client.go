package device

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const apiBase = "/api/v2.0"

// Client is a typed, stateless wrapper around the per-device HTTP API.
// One Client serves the whole fleet; connections are reused through a
// shared keep-alive transport bounded per host.
type Client struct {
	http *http.Client
	log  zerolog.Logger
}

// NewClient builds a client with the given request timeout and per-host
// connection bound.
func NewClient(timeout time.Duration, poolSize int, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if poolSize <= 0 {
		poolSize = 20
	}
	transport := &http.Transport{
		MaxIdleConns:        poolSize * 4,
		MaxIdleConnsPerHost: poolSize,
		MaxConnsPerHost:     poolSize,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Client{
		http: &http.Client{Transport: transport, Timeout: timeout},
		log:  log.With().Str("component", "device-client").Logger(),
	}
}

// envelope is the device payload convention: data lives under "result".
type envelope struct {
	Result json.RawMessage `json:"result"`
	Status string          `json:"status,omitempty"`
}

// do performs one request and returns the raw result payload.
// Non-2xx statuses and transport failures come back as *Error.
func (c *Client) do(ctx context.Context, op string, dev Device, method, path string, query url.Values) (json.RawMessage, error) {
	u := "http://" + dev.Address + apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindSchema, Op: op, Address: dev.Address, Err: err}
	}
	req.SetBasicAuth(dev.Username, dev.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(op, dev.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(op, dev.Address, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(op, dev.Address, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &Error{Kind: KindSchema, Op: op, Address: dev.Address, Err: err}
	}
	return env.Result, nil
}

// getJSON fetches path and unwraps the result envelope into out.
func (c *Client) getJSON(ctx context.Context, op string, dev Device, path string, out any) error {
	result, err := c.do(ctx, op, dev, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return &Error{Kind: KindSchema, Op: op, Address: dev.Address, Err: err}
	}
	return nil
}

// GetChannels lists the device's channels with their embedded publishers.
func (c *Client) GetChannels(ctx context.Context, dev Device) ([]Channel, error) {
	var channels []Channel
	if err := c.getJSON(ctx, "get_channels", dev, "/channels", &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// GetPublisherStatus returns status rows for all publishers of one channel.
func (c *Client) GetPublisherStatus(ctx context.Context, dev Device, channel int) ([]PublisherStatus, error) {
	var statuses []PublisherStatus
	path := fmt.Sprintf("/channels/%d/publishers/status", channel)
	if err := c.getJSON(ctx, "get_publisher_status", dev, path, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// GetPublisherName fetches the human label for one publisher. It never
// fails: 404, transport errors, and shape surprises all degrade to the
// synthetic "Publisher <id>" label. Firmware returns either a bare string
// or a {name: ...} object.
func (c *Client) GetPublisherName(ctx context.Context, dev Device, channel int, publisher string) string {
	fallback := "Publisher " + publisher
	path := fmt.Sprintf("/channels/%d/publishers/%s/name", channel, publisher)

	result, err := c.do(ctx, "get_publisher_name", dev, http.MethodGet, path, nil)
	if err != nil {
		if ErrKind(err) != KindNotFound {
			c.log.Debug().Err(err).Str("device", dev.Address).Str("publisher", publisher).Msg("publisher name fetch failed")
		}
		return fallback
	}

	var name string
	if err := json.Unmarshal(result, &name); err == nil && name != "" {
		return name
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(result, &obj); err == nil && obj.Name != "" {
		return obj.Name
	}
	return fallback
}

// GetRecorderStatus returns status rows for the device's recorders.
// Devices without recording hardware answer 404; that is an empty list,
// not a failure.
func (c *Client) GetRecorderStatus(ctx context.Context, dev Device) ([]RecorderStatus, error) {
	var statuses []RecorderStatus
	err := c.getJSON(ctx, "get_recorder_status", dev, "/recorders/status", &statuses)
	if err != nil {
		if ErrKind(err) == KindNotFound {
			return []RecorderStatus{}, nil
		}
		return nil, err
	}
	return statuses, nil
}

// GetSystemIdentity fetches the device's model, location, and description.
func (c *Client) GetSystemIdentity(ctx context.Context, dev Device) (Identity, error) {
	var ident Identity
	if err := c.getJSON(ctx, "get_system_identity", dev, "/system/ident", &ident); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// GetSystemStatus fetches CPU load, temperature, and uptime.
func (c *Client) GetSystemStatus(ctx context.Context, dev Device) (Status, error) {
	var status Status
	if err := c.getJSON(ctx, "get_system_status", dev, "/system/status", &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// ControlPublisher starts or stops one publisher. Action must be "start"
// or "stop"; any 2xx response is an ack.
func (c *Client) ControlPublisher(ctx context.Context, dev Device, channel int, publisher, action string) error {
	if action != "start" && action != "stop" {
		return &Error{Kind: KindSchema, Op: "control_publisher", Address: dev.Address,
			Err: fmt.Errorf("invalid action %q", action)}
	}
	path := fmt.Sprintf("/channels/%d/publishers/%s/control/%s", channel, publisher, action)
	_, err := c.do(ctx, "control_publisher", dev, http.MethodPost, path, nil)
	return err
}

// ControlRecorder starts or stops one recorder.
func (c *Client) ControlRecorder(ctx context.Context, dev Device, recorder, action string) error {
	if action != "start" && action != "stop" {
		return &Error{Kind: KindSchema, Op: "control_recorder", Address: dev.Address,
			Err: fmt.Errorf("invalid action %q", action)}
	}
	path := fmt.Sprintf("/recorders/%s/control/%s", recorder, action)
	_, err := c.do(ctx, "control_recorder", dev, http.MethodPost, path, nil)
	return err
}

// GetPreview fetches a still frame from one channel. The response is raw
// image bytes, not the result envelope.
func (c *Client) GetPreview(ctx context.Context, dev Device, channel int, opts PreviewOptions) ([]byte, error) {
	const op = "get_preview"
	query := url.Values{}
	if opts.Resolution != "" {
		query.Set("resolution", opts.Resolution)
	}
	query.Set("keep_aspect_ratio", strconv.FormatBool(opts.KeepAspect))
	if opts.Format != "" {
		query.Set("format", opts.Format)
	}

	u := fmt.Sprintf("http://%s%s/channels/%d/preview?%s", dev.Address, apiBase, channel, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindSchema, Op: op, Address: dev.Address, Err: err}
	}
	req.SetBasicAuth(dev.Username, dev.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(op, dev.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(op, dev.Address, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
