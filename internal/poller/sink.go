package poller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/snarg/fleet-engine/internal/events"
)

// EventMirror receives accepted events for side channels (MQTT).
type EventMirror interface {
	Publish(e events.Event)
}

// StoreSink feeds events straight into the in-process store and broadcasts
// the accepted ones. This is the default single-binary wiring.
type StoreSink struct {
	Store  *events.Store
	Hub    *events.Hub
	Mirror EventMirror // optional
}

func (s *StoreSink) Submit(_ context.Context, e events.Event) error {
	accepted, ok, err := s.Store.Accept(e)
	if err != nil {
		return err
	}
	if ok {
		s.Hub.Broadcast(accepted)
		if s.Mirror != nil {
			s.Mirror.Publish(accepted)
		}
	}
	return nil
}

// HTTPSink posts events to a remote engine's ingest endpoint, for split
// deployments where the poller runs near the devices and the bus runs
// centrally. Failures are returned to the caller and not retried; the next
// tick carries fresher truth anyway.
type HTTPSink struct {
	BaseURL string
	Token   string
	Source  string
	Client  *http.Client
}

func NewHTTPSink(baseURL, token, source string) *HTTPSink {
	return &HTTPSink{
		BaseURL: baseURL,
		Token:   token,
		Source:  source,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSink) Submit(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(events.IngestRequest{
		Type:      e.Type,
		Device:    e.Device,
		Channel:   e.Channel,
		Publisher: e.Publisher,
		Data:      e.Data,
		Timestamp: e.Timestamp,
		Source:    s.Source,
	})
	if err != nil {
		return fmt.Errorf("marshal ingest request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/api/v1/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ingest endpoint returned %d", resp.StatusCode)
	}
	return nil
}
