// Package events is the event store and real-time bus: a bounded,
// TTL-expiring per-key catch-up log with producer-side deduplication, and
// a cache-free WebSocket fan-out to authenticated subscribers.
package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Event types carried on the bus. device_health is pure liveness; channel
// counts ride only on device_channels.
const (
	TypeDeviceHealth    = "device_health"
	TypePublisherStatus = "publisher_status"
	TypePublisherNames  = "publisher_names"
	TypeRecorderStatus  = "recorder_status"
	TypeDeviceChannels  = "device_channels"
	TypeSystemIdentity  = "system_identity"
	TypeSystemStatus    = "system_status"
)

var knownTypes = map[string]bool{
	TypeDeviceHealth:    true,
	TypePublisherStatus: true,
	TypePublisherNames:  true,
	TypeRecorderStatus:  true,
	TypeDeviceChannels:  true,
	TypeSystemIdentity:  true,
	TypeSystemStatus:    true,
}

// ValidType reports whether t is a recognised event type.
func ValidType(t string) bool { return knownTypes[t] }

// Event is one bus event. Device is the appliance's network address;
// subscription keys are built from it, not from the roster id.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"type"`
	Device     string          `json:"device"`
	Channel    *int            `json:"channel,omitempty"`
	Publisher  *string         `json:"publisher,omitempty"`
	Data       json.RawMessage `json:"data"`
	ChangeHash string          `json:"change_hash"`
	Timestamp  time.Time       `json:"event_timestamp"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Key returns the canonical fan-out routing string
// "<type>:<device>[:<channel>[:<publisher>]]".
func (e Event) Key() string {
	return Key(e.Type, e.Device, e.Channel, e.Publisher)
}

// Key builds a subscription key from its parts. A publisher without a
// channel is ignored; the key grammar nests strictly.
func Key(dataType, deviceAddr string, channel *int, publisher *string) string {
	var b strings.Builder
	b.WriteString(dataType)
	b.WriteByte(':')
	b.WriteString(deviceAddr)
	if channel != nil {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(*channel))
		if publisher != nil {
			b.WriteByte(':')
			b.WriteString(*publisher)
		}
	}
	return b.String()
}

// IngestRequest is the wire body of POST /api/v1/events, the private
// producer interface. The store fills in whatever the producer omitted.
type IngestRequest struct {
	Type       string          `json:"type"`
	Device     string          `json:"device"`
	Channel    *int            `json:"channel,omitempty"`
	Publisher  *string         `json:"publisher,omitempty"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source,omitempty"`
	ChangeHash string          `json:"change_hash,omitempty"`
}

// Event converts the request into a bus event.
func (r IngestRequest) Event() Event {
	return Event{
		Type:       r.Type,
		Device:     r.Device,
		Channel:    r.Channel,
		Publisher:  r.Publisher,
		Data:       r.Data,
		ChangeHash: r.ChangeHash,
		Timestamp:  r.Timestamp,
	}
}

// ParseKey splits a subscription key back into its parts.
func ParseKey(key string) (dataType, deviceAddr string, channel *int, publisher *string, err error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", nil, nil, fmt.Errorf("malformed subscription key %q", key)
	}
	dataType, deviceAddr = parts[0], parts[1]
	if len(parts) >= 3 {
		n, convErr := strconv.Atoi(parts[2])
		if convErr != nil {
			return "", "", nil, nil, fmt.Errorf("malformed channel in key %q", key)
		}
		channel = &n
	}
	if len(parts) == 4 {
		p := parts[3]
		publisher = &p
	}
	return dataType, deviceAddr, channel, publisher, nil
}
