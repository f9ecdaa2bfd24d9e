package device

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Device is one network-attached A/V encoder appliance. The roster is
// externally managed; only Name changes after creation.
type Device struct {
	ID        int
	Address   string
	Username  string
	Password  string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FlexInt decodes a JSON number or a numeric string. Appliance firmware is
// inconsistent about whether channel ids arrive as 2 or "2".
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("flexint: cannot parse %q", string(data))
	}
	*f = FlexInt(n)
	return nil
}

// FlexString decodes a JSON string or number into a string. Publisher and
// recorder ids vary by firmware version.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(strings.TrimSpace(string(data)))
	return nil
}

// Channel is a device-local encoding unit. Reported by the device, never
// user-created.
type Channel struct {
	ID         FlexInt     `json:"id"`
	Name       string      `json:"name,omitempty"`
	Publishers []Publisher `json:"publishers,omitempty"`
}

// Publisher is a streaming sink owned by a channel, as embedded in the
// channels listing. Name is fetched separately and may lag.
type Publisher struct {
	ID   FlexString `json:"id"`
	Type string     `json:"type,omitempty"`
	Name string     `json:"name,omitempty"`
}

// Publisher states as reported by the device.
const (
	PublisherStopped  = "stopped"
	PublisherStarting = "starting"
	PublisherStarted  = "started"
	PublisherStopping = "stopping"
)

// PublisherStatus is one row of GET /channels/<c>/publishers/status.
type PublisherStatus struct {
	ID     FlexString      `json:"id"`
	Type   string          `json:"type"`
	Status PublisherHealth `json:"status"`
}

type PublisherHealth struct {
	State        string `json:"state"`
	Started      bool   `json:"started"`
	IsConfigured bool   `json:"is_configured"`
}

// Recorder states as reported by the device.
const (
	RecorderDisabled = "disabled"
	RecorderStarting = "starting"
	RecorderStarted  = "started"
	RecorderStopped  = "stopped"
	RecorderError    = "error"
)

// RecorderStatus is one row of GET /recorders/status. Recorders are
// device-wide, not per-channel.
type RecorderStatus struct {
	ID          FlexString    `json:"id"`
	Name        string        `json:"name,omitempty"`
	Multisource bool          `json:"multisource,omitempty"`
	Status      RecorderState `json:"status"`
}

type RecorderState struct {
	State       string  `json:"state"`
	Description string  `json:"description,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Active      int     `json:"active,omitempty"`
	Total       int     `json:"total,omitempty"`
}

// Identity is GET /system/ident. Rarely changes.
type Identity struct {
	Name        string `json:"name"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

// Status is GET /system/status. The Date field is wall-clock noise and is
// excluded from change detection.
type Status struct {
	Date             string  `json:"date,omitempty"`
	Uptime           int64   `json:"uptime"`
	CPULoad          float64 `json:"cpuload"`
	CPULoadHigh      bool    `json:"cpuload_high"`
	CPUTemp          float64 `json:"cputemp,omitempty"`
	CPUTempThreshold float64 `json:"cputemp_threshold,omitempty"`
}

// PreviewOptions controls the still-frame endpoint.
type PreviewOptions struct {
	Resolution string
	KeepAspect bool
	Format     string
}
