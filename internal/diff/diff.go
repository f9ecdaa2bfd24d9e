// Package diff is the change detector: deep structural comparison of poll
// snapshots and the canonical change digest used for producer-side event
// deduplication.
package diff

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/snarg/fleet-engine/internal/device"
)

// Outcome classifies one comparison of (previous snapshot, new snapshot).
type Outcome int

const (
	FirstSeen Outcome = iota
	Changed
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case FirstSeen:
		return "first_seen"
	case Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

// Compare classifies next against prev. prev == nil means the shape has
// never been observed for this (device, tier, shape).
func Compare(prev, next any) Outcome {
	if prev == nil {
		return FirstSeen
	}
	if Equal(prev, next) {
		return Unchanged
	}
	return Changed
}

// Equal performs deep structural equality. Both sides are normalised
// through JSON so typed structs, maps, and raw payloads compare by shape
// and value rather than by Go type or field order.
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// StatusForCompare strips the volatile wall-clock field before a system
// status snapshot enters comparison. Every poll changes Date; nothing
// else should be masked.
func StatusForCompare(s device.Status) device.Status {
	s.Date = ""
	return s
}

// ChangeHash computes the stable 32-hex-char digest over canonically
// ordered JSON of {type, device, channel?, publisher?, data}. Equal inputs
// produce equal hashes regardless of field ordering in data.
func ChangeHash(eventType, deviceAddr string, channel *int, publisher *string, data any) string {
	payload := map[string]any{
		"type":   eventType,
		"device": deviceAddr,
		"data":   normalize(data),
	}
	if channel != nil {
		payload["channel"] = *channel
	}
	if publisher != nil {
		payload["publisher"] = *publisher
	}

	// encoding/json emits map keys in sorted order, which makes the
	// serialisation canonical.
	canonical, err := json.Marshal(payload)
	if err != nil {
		canonical = []byte(eventType + deviceAddr)
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

// normalize round-trips v through JSON into maps/slices/primitives.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
