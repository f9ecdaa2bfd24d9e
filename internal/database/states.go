package database

import (
	"context"
	"time"
)

// DeviceStateRow is the canonical per-device liveness row. ChannelsData,
// when non-nil, replaces the stored channels blob (medium tier).
type DeviceStateRow struct {
	DeviceID   int
	Status     string // "online" or "error"
	ErrorCount int
	LastError  string
	LastSeen   time.Time
}

// UpsertDeviceState writes the liveness row on the natural key.
func (db *DB) UpsertDeviceState(ctx context.Context, r DeviceStateRow) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO device_states (device_id, status, error_count, last_error, last_seen, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, now())
		 ON CONFLICT (device_id) DO UPDATE SET
		   status      = EXCLUDED.status,
		   error_count = EXCLUDED.error_count,
		   last_error  = EXCLUDED.last_error,
		   last_seen   = EXCLUDED.last_seen,
		   updated_at  = now()`,
		r.DeviceID, r.Status, r.ErrorCount, r.LastError, r.LastSeen)
	return err
}

// UpdateDeviceChannels replaces the stored channels blob without touching
// the liveness fields.
func (db *DB) UpdateDeviceChannels(ctx context.Context, deviceID int, channelsData []byte) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO device_states (device_id, status, channels_data, updated_at)
		 VALUES ($1, 'online', $2, now())
		 ON CONFLICT (device_id) DO UPDATE SET
		   channels_data = EXCLUDED.channels_data,
		   updated_at    = now()`,
		deviceID, channelsData)
	return err
}

type PublisherStateRow struct {
	DeviceID     int
	ChannelID    int
	PublisherID  string
	Name         string
	Type         string
	IsConfigured bool
	Started      bool
	State        string
}

// UpsertPublisherStates writes publisher rows on the natural key. The name
// column is only overwritten when the incoming row carries one, since names
// arrive on a slower tier than status.
func (db *DB) UpsertPublisherStates(ctx context.Context, rows []PublisherStateRow) error {
	for _, r := range rows {
		_, err := db.Pool.Exec(ctx,
			`INSERT INTO publisher_states
			   (device_id, channel_id, publisher_id, name, type, is_configured, started, state, last_updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			 ON CONFLICT (device_id, channel_id, publisher_id) DO UPDATE SET
			   name          = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE publisher_states.name END,
			   type          = EXCLUDED.type,
			   is_configured = EXCLUDED.is_configured,
			   started       = EXCLUDED.started,
			   state         = EXCLUDED.state,
			   last_updated  = now()`,
			r.DeviceID, r.ChannelID, r.PublisherID, r.Name, r.Type, r.IsConfigured, r.Started, r.State)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdatePublisherName sets only the name field of one publisher row.
func (db *DB) UpdatePublisherName(ctx context.Context, deviceID, channelID int, publisherID, name string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO publisher_states (device_id, channel_id, publisher_id, name, state, last_updated)
		 VALUES ($1, $2, $3, $4, 'stopped', now())
		 ON CONFLICT (device_id, channel_id, publisher_id) DO UPDATE SET
		   name         = EXCLUDED.name,
		   last_updated = now()`,
		deviceID, channelID, publisherID, name)
	return err
}

type RecorderStateRow struct {
	DeviceID    int
	RecorderID  string
	Name        string
	State       string
	Description string
	Duration    float64
	Active      int
	Total       int
	Multisource bool
}

// UpsertRecorderStates writes recorder rows on the natural key.
func (db *DB) UpsertRecorderStates(ctx context.Context, rows []RecorderStateRow) error {
	for _, r := range rows {
		_, err := db.Pool.Exec(ctx,
			`INSERT INTO recorder_states
			   (device_id, recorder_id, name, state, description, duration, active, total, multisource, last_updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			 ON CONFLICT (device_id, recorder_id) DO UPDATE SET
			   name         = EXCLUDED.name,
			   state        = EXCLUDED.state,
			   description  = EXCLUDED.description,
			   duration     = EXCLUDED.duration,
			   active       = EXCLUDED.active,
			   total        = EXCLUDED.total,
			   multisource  = EXCLUDED.multisource,
			   last_updated = now()`,
			r.DeviceID, r.RecorderID, r.Name, r.State, r.Description, r.Duration, r.Active, r.Total, r.Multisource)
		if err != nil {
			return err
		}
	}
	return nil
}

type IdentityRow struct {
	DeviceID    int
	Name        string
	Location    string
	Description string
}

// UpsertDeviceIdentity writes the identity row; change-gated by the slow tier.
func (db *DB) UpsertDeviceIdentity(ctx context.Context, r IdentityRow) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO device_identity (device_id, name, location, description, last_updated)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (device_id) DO UPDATE SET
		   name         = EXCLUDED.name,
		   location     = EXCLUDED.location,
		   description  = EXCLUDED.description,
		   last_updated = now()`,
		r.DeviceID, r.Name, r.Location, r.Description)
	return err
}
