package database

import (
	"context"
	"strconv"
	"time"

	"github.com/snarg/fleet-engine/internal/events"
)

// InsertEvent appends one accepted event to the catch-up cache.
func (db *DB) InsertEvent(ctx context.Context, e events.Event) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO realtime_events_cache
		   (event_id, type, device, channel, publisher, data, change_hash, event_timestamp, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.ID, e.Type, e.Device, e.Channel, e.Publisher, []byte(e.Data), e.ChangeHash, e.Timestamp, e.CreatedAt)
	return err
}

// DeleteExpiredEvents removes cache rows created before cutoff.
func (db *DB) DeleteExpiredEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM realtime_events_cache WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// LatestEvents returns the newest cache rows, optionally filtered by device
// address and channel. channel is ignored when device is empty.
func (db *DB) LatestEvents(ctx context.Context, deviceAddr string, channel *int, limit int) ([]events.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT event_id, type, device, channel, publisher, data, change_hash, event_timestamp, created_at
	          FROM realtime_events_cache`
	args := []any{}
	switch {
	case deviceAddr != "" && channel != nil:
		query += ` WHERE device = $1 AND channel = $2`
		args = append(args, deviceAddr, *channel)
	case deviceAddr != "":
		query += ` WHERE device = $1`
		args = append(args, deviceAddr)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Device, &e.Channel, &e.Publisher, &data, &e.ChangeHash, &e.Timestamp, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Data = data
		out = append(out, e)
	}
	return out, rows.Err()
}
