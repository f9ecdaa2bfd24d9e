package database

import (
	"context"

	"github.com/snarg/fleet-engine/internal/device"
)

// ListDevices returns the full roster ordered by id.
func (db *DB) ListDevices(ctx context.Context) ([]device.Device, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, address, username, password, name, created_at, updated_at
		 FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []device.Device
	for rows.Next() {
		var d device.Device
		if err := rows.Scan(&d.ID, &d.Address, &d.Username, &d.Password, &d.Name, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDevice returns one roster entry by id.
func (db *DB) GetDevice(ctx context.Context, id int) (device.Device, error) {
	var d device.Device
	err := db.Pool.QueryRow(ctx,
		`SELECT id, address, username, password, name, created_at, updated_at
		 FROM devices WHERE id = $1`, id).
		Scan(&d.ID, &d.Address, &d.Username, &d.Password, &d.Name, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// UpsertDevice inserts or updates a roster entry by address. Used by the
// roster file watcher; the id stays stable across updates.
func (db *DB) UpsertDevice(ctx context.Context, d device.Device) (int, error) {
	var id int
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO devices (address, username, password, name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (address) DO UPDATE SET
		   username = EXCLUDED.username,
		   password = EXCLUDED.password,
		   name     = EXCLUDED.name,
		   updated_at = now()
		 RETURNING id`,
		d.Address, d.Username, d.Password, d.Name).Scan(&id)
	return id, err
}

// DeleteDevicesNotIn removes roster entries whose address is absent from
// keep. State rows cascade. Returns the number of removed devices.
func (db *DB) DeleteDevicesNotIn(ctx context.Context, keep []string) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM devices WHERE NOT (address = ANY($1))`, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
