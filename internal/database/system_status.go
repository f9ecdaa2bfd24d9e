package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type SystemStatusRow struct {
	DeviceID         int
	Uptime           int64
	CPULoad          float64
	CPULoadHigh      bool
	CPUTemp          float64
	CPUTempThreshold float64
	Time             time.Time
}

// InsertSystemStatuses batch-inserts system status samples using CopyFrom.
func (db *DB) InsertSystemStatuses(ctx context.Context, rows []SystemStatusRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.DeviceID, r.Uptime, r.CPULoad, r.CPULoadHigh,
			r.CPUTemp, r.CPUTempThreshold, r.Time,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"system_status"},
		[]string{
			"device_id", "uptime", "cpuload", "cpuload_high",
			"cputemp", "cputemp_threshold", "time",
		},
		pgx.CopyFromRows(copyRows),
	)
}

// PurgeSystemStatus deletes samples older than retention. retention <= 0
// means keep forever.
func (db *DB) PurgeSystemStatus(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM system_status WHERE time < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
