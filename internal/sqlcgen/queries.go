package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const insertTelemetrySnapshot = `-- name: InsertTelemetrySnapshot :exec
INSERT INTO telemetry_snapshots (
  id,
  device_id,
  temperature,
  humidity,
  soil_moisture,
  light_intensity,
  water_level,
  battery_level,
  captured_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)
`

type InsertTelemetrySnapshotParams struct {
	ID             string
	DeviceID       string
	Temperature    *float64
	Humidity       *float64
	SoilMoisture   *float64
	LightIntensity *float64
	WaterLevel     *float64
	BatteryLevel   float64
	CapturedAt     time.Time
}

func (q *Queries) InsertTelemetrySnapshot(ctx context.Context, arg InsertTelemetrySnapshotParams) error {
	_, err := q.db.Exec(ctx, insertTelemetrySnapshot,
		arg.ID,
		arg.DeviceID,
		arg.Temperature,
		arg.Humidity,
		arg.SoilMoisture,
		arg.LightIntensity,
		arg.WaterLevel,
		arg.BatteryLevel,
		arg.CapturedAt,
	)
	return err
}

const listTelemetrySnapshots = `-- name: ListTelemetrySnapshots :many
SELECT id::text,
       device_id,
       temperature,
       humidity,
       soil_moisture,
       light_intensity,
       water_level,
       battery_level,
       captured_at
FROM telemetry_snapshots
WHERE device_id = $1
ORDER BY captured_at ASC, id ASC
LIMIT $2
`

type ListTelemetrySnapshotsParams struct {
	DeviceID string
	Limit    int32
}

func (q *Queries) ListTelemetrySnapshots(ctx context.Context, arg ListTelemetrySnapshotsParams) ([]TelemetrySnapshot, error) {
	rows, err := q.db.Query(ctx, listTelemetrySnapshots, arg.DeviceID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TelemetrySnapshot
	for rows.Next() {
		var i TelemetrySnapshot
		if err := rows.Scan(
			&i.ID,
			&i.DeviceID,
			&i.Temperature,
			&i.Humidity,
			&i.SoilMoisture,
			&i.LightIntensity,
			&i.WaterLevel,
			&i.BatteryLevel,
			&i.CapturedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
