package telemetry

import (
	"context"

	"agrisync/core-go/internal/sqlcgen"
)

// SnapshotQueries is the minimal DB interface the postgres saver needs.
//
// *sqlcgen.Queries satisfies this.
type SnapshotQueries interface {
	InsertTelemetrySnapshot(ctx context.Context, arg sqlcgen.InsertTelemetrySnapshotParams) error
}

type PostgresSaver struct {
	q      SnapshotQueries
	pinger Pinger
}

// NewPostgresSaver stores snapshots through q. pinger may be nil.
func NewPostgresSaver(q SnapshotQueries, pinger Pinger) *PostgresSaver {
	return &PostgresSaver{q: q, pinger: pinger}
}

func (p *PostgresSaver) Save(ctx context.Context, s Snapshot) error {
	return p.q.InsertTelemetrySnapshot(ctx, sqlcgen.InsertTelemetrySnapshotParams{
		ID:             s.ID,
		DeviceID:       s.DeviceID,
		Temperature:    s.Temperature,
		Humidity:       s.Humidity,
		SoilMoisture:   s.SoilMoisture,
		LightIntensity: s.LightIntensity,
		WaterLevel:     s.WaterLevel,
		BatteryLevel:   s.BatteryLevel,
		CapturedAt:     s.CapturedAt,
	})
}

func (p *PostgresSaver) Ping(ctx context.Context) error {
	if p.pinger == nil {
		return nil
	}
	return p.pinger.Ping(ctx)
}
