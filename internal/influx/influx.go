// Package influx stores telemetry snapshots as InfluxDB points.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"agrisync/core-go/internal/telemetry"
)

type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

func (c Config) validate() error {
	if c.URL == "" || c.Token == "" || c.Org == "" || c.Bucket == "" {
		return errors.New("influx config incomplete")
	}
	return nil
}

// Saver writes one point per snapshot, tagged by device id. Absent readings
// are left out of the point instead of being written as zero.
type Saver struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

func NewSaver(cfg Config) (*Saver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	measurement := sanitizeMeasurement(cfg.Measurement)
	if measurement == "" {
		measurement = "telemetry"
	}

	client := influxdb2.NewClient(strings.TrimRight(cfg.URL, "/"), cfg.Token)
	return &Saver{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
	}, nil
}

func (s *Saver) Save(ctx context.Context, snap telemetry.Snapshot) error {
	if err := s.writeAPI.WritePoint(ctx, s.point(snap)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (s *Saver) point(snap telemetry.Snapshot) *write.Point {
	tags := map[string]string{
		"device_id": snap.DeviceID,
	}
	fields := map[string]interface{}{
		"snapshot_id":   snap.ID,
		"battery_level": snap.BatteryLevel,
	}
	optional := map[string]*float64{
		"temperature":     snap.Temperature,
		"humidity":        snap.Humidity,
		"soil_moisture":   snap.SoilMoisture,
		"light_intensity": snap.LightIntensity,
		"water_level":     snap.WaterLevel,
	}
	for name, v := range optional {
		if v != nil {
			fields[name] = *v
		}
	}
	return influxdb2.NewPoint(s.measurement, tags, fields, snap.CapturedAt)
}

// Ping checks the server health endpoint.
func (s *Saver) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx not ready")
	}
	return nil
}

func (s *Saver) Close() {
	s.client.Close()
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
