package sqlcgen

import "time"

type TelemetrySnapshot struct {
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
