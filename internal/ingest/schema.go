// Package ingest decodes, validates and fans out broker messages to the
// time-series writer, the alert engine and the job tracker.
//
// Unknown sensor types are rejected rather than ingested as opaque fields;
// out-of-range values are clamped with a rate-limited warning, not dropped.
package ingest

// SensorSchema is the closed descriptor for one sensor type.
type SensorSchema struct {
	Name string
	Unit string
	Min  float64
	Max  float64
}

// sensorSchemas is the canonical set. Messages naming any other sensor_type
// are dropped and counted.
var sensorSchemas = map[string]SensorSchema{
	"accelerometer_x":     {Name: "accelerometer_x", Unit: "m/s²", Min: -20, Max: 20},
	"accelerometer_y":     {Name: "accelerometer_y", Unit: "m/s²", Min: -20, Max: 20},
	"accelerometer_z":     {Name: "accelerometer_z", Unit: "m/s²", Min: -20, Max: 20},
	"gyroscope_x":         {Name: "gyroscope_x", Unit: "°/s", Min: -500, Max: 500},
	"gyroscope_y":         {Name: "gyroscope_y", Unit: "°/s", Min: -500, Max: 500},
	"gyroscope_z":         {Name: "gyroscope_z", Unit: "°/s", Min: -500, Max: 500},
	"ultrasonic_distance": {Name: "ultrasonic_distance", Unit: "cm", Min: 0, Max: 500},
	"cpu_temperature":     {Name: "cpu_temperature", Unit: "°C", Min: 0, Max: 100},
	"light_level":         {Name: "light_level", Unit: "%", Min: 0, Max: 100},
}

// Schema looks up the descriptor for a sensor type.
func Schema(sensorType string) (SensorSchema, bool) {
	s, ok := sensorSchemas[sensorType]
	return s, ok
}

// Clamp forces v into the schema's range, reporting whether it was out of
// range.
func (s SensorSchema) Clamp(v float64) (float64, bool) {
	if v < s.Min {
		return s.Min, true
	}
	if v > s.Max {
		return s.Max, true
	}
	return v, false
}

// Servo field ranges.
const (
	ServoPositionMin = 0
	ServoPositionMax = 1023
)

// ClampServoPosition forces a servo position into its valid range.
func ClampServoPosition(p int) (int, bool) {
	if p < ServoPositionMin {
		return ServoPositionMin, true
	}
	if p > ServoPositionMax {
		return ServoPositionMax, true
	}
	return p, false
}
