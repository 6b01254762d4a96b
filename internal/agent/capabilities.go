// Package agent implements the on-robot process: periodic telemetry
// publication over the broker, local pre-alerts, and command handling with an
// emergency-stop latch.
//
// Hardware access goes through capability interfaces. When a capability is
// absent the agent falls back to a simulated implementation and tags every
// sample it produces as simulated, so downstream consumers can tell fixture
// data from the real thing.
package agent

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// IMUSample is one inertial reading.
type IMUSample struct {
	AccelX, AccelY, AccelZ float64 // m/s²
	GyroX, GyroY, GyroZ    float64 // °/s
}

// IMU reads the inertial measurement unit.
type IMU interface {
	Read() (IMUSample, error)
	Source() string
}

// Sonar reads the ultrasonic range finder.
type Sonar interface {
	DistanceCM() (float64, error)
	Source() string
}

// LightSensor reads ambient light as a percentage.
type LightSensor interface {
	Level() (float64, error)
	Source() string
}

// Detection is one camera inference result.
type Detection struct {
	Label      string
	Confidence float64
	FrameW     int
	FrameH     int
}

// Camera polls the vision pipeline. An empty label means nothing detected.
type Camera interface {
	Detect() (Detection, error)
	Source() string
}

// ServoBus reads every servo on the bus, keyed by joint name.
type ServoBus interface {
	ReadAll() (map[string]domain.ServoReading, error)
	Source() string
}

// Battery reads the power subsystem.
type Battery interface {
	Read() (voltage, percentage float64, charging bool, err error)
	Source() string
}

// SystemStats reads host-level health figures.
type SystemStats interface {
	Read() (cpuPercent, memPercent, diskPercent, temperature float64, err error)
	Source() string
}

// Capabilities bundles the agent's hardware access. FillSimulated replaces
// every nil slot with a simulated implementation.
type Capabilities struct {
	IMU     IMU
	Sonar   Sonar
	Light   LightSensor
	Camera  Camera
	Servos  ServoBus
	Battery Battery
	System  SystemStats
}

// FillSimulated substitutes simulated implementations for absent hardware and
// returns the names of the slots it filled.
func (c *Capabilities) FillSimulated(seed int64) []string {
	rng := rand.New(rand.NewSource(seed))
	var filled []string
	if c.IMU == nil {
		c.IMU = &simIMU{rng: rng}
		filled = append(filled, "imu")
	}
	if c.Sonar == nil {
		c.Sonar = &simSonar{rng: rng}
		filled = append(filled, "sonar")
	}
	if c.Light == nil {
		c.Light = &simLight{rng: rng}
		filled = append(filled, "light")
	}
	if c.Camera == nil {
		c.Camera = &simCamera{rng: rng}
		filled = append(filled, "camera")
	}
	if c.Servos == nil {
		c.Servos = &simServoBus{rng: rng}
		filled = append(filled, "servos")
	}
	if c.Battery == nil {
		c.Battery = &simBattery{start: time.Now()}
		filled = append(filled, "battery")
	}
	if c.System == nil {
		c.System = &simSystem{rng: rng}
		filled = append(filled, "system")
	}
	return filled
}

// Simulated implementations produce plausible in-range values with mild
// noise. They share one rng guarded by a mutex; sample rates are low enough
// that contention does not matter.

type simIMU struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *simIMU) Read() (IMUSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IMUSample{
		AccelX: s.rng.NormFloat64() * 0.2,
		AccelY: s.rng.NormFloat64() * 0.2,
		AccelZ: 9.81 + s.rng.NormFloat64()*0.1,
		GyroX:  s.rng.NormFloat64() * 2,
		GyroY:  s.rng.NormFloat64() * 2,
		GyroZ:  s.rng.NormFloat64() * 2,
	}, nil
}
func (s *simIMU) Source() string { return domain.SourceSimulated }

type simSonar struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *simSonar) DistanceCM() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 30 + s.rng.Float64()*120, nil
}
func (s *simSonar) Source() string { return domain.SourceSimulated }

type simLight struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *simLight) Level() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 40 + s.rng.Float64()*30, nil
}
func (s *simLight) Source() string { return domain.SourceSimulated }

type simCamera struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *simCamera) Detect() (Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() < 0.9 {
		return Detection{FrameW: 640, FrameH: 480}, nil
	}
	return Detection{
		Label:      "block",
		Confidence: 0.6 + s.rng.Float64()*0.35,
		FrameW:     640,
		FrameH:     480,
	}, nil
}
func (s *simCamera) Source() string { return domain.SourceSimulated }

type simServoBus struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var simServoNames = []string{
	"head_pan", "head_tilt",
	"l_shoulder", "r_shoulder", "l_elbow", "r_elbow",
	"l_hip", "r_hip", "l_knee", "r_knee", "l_ankle", "r_ankle",
}

func (s *simServoBus) ReadAll() (map[string]domain.ServoReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.ServoReading, len(simServoNames))
	for i, name := range simServoNames {
		out[name] = domain.ServoReading{
			ID:            i + 1,
			Position:      512 + int(s.rng.NormFloat64()*40),
			Temperature:   35 + s.rng.Float64()*10,
			Voltage:       7.4 + s.rng.NormFloat64()*0.1,
			TorqueEnabled: true,
			AngleMin:      0,
			AngleMax:      1023,
		}
	}
	return out, nil
}
func (s *simServoBus) Source() string { return domain.SourceSimulated }

// simBattery discharges slowly from full so long-running fixtures eventually
// exercise the low-battery paths.
type simBattery struct {
	start time.Time
}

func (s *simBattery) Read() (float64, float64, bool, error) {
	elapsed := time.Since(s.start).Hours()
	pct := math.Max(5, 100-elapsed*12.5) // ~8h to floor
	voltage := 6.0 + 2.4*(pct/100)
	return voltage, pct, false, nil
}
func (s *simBattery) Source() string { return domain.SourceSimulated }

type simSystem struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *simSystem) Read() (float64, float64, float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 15 + s.rng.Float64()*25,
		30 + s.rng.Float64()*15,
		42 + s.rng.Float64()*2,
		45 + s.rng.Float64()*10,
		nil
}
func (s *simSystem) Source() string { return domain.SourceSimulated }
