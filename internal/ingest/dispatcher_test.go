package ingest

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/broker/mqtt"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

type fakeRobots struct {
	mu       sync.Mutex
	upserts  []string
	setState map[string]domain.RobotState
}

func newFakeRobots() *fakeRobots { return &fakeRobots{setState: map[string]domain.RobotState{}} }

func (f *fakeRobots) UpsertOnSeen(_ domain.Context, robotID string, _ time.Time, _ string) error {
	f.mu.Lock()
	f.upserts = append(f.upserts, robotID)
	f.mu.Unlock()
	return nil
}
func (f *fakeRobots) Get(_ domain.Context, id string) (domain.Robot, error) {
	return domain.Robot{ID: id}, nil
}
func (f *fakeRobots) List(domain.Context) ([]domain.Robot, error) { return nil, nil }
func (f *fakeRobots) SetState(_ domain.Context, robotID string, st domain.RobotState) error {
	f.mu.Lock()
	f.setState[robotID] = st
	f.mu.Unlock()
	return nil
}
func (f *fakeRobots) MarkStale(domain.Context, time.Time) ([]string, error) { return nil, nil }

type fakeTS struct {
	mu     sync.Mutex
	points []domain.Point
}

func (f *fakeTS) Add(p domain.Point) error {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
	return nil
}
func (f *fakeTS) Latest(domain.Context, domain.Measurement, map[string]string, time.Duration) (domain.Point, error) {
	return domain.Point{}, nil
}
func (f *fakeTS) History(domain.Context, domain.Measurement, map[string]string, time.Duration, string, time.Duration) ([]domain.Point, error) {
	return nil, nil
}

type observation struct {
	robotID, metric string
	value           float64
}

type fakeObserver struct {
	mu  sync.Mutex
	obs []observation
}

func (f *fakeObserver) Observe(_ domain.Context, robotID, metric string, value float64, _ time.Time) error {
	f.mu.Lock()
	f.obs = append(f.obs, observation{robotID, metric, value})
	f.mu.Unlock()
	return nil
}

func (f *fakeObserver) find(metric string) (observation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.obs {
		if o.metric == metric {
			return o, true
		}
	}
	return observation{}, false
}

type fakeJobs struct {
	mu     sync.Mutex
	events []domain.JobEventMessage
	panics bool
}

func (f *fakeJobs) HandleEvent(_ domain.Context, ev domain.JobEventMessage) error {
	if f.panics {
		panic("job sink exploded")
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

type fakeAcks struct {
	mu   sync.Mutex
	acks []domain.CommandAck
}

func (f *fakeAcks) HandleAck(a domain.CommandAck) {
	f.mu.Lock()
	f.acks = append(f.acks, a)
	f.mu.Unlock()
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeAudit) Append(_ domain.Context, e domain.AuditEntry) error {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	return nil
}

// fakeSub captures the handlers Register wires per pattern.
type fakeSub struct{ handlers map[string]mqtt.Handler }

func (f *fakeSub) Subscribe(pattern string, h mqtt.Handler) {
	if f.handlers == nil {
		f.handlers = map[string]mqtt.Handler{}
	}
	f.handlers[pattern] = h
}

type fixture struct {
	d      *Dispatcher
	robots *fakeRobots
	ts     *fakeTS
	obs    *fakeObserver
	jobs   *fakeJobs
	acks   *fakeAcks
	audit  *fakeAudit
	sub    *fakeSub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		robots: newFakeRobots(),
		ts:     &fakeTS{},
		obs:    &fakeObserver{},
		jobs:   &fakeJobs{},
		acks:   &fakeAcks{},
		audit:  &fakeAudit{},
		sub:    &fakeSub{},
	}
	fx.d = New("tonypi", fx.robots, fx.ts, fx.obs, fx.jobs, fx.acks, fx.audit, nil)
	fx.d.Register(fx.sub)
	return fx
}

func (fx *fixture) emit(t *testing.T, pattern, topic string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	h, ok := fx.sub.handlers[pattern]
	require.True(t, ok, "no handler for %s", pattern)
	h(topic, b)
}

func TestSensorClampedNotDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/sensors/+", "tonypi/sensors/r1", domain.SensorMessage{
		RobotID: "r1", SensorType: "cpu_temperature", Value: 150, Timestamp: time.Now(),
	})

	fx.ts.mu.Lock()
	require.Len(t, fx.ts.points, 1)
	assert.Equal(t, 100.0, fx.ts.points[0].Fields["value"])
	assert.Equal(t, "cpu_temperature", fx.ts.points[0].Tags["sensor_type"])
	fx.ts.mu.Unlock()

	o, ok := fx.obs.find("cpu_temperature")
	require.True(t, ok)
	assert.Equal(t, 100.0, o.value)
}

func TestUnknownSensorTypeDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/sensors/+", "tonypi/sensors/r1", domain.SensorMessage{
		RobotID: "r1", SensorType: "flux_capacitor", Value: 1.21,
	})
	fx.ts.mu.Lock()
	assert.Empty(t, fx.ts.points)
	fx.ts.mu.Unlock()
	fx.robots.mu.Lock()
	assert.Empty(t, fx.robots.upserts)
	fx.robots.mu.Unlock()
}

func TestRobotIDMismatchDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/battery/+", "tonypi/battery/r1", domain.BatteryMessage{
		RobotID: "r2", Percentage: 50, Voltage: 7.4,
	})
	fx.ts.mu.Lock()
	assert.Empty(t, fx.ts.points)
	fx.ts.mu.Unlock()
}

func TestStatusOnlineUpsertsAndObserves(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/status/+", "tonypi/status/r1", domain.StatusMessage{
		RobotID: "r1", IsOnline: true, CPUPercent: 42, MemoryPercent: 30,
		DiskPercent: 55, Temperature: 61, IPAddress: "10.0.0.5",
	})

	fx.robots.mu.Lock()
	assert.Equal(t, []string{"r1"}, fx.robots.upserts)
	fx.robots.mu.Unlock()

	fx.ts.mu.Lock()
	require.Len(t, fx.ts.points, 1)
	assert.Equal(t, domain.MeasurementStatus, fx.ts.points[0].Measurement)
	fx.ts.mu.Unlock()

	o, ok := fx.obs.find("cpu_temperature")
	require.True(t, ok)
	assert.Equal(t, 61.0, o.value)
}

func TestOfflineStatusOnlyFlipsState(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	// A will message: is_online false. Must not advance last_seen or write
	// telemetry.
	fx.emit(t, "tonypi/status/+", "tonypi/status/r1", domain.StatusMessage{
		RobotID: "r1", IsOnline: false,
	})

	fx.robots.mu.Lock()
	assert.Empty(t, fx.robots.upserts)
	assert.Equal(t, domain.RobotOffline, fx.robots.setState["r1"])
	fx.robots.mu.Unlock()
	fx.ts.mu.Lock()
	assert.Empty(t, fx.ts.points)
	fx.ts.mu.Unlock()
}

func TestServoMessageFansOutPoints(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/servos/+", "tonypi/servos/r1", domain.ServoMessage{
		RobotID: "r1",
		Servos: map[string]domain.ServoReading{
			"head_pan": {ID: 1, Position: 2000, Temperature: 48},
			"head_tlt": {ID: 2, Position: 512, Temperature: 66},
		},
	})

	fx.ts.mu.Lock()
	require.Len(t, fx.ts.points, 2)
	for _, p := range fx.ts.points {
		if p.Tags["servo_name"] == "head_pan" {
			// 2000 exceeds the bus range and is clamped.
			assert.Equal(t, 1023, p.Fields["position"])
		}
	}
	fx.ts.mu.Unlock()

	o, ok := fx.obs.find("servo_temperature")
	require.True(t, ok)
	assert.Equal(t, 66.0, o.value)
}

func TestBatteryObservesBothMetrics(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/battery/+", "tonypi/battery/r1", domain.BatteryMessage{
		RobotID: "r1", Percentage: 18, Voltage: 6.9,
	})
	pct, ok := fx.obs.find("battery_percentage")
	require.True(t, ok)
	assert.Equal(t, 18.0, pct.value)
	volt, ok := fx.obs.find("battery_voltage")
	require.True(t, ok)
	assert.Equal(t, 6.9, volt.value)
}

func TestScanIngestedAsPoint(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/scan/+", "tonypi/scan/r1", domain.ScanMessage{
		RobotID: "r1", Item: "block_a", Confidence: 0.91,
	})

	fx.ts.mu.Lock()
	require.Len(t, fx.ts.points, 1)
	assert.Equal(t, domain.MeasurementScan, fx.ts.points[0].Measurement)
	assert.Equal(t, "block_a", fx.ts.points[0].Fields["item"])
	fx.ts.mu.Unlock()
	fx.robots.mu.Lock()
	assert.Equal(t, []string{"r1"}, fx.robots.upserts)
	fx.robots.mu.Unlock()
}

func TestScanMismatchOrEmptyItemDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/scan/+", "tonypi/scan/r1", domain.ScanMessage{RobotID: "r2", Item: "block_a"})
	fx.emit(t, "tonypi/scan/+", "tonypi/scan/r1", domain.ScanMessage{RobotID: "r1"})
	fx.ts.mu.Lock()
	assert.Empty(t, fx.ts.points)
	fx.ts.mu.Unlock()
}

func TestLocationMismatchDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/location/+", "tonypi/location/r1", domain.LocationMessage{
		RobotID: "r2", X: 1, Y: 2, Z: 0,
	})
	fx.ts.mu.Lock()
	assert.Empty(t, fx.ts.points)
	fx.ts.mu.Unlock()
	fx.robots.mu.Lock()
	assert.Empty(t, fx.robots.upserts)
	fx.robots.mu.Unlock()
}

func TestJobEventForwarded(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/job/+", "tonypi/job/r1", domain.JobEventMessage{
		RobotID: "r1", Event: domain.JobEventStart, TaskName: "collect", ItemsTotal: 5,
	})
	fx.jobs.mu.Lock()
	require.Len(t, fx.jobs.events, 1)
	assert.Equal(t, domain.JobEventStart, fx.jobs.events[0].Event)
	fx.jobs.mu.Unlock()
}

func TestAckRoutedToRouter(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/commands/+/ack", "tonypi/commands/r1/ack", domain.AckMessage{
		CommandID: "01ABC", Status: domain.AckOK,
	})
	fx.acks.mu.Lock()
	require.Len(t, fx.acks.acks, 1)
	assert.Equal(t, "01ABC", fx.acks.acks[0].CommandID)
	assert.Equal(t, "r1", fx.acks.acks[0].RobotID)
	fx.acks.mu.Unlock()
}

func TestPreAlertLandsInAudit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.emit(t, "tonypi/alerts/+", "tonypi/alerts/r1", domain.AlertMessage{
		RobotID: "r1", Severity: domain.SeverityCritical, Metric: "servo_temperature", Value: 91,
	})
	fx.audit.mu.Lock()
	require.Len(t, fx.audit.entries, 1)
	assert.Equal(t, "pre_alert", fx.audit.entries[0].Category)
	assert.Equal(t, "r1", fx.audit.entries[0].RobotID)
	fx.audit.mu.Unlock()
}

func TestHandlerPanicIsolatedAndBurstAudited(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.jobs.panics = true

	ev := domain.JobEventMessage{RobotID: "r1", Event: domain.JobEventStart}
	for i := 0; i < 5; i++ {
		fx.emit(t, "tonypi/job/+", "tonypi/job/r1", ev)
	}

	// Five panics inside the window trip the critical audit entry; ingestion
	// itself never crashed.
	fx.audit.mu.Lock()
	defer fx.audit.mu.Unlock()
	require.NotEmpty(t, fx.audit.entries)
	last := fx.audit.entries[len(fx.audit.entries)-1]
	assert.Equal(t, domain.AuditCritical, last.Level)
	assert.Equal(t, "dispatcher", last.Category)
}

func TestMalformedPayloadDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	h := fx.sub.handlers["tonypi/sensors/+"]
	h("tonypi/sensors/r1", []byte("{not json"))
	fx.ts.mu.Lock()
	assert.Empty(t, fx.ts.points)
	fx.ts.mu.Unlock()
}
