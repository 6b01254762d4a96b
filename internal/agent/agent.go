package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/broker/mqtt"
	"github.com/fairyhunter13/tonypi-fleet/internal/config"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// Pre-alert trip points. The server-side engine owns real alerting; these
// fire locally so an operator standing next to the robot hears about trouble
// even when the control plane is down.
const (
	preAlertServoTemp  = 85.0
	preAlertCPUPercent = 90.0
	preAlertBatteryPct = 5.0
)

// broker is the slice of the mqtt adapter the agent uses.
type broker interface {
	Publish(ctx domain.Context, topic string, payload []byte, qos byte) error
	Subscribe(pattern string, h mqtt.Handler)
	IsConnected() bool
}

// Agent is the on-robot process. One scheduler goroutine publishes telemetry;
// command handling runs on the broker adapter's delivery goroutine.
type Agent struct {
	cfg  config.AgentConfig
	caps Capabilities
	bk   broker
	log  *slog.Logger
	now  func() time.Time

	onShutdown func()

	mu        sync.Mutex
	estopped  bool
	latched   map[string]bool // pre-alert latch per metric
	lastSeen  string          // last vision detection label
	wasOnline bool
}

// New constructs an Agent. Absent capabilities are filled with simulated
// implementations. onShutdown is invoked after a shutdown command is
// acknowledged.
func New(cfg config.AgentConfig, caps Capabilities, bk broker, onShutdown func(), log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	if filled := caps.FillSimulated(time.Now().UnixNano()); len(filled) > 0 {
		log.Warn("hardware capabilities absent, using simulated fallbacks",
			slog.Any("slots", filled))
	}
	return &Agent{
		cfg:        cfg,
		caps:       caps,
		bk:         bk,
		log:        log,
		now:        time.Now,
		onShutdown: onShutdown,
		latched:    make(map[string]bool),
	}
}

// OfflineWill builds the Last-Will-and-Testament the broker publishes on
// behalf of the agent after an ungraceful disconnect.
func OfflineWill(cfg config.AgentConfig) (*mqtt.Will, error) {
	b, err := json.Marshal(domain.StatusMessage{
		RobotID:  cfg.RobotID,
		IsOnline: false,
	})
	if err != nil {
		return nil, fmt.Errorf("op=agent.OfflineWill: %w", err)
	}
	return &mqtt.Will{
		Topic:   mqtt.Topic(cfg.Namespace, mqtt.StreamStatus, cfg.RobotID),
		Payload: b,
		QoS:     1,
	}, nil
}

// Register subscribes the command handlers. Must run before the broker
// adapter connects.
func (a *Agent) Register(sub interface {
	Subscribe(pattern string, h mqtt.Handler)
}) {
	sub.Subscribe(mqtt.CommandTopic(a.cfg.Namespace, a.cfg.RobotID), a.handleCommand)
	sub.Subscribe(mqtt.CommandTopic(a.cfg.Namespace, mqtt.BroadcastID), a.handleCommand)
}

// Tasks returns the periodic telemetry work for the scheduler.
func (a *Agent) Tasks() []Task {
	return []Task{
		{Name: "status", Every: a.cfg.StatusInterval, Run: a.publishStatus},
		{Name: "sensors", Every: a.cfg.SensorInterval, Run: a.publishSensors},
		{Name: "servos", Every: a.cfg.ServoInterval, Run: a.publishServos},
		{Name: "battery", Every: a.cfg.BatteryInterval, Run: a.publishBattery},
		{Name: "vision", Every: a.cfg.VisionPoll, Run: a.publishVision},
		{Name: "heartbeat", Every: a.cfg.HeartbeatInterval, Run: a.heartbeat},
	}
}

// EmergencyStopped reports the estop latch state.
func (a *Agent) EmergencyStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estopped
}

func (a *Agent) publish(ctx context.Context, stream string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=agent.publish: stream %s: %w", stream, err)
	}
	return a.bk.Publish(ctx, mqtt.Topic(a.cfg.Namespace, stream, a.cfg.RobotID), b, 1)
}

func (a *Agent) publishStatus(ctx context.Context) error {
	cpu, mem, disk, temp, err := a.caps.System.Read()
	if err != nil {
		return fmt.Errorf("op=agent.publishStatus: %w", err)
	}
	a.preAlert(ctx, "cpu_percent", cpu, cpu >= preAlertCPUPercent)
	return a.publish(ctx, mqtt.StreamStatus, domain.StatusMessage{
		RobotID:       a.cfg.RobotID,
		Timestamp:     a.now().UTC(),
		CPUPercent:    cpu,
		MemoryPercent: mem,
		DiskPercent:   disk,
		Temperature:   temp,
		IsOnline:      true,
		Source:        a.caps.System.Source(),
	})
}

func (a *Agent) publishSensors(ctx context.Context) error {
	ts := a.now().UTC()
	imu, err := a.caps.IMU.Read()
	if err != nil {
		return fmt.Errorf("op=agent.publishSensors: imu: %w", err)
	}
	readings := []struct {
		sensorType string
		value      float64
		unit       string
		source     string
	}{
		{"accelerometer_x", imu.AccelX, "m/s²", a.caps.IMU.Source()},
		{"accelerometer_y", imu.AccelY, "m/s²", a.caps.IMU.Source()},
		{"accelerometer_z", imu.AccelZ, "m/s²", a.caps.IMU.Source()},
		{"gyroscope_x", imu.GyroX, "°/s", a.caps.IMU.Source()},
		{"gyroscope_y", imu.GyroY, "°/s", a.caps.IMU.Source()},
		{"gyroscope_z", imu.GyroZ, "°/s", a.caps.IMU.Source()},
	}
	if dist, err := a.caps.Sonar.DistanceCM(); err == nil {
		readings = append(readings, struct {
			sensorType string
			value      float64
			unit       string
			source     string
		}{"ultrasonic_distance", dist, "cm", a.caps.Sonar.Source()})
	}
	if lvl, err := a.caps.Light.Level(); err == nil {
		readings = append(readings, struct {
			sensorType string
			value      float64
			unit       string
			source     string
		}{"light_level", lvl, "%", a.caps.Light.Source()})
	}
	for _, r := range readings {
		if err := a.publish(ctx, mqtt.StreamSensors, domain.SensorMessage{
			RobotID:    a.cfg.RobotID,
			Timestamp:  ts,
			SensorType: r.sensorType,
			Value:      r.value,
			Unit:       r.unit,
			Source:     r.source,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) publishServos(ctx context.Context) error {
	servos, err := a.caps.Servos.ReadAll()
	if err != nil {
		return fmt.Errorf("op=agent.publishServos: %w", err)
	}
	maxTemp := 0.0
	for _, s := range servos {
		if s.Temperature > maxTemp {
			maxTemp = s.Temperature
		}
	}
	a.preAlert(ctx, "servo_temperature", maxTemp, maxTemp >= preAlertServoTemp)
	return a.publish(ctx, mqtt.StreamServos, domain.ServoMessage{
		RobotID:   a.cfg.RobotID,
		Timestamp: a.now().UTC(),
		Servos:    servos,
		Source:    a.caps.Servos.Source(),
	})
}

func (a *Agent) publishBattery(ctx context.Context) error {
	voltage, pct, charging, err := a.caps.Battery.Read()
	if err != nil {
		return fmt.Errorf("op=agent.publishBattery: %w", err)
	}
	a.preAlert(ctx, "battery_percentage", pct, pct <= preAlertBatteryPct && !charging)
	return a.publish(ctx, mqtt.StreamBattery, domain.BatteryMessage{
		RobotID:    a.cfg.RobotID,
		Timestamp:  a.now().UTC(),
		Voltage:    voltage,
		Percentage: pct,
		Charging:   charging,
		Source:     a.caps.Battery.Source(),
	})
}

// publishVision emits only when the detection output changes; a static scene
// at poll rate would otherwise dominate the vision stream.
func (a *Agent) publishVision(ctx context.Context) error {
	det, err := a.caps.Camera.Detect()
	if err != nil {
		return fmt.Errorf("op=agent.publishVision: %w", err)
	}
	a.mu.Lock()
	changed := det.Label != a.lastSeen
	a.lastSeen = det.Label
	a.mu.Unlock()
	if !changed {
		return nil
	}
	if err := a.publish(ctx, mqtt.StreamVision, domain.VisionMessage{
		RobotID:    a.cfg.RobotID,
		Timestamp:  a.now().UTC(),
		Detected:   det.Label,
		Confidence: det.Confidence,
		FrameW:     det.FrameW,
		FrameH:     det.FrameH,
		Source:     a.caps.Camera.Source(),
	}); err != nil {
		return err
	}
	if det.Label == "" {
		return nil
	}
	// A newly identified item also goes out on the scan stream, where the job
	// pipeline picks it up.
	return a.publish(ctx, mqtt.StreamScan, domain.ScanMessage{
		RobotID:    a.cfg.RobotID,
		Timestamp:  a.now().UTC(),
		Item:       det.Label,
		Confidence: det.Confidence,
		Source:     a.caps.Camera.Source(),
	})
}

// heartbeat watches connectivity and pushes a fresh full status right after a
// reconnect, so the server flips the robot back online without waiting out a
// status interval.
func (a *Agent) heartbeat(ctx context.Context) error {
	online := a.bk.IsConnected()
	a.mu.Lock()
	reconnected := online && !a.wasOnline
	a.wasOnline = online
	a.mu.Unlock()
	if reconnected {
		return a.publishStatus(ctx)
	}
	return nil
}

// preAlert publishes one critical alert message when a metric first trips its
// local limit; the latch clears when the metric recovers.
func (a *Agent) preAlert(ctx context.Context, metric string, value float64, tripped bool) {
	a.mu.Lock()
	was := a.latched[metric]
	a.latched[metric] = tripped
	a.mu.Unlock()
	if !tripped || was {
		return
	}
	a.log.Warn("local pre-alert tripped", slog.String("metric", metric), slog.Float64("value", value))
	if err := a.publish(ctx, mqtt.StreamAlerts, domain.AlertMessage{
		RobotID:   a.cfg.RobotID,
		Severity:  domain.SeverityCritical,
		Metric:    metric,
		Value:     value,
		Timestamp: a.now().UTC(),
		Message:   fmt.Sprintf("local limit exceeded: %s at %.2f", metric, value),
	}); err != nil {
		a.log.Warn("pre-alert publish failed", slog.String("metric", metric), slog.Any("error", err))
	}
}

// handleCommand executes one control instruction. While the estop latch is
// set, only resume and shutdown are honoured; everything else is rejected
// with an error ack.
func (a *Agent) handleCommand(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var cmd domain.CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.CommandID == "" {
		a.log.Warn("malformed command dropped", slog.String("topic", topic))
		return
	}

	a.mu.Lock()
	estopped := a.estopped
	a.mu.Unlock()

	if estopped && cmd.Type != domain.CommandResume && cmd.Type != domain.CommandShutdown {
		a.ack(ctx, cmd.CommandID, domain.AckError, "emergency_stopped")
		return
	}

	switch cmd.Type {
	case domain.CommandEmergencyStop:
		a.mu.Lock()
		a.estopped = true
		a.mu.Unlock()
		a.log.Warn("emergency stop engaged", slog.String("command_id", cmd.CommandID))
		a.ack(ctx, cmd.CommandID, domain.AckOK, "")
	case domain.CommandResume:
		a.mu.Lock()
		a.estopped = false
		a.mu.Unlock()
		a.log.Info("emergency stop released", slog.String("command_id", cmd.CommandID))
		a.ack(ctx, cmd.CommandID, domain.AckOK, "")
	case domain.CommandShutdown:
		a.ack(ctx, cmd.CommandID, domain.AckOK, "")
		if a.onShutdown != nil {
			a.onShutdown()
		}
	case domain.CommandMove, domain.CommandStop, domain.CommandGesture:
		// Motion is delegated to the servo controller; the ack confirms
		// acceptance, not completion.
		a.log.Info("motion command accepted",
			slog.String("command_id", cmd.CommandID), slog.String("type", string(cmd.Type)))
		a.ack(ctx, cmd.CommandID, domain.AckOK, "")
	case domain.CommandStatusQuery:
		if err := a.publishStatus(ctx); err != nil {
			a.ack(ctx, cmd.CommandID, domain.AckError, err.Error())
			return
		}
		a.ack(ctx, cmd.CommandID, domain.AckOK, "")
	case domain.CommandBatteryQuery:
		if err := a.publishBattery(ctx); err != nil {
			a.ack(ctx, cmd.CommandID, domain.AckError, err.Error())
			return
		}
		a.ack(ctx, cmd.CommandID, domain.AckOK, "")
	default:
		a.ack(ctx, cmd.CommandID, domain.AckError, fmt.Sprintf("unknown command type %q", cmd.Type))
	}
}

func (a *Agent) ack(ctx context.Context, commandID string, status domain.AckStatus, detail string) {
	b, err := json.Marshal(domain.AckMessage{
		CommandID: commandID,
		RobotID:   a.cfg.RobotID,
		Status:    status,
		Detail:    detail,
		Timestamp: a.now().UTC(),
	})
	if err != nil {
		return
	}
	topic := mqtt.AckTopic(a.cfg.Namespace, a.cfg.RobotID)
	if err := a.bk.Publish(ctx, topic, b, 1); err != nil {
		a.log.Warn("ack publish failed", slog.String("command_id", commandID), slog.Any("error", err))
	}
}
