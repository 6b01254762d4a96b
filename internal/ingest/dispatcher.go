package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/broker/mqtt"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
)

// Observer consumes numeric observations (the alert engine).
type Observer interface {
	Observe(ctx domain.Context, robotID, metric string, value float64, ts time.Time) error
}

// JobSink consumes job stream events (the job tracker).
type JobSink interface {
	HandleEvent(ctx domain.Context, ev domain.JobEventMessage) error
}

// AckSink consumes command acknowledgments (the command router).
type AckSink interface {
	HandleAck(ack domain.CommandAck)
}

// Subscriber registers stream handlers on the broker adapter.
type Subscriber interface {
	Subscribe(pattern string, h mqtt.Handler)
}

// Dispatcher decodes typed messages per stream and fans them out. Per-stream
// ordering is inherited from the broker adapter's per-subscription channel;
// per-(robot, measurement) order therefore holds within a stream.
type Dispatcher struct {
	ns      string
	robots  domain.RobotRepository
	ts      domain.TimeSeries
	alerts  Observer
	jobs    JobSink
	acks    AckSink
	audit   domain.AuditRepository
	log     *slog.Logger
	limiter *observability.LogLimiter
	now     func() time.Time

	// Panic budget: a burst of handler panics inside the window lifts a
	// critical audit entry.
	panicMu     sync.Mutex
	panicTimes  []time.Time
	panicWindow time.Duration
	panicLimit  int
}

// New constructs a Dispatcher.
func New(ns string, robots domain.RobotRepository, ts domain.TimeSeries, alerts Observer, jobs JobSink, acks AckSink, audit domain.AuditRepository, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		ns:          ns,
		robots:      robots,
		ts:          ts,
		alerts:      alerts,
		jobs:        jobs,
		acks:        acks,
		audit:       audit,
		log:         log,
		limiter:     observability.NewLogLimiter(time.Minute),
		now:         time.Now,
		panicWindow: time.Minute,
		panicLimit:  5,
	}
}

// Register subscribes every stream handler on the broker adapter. Must run
// before the adapter connects.
func (d *Dispatcher) Register(sub Subscriber) {
	streams := []struct {
		name    string
		handler func(ctx domain.Context, robotID string, payload []byte)
	}{
		{mqtt.StreamStatus, d.handleStatus},
		{mqtt.StreamSensors, d.handleSensors},
		{mqtt.StreamServos, d.handleServos},
		{mqtt.StreamBattery, d.handleBattery},
		{mqtt.StreamLocation, d.handleLocation},
		{mqtt.StreamVision, d.handleVision},
		{mqtt.StreamScan, d.handleScan},
		{mqtt.StreamJob, d.handleJob},
		{mqtt.StreamAlerts, d.handleAlerts},
	}
	for _, s := range streams {
		s := s
		sub.Subscribe(mqtt.StreamPattern(d.ns, s.name), func(topic string, payload []byte) {
			d.consume(s.name, topic, payload, s.handler)
		})
	}
	sub.Subscribe(mqtt.AckPattern(d.ns), d.consumeAck)
}

// consume wraps one handler invocation: topic parsing, metrics and panic
// isolation. A panicking handler loses that one message, never the stream.
func (d *Dispatcher) consume(stream, topic string, payload []byte, h func(ctx domain.Context, robotID string, payload []byte)) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.HandlerPanicsTotal.WithLabelValues(stream).Inc()
			d.log.Error("handler panic",
				slog.String("stream", stream), slog.String("topic", topic), slog.Any("panic", rec))
			d.notePanic(stream)
		}
	}()
	_, robotID, ok := mqtt.ParseTopic(topic)
	if !ok {
		d.drop(stream, robotID, "bad_topic")
		return
	}
	observability.IngestMessagesTotal.WithLabelValues(stream).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h(ctx, robotID, payload)
}

func (d *Dispatcher) notePanic(stream string) {
	d.panicMu.Lock()
	now := d.now()
	kept := d.panicTimes[:0]
	for _, t := range d.panicTimes {
		if now.Sub(t) < d.panicWindow {
			kept = append(kept, t)
		}
	}
	d.panicTimes = append(kept, now)
	burst := len(d.panicTimes) >= d.panicLimit
	if burst {
		d.panicTimes = d.panicTimes[:0]
	}
	d.panicMu.Unlock()
	if burst {
		_ = d.audit.Append(context.Background(), domain.AuditEntry{
			Level:    domain.AuditCritical,
			Category: "dispatcher",
			Message:  fmt.Sprintf("handler panic burst on stream %s", stream),
			Details:  map[string]string{"stream": stream},
		})
	}
}

// drop counts a rejected message and logs it at most once per minute per
// (robot, stream, reason).
func (d *Dispatcher) drop(stream, robotID, reason string) {
	observability.IngestDroppedTotal.WithLabelValues(stream, reason).Inc()
	if d.limiter.Allow(robotID + "|" + stream + "|" + reason) {
		d.log.Warn("message dropped",
			slog.String("stream", stream), slog.String("robot_id", robotID), slog.String("reason", reason))
	}
}

// seen advances the robot's last_seen; unknown robots are auto-created.
func (d *Dispatcher) seen(ctx domain.Context, robotID string, ts time.Time, addr string) {
	if err := d.robots.UpsertOnSeen(ctx, robotID, ts, addr); err != nil {
		if d.limiter.Allow(robotID + "|seen") {
			d.log.Warn("robot upsert failed", slog.String("robot_id", robotID), slog.Any("error", err))
		}
	}
}

func (d *Dispatcher) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return d.now().UTC()
	}
	return ts.UTC()
}

func sourceTag(s string) string {
	if s == domain.SourceSimulated {
		return domain.SourceSimulated
	}
	return domain.SourceReal
}

func (d *Dispatcher) handleStatus(ctx domain.Context, robotID string, payload []byte) {
	var msg domain.StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RobotID == "" {
		d.drop(mqtt.StreamStatus, robotID, "parse")
		return
	}
	if msg.RobotID != robotID {
		d.drop(mqtt.StreamStatus, robotID, "robot_mismatch")
		return
	}
	if !msg.IsOnline {
		// LWT or graceful offline announcement: flip state, leave last_seen
		// alone so staleness accounting stays truthful.
		if err := d.robots.SetState(ctx, robotID, domain.RobotOffline); err != nil {
			d.log.Warn("offline mark failed", slog.String("robot_id", robotID), slog.Any("error", err))
		}
		return
	}
	ts := d.stamp(msg.Timestamp)
	d.seen(ctx, robotID, ts, msg.IPAddress)
	_ = d.ts.Add(domain.Point{
		Measurement: domain.MeasurementStatus,
		Tags:        map[string]string{"robot_id": robotID, "source": sourceTag(msg.Source)},
		Fields: map[string]any{
			"cpu_percent":    msg.CPUPercent,
			"memory_percent": msg.MemoryPercent,
			"disk_percent":   msg.DiskPercent,
			"temperature":    msg.Temperature,
		},
		Timestamp: ts,
	})
	d.observe(ctx, robotID, "cpu_percent", msg.CPUPercent, ts)
	d.observe(ctx, robotID, "memory_percent", msg.MemoryPercent, ts)
	d.observe(ctx, robotID, "disk_percent", msg.DiskPercent, ts)
	d.observe(ctx, robotID, "cpu_temperature", msg.Temperature, ts)
}

func (d *Dispatcher) handleSensors(ctx domain.Context, robotID string, payload []byte) {
	var msg domain.SensorMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RobotID == "" || msg.SensorType == "" {
		d.drop(mqtt.StreamSensors, robotID, "parse")
		return
	}
	if msg.RobotID != robotID {
		d.drop(mqtt.StreamSensors, robotID, "robot_mismatch")
		return
	}
	schema, ok := Schema(msg.SensorType)
	if !ok {
		d.drop(mqtt.StreamSensors, robotID, "unknown_sensor")
		return
	}
	value, clamped := schema.Clamp(msg.Value)
	if clamped {
		observability.IngestClampedTotal.WithLabelValues(schema.Name).Inc()
		if d.limiter.Allow(robotID + "|sensors|clamp|" + schema.Name) {
			d.log.Warn("sensor value clamped",
				slog.String("robot_id", robotID), slog.String("sensor", schema.Name),
				slog.Float64("raw", msg.Value), slog.Float64("clamped", value))
		}
	}
	ts := d.stamp(msg.Timestamp)
	d.seen(ctx, robotID, ts, "")
	_ = d.ts.Add(domain.Point{
		Measurement: domain.MeasurementSensor,
		Tags: map[string]string{
			"robot_id":    robotID,
			"sensor_type": schema.Name,
			"source":      sourceTag(msg.Source),
		},
		Fields:    map[string]any{"value": value, "unit": schema.Unit},
		Timestamp: ts,
	})
	d.observe(ctx, robotID, schema.Name, value, ts)
}

func (d *Dispatcher) handleServos(ctx domain.Context, robotID string, payload []byte) {
	var msg domain.ServoMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RobotID == "" {
		d.drop(mqtt.StreamServos, robotID, "parse")
		return
	}
	if msg.RobotID != robotID {
		d.drop(mqtt.StreamServos, robotID, "robot_mismatch")
		return
	}
	ts := d.stamp(msg.Timestamp)
	d.seen(ctx, robotID, ts, "")
	maxTemp := 0.0
	for name, s := range msg.Servos {
		pos, clamped := ClampServoPosition(s.Position)
		if clamped {
			observability.IngestClampedTotal.WithLabelValues("servo_position").Inc()
			if d.limiter.Allow(robotID + "|servos|clamp") {
				d.log.Warn("servo position clamped",
					slog.String("robot_id", robotID), slog.String("servo", name), slog.Int("raw", s.Position))
			}
		}
		_ = d.ts.Add(domain.Point{
			Measurement: domain.MeasurementServo,
			Tags: map[string]string{
				"robot_id":   robotID,
				"servo_id":   fmt.Sprint(s.ID),
				"servo_name": name,
				"source":     sourceTag(msg.Source),
			},
			Fields: map[string]any{
				"position":       pos,
				"temperature":    s.Temperature,
				"voltage":        s.Voltage,
				"torque_enabled": s.TorqueEnabled,
				"offset":         s.Offset,
				"angle_min":      s.AngleMin,
				"angle_max":      s.AngleMax,
			},
			Timestamp: ts,
		})
		if s.Temperature > maxTemp {
			maxTemp = s.Temperature
		}
	}
	if len(msg.Servos) > 0 {
		d.observe(ctx, robotID, "servo_temperature", maxTemp, ts)
	}
}

func (d *Dispatcher) handleBattery(ctx domain.Context, robotID string, payload []byte) {
	var msg domain.BatteryMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RobotID == "" {
		d.drop(mqtt.StreamBattery, robotID, "parse")
		return
	}
	if msg.RobotID != robotID {
		d.drop(mqtt.StreamBattery, robotID, "robot_mismatch")
		return
	}
	ts := d.stamp(msg.Timestamp)
	d.seen(ctx, robotID, ts, "")
	_ = d.ts.Add(domain.Point{
		Measurement: domain.MeasurementBattery,
		Tags:        map[string]string{"robot_id": robotID, "source": sourceTag(msg.Source)},
		Fields: map[string]any{
			"voltage":    msg.Voltage,
			"percentage": msg.Percentage,
			"charging":   msg.Charging,
		},
		Timestamp: ts,
	})
	d.observe(ctx, robotID, "battery_percentage", msg.Percentage, ts)
	d.observe(ctx, robotID, "battery_voltage", msg.Voltage, ts)
}

func (d *Dispatcher) handleLocation(ctx domain.Context, robotID string, payload []byte) {
	var msg domain.LocationMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RobotID == "" {
		d.drop(mqtt.StreamLocation, robotID, "parse")
		return
	}
	if msg.RobotID != robotID {
		d.drop(mqtt.StreamLocation, robotID, "robot_mismatch")
		return
	}
	ts := d.stamp(msg.Timestamp)
	d.seen(ctx, robotID, ts, "")
	_ = d.ts.Add(domain.Point{
		Measurement: domain.MeasurementLocation,
		Tags:        map[string]string{"robot_id": robotID, "source": sourceTag(msg.Source)},
		Fields:      map[string]any{"x": msg.X, "y": msg.Y, "z": msg.Z},
		Timestamp:   ts,
	})
}

func (d *Dispatcher) handleVision(ctx domain.Context, robotID string, payload []byte) {
	var msg domain.VisionMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RobotID == "" {
		d.drop(mqtt.StreamVision, robotID, "parse")
		return
	}
	ts := d.stamp(msg.Timestamp)
	d.seen(ctx, robotID, ts, "")
	_ = d.ts.Add(domain.Point{
		Measurement: domain.MeasurementVision,
		Tags:        map[string]string{"robot_id": robotID, "source": sourceTag(msg.Source)},
		Fields: map[string]any{
			"detected":   msg.Detected,
			"confidence": msg.Confidence,
			"frame_w":    msg.FrameW,
			"frame_h":    msg.FrameH,
		},
		Timestamp: ts,
	})
}

func (d *Dispatcher) handleScan(ctx domain.Context, robotID string, payload []byte) {
	var msg domain.ScanMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RobotID == "" || msg.Item == "" {
		d.drop(mqtt.StreamScan, robotID, "parse")
		return
	}
	if msg.RobotID != robotID {
		d.drop(mqtt.StreamScan, robotID, "robot_mismatch")
		return
	}
	ts := d.stamp(msg.Timestamp)
	d.seen(ctx, robotID, ts, "")
	_ = d.ts.Add(domain.Point{
		Measurement: domain.MeasurementScan,
		Tags:        map[string]string{"robot_id": robotID, "source": sourceTag(msg.Source)},
		Fields:      map[string]any{"item": msg.Item, "confidence": msg.Confidence},
		Timestamp:   ts,
	})
}

func (d *Dispatcher) handleJob(ctx domain.Context, robotID string, payload []byte) {
	var ev domain.JobEventMessage
	if err := json.Unmarshal(payload, &ev); err != nil || ev.RobotID == "" || ev.Event == "" {
		d.drop(mqtt.StreamJob, robotID, "parse")
		return
	}
	if ev.RobotID != robotID {
		d.drop(mqtt.StreamJob, robotID, "robot_mismatch")
		return
	}
	d.seen(ctx, robotID, d.stamp(ev.Timestamp), "")
	if err := d.jobs.HandleEvent(ctx, ev); err != nil {
		if d.limiter.Allow(robotID + "|job|" + string(ev.Event)) {
			d.log.Warn("job event rejected",
				slog.String("robot_id", robotID), slog.String("event", string(ev.Event)), slog.Any("error", err))
		}
	}
}

// handleAlerts ingests agent-side pre-alerts. They are advisory; the alert
// engine remains the source of truth, so they land in the audit log only.
func (d *Dispatcher) handleAlerts(ctx domain.Context, robotID string, payload []byte) {
	var msg domain.AlertMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RobotID == "" {
		d.drop(mqtt.StreamAlerts, robotID, "parse")
		return
	}
	if msg.RobotID != robotID {
		d.drop(mqtt.StreamAlerts, robotID, "robot_mismatch")
		return
	}
	d.seen(ctx, robotID, d.stamp(msg.Timestamp), "")
	_ = d.audit.Append(ctx, domain.AuditEntry{
		Level:    domain.AuditWarning,
		Category: "pre_alert",
		Message:  fmt.Sprintf("agent pre-alert: %s %s at %.2f", msg.Metric, msg.Severity, msg.Value),
		RobotID:  robotID,
		Details: map[string]string{
			"metric":   msg.Metric,
			"severity": string(msg.Severity),
		},
	})
}

func (d *Dispatcher) consumeAck(topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.HandlerPanicsTotal.WithLabelValues("ack").Inc()
			d.log.Error("ack handler panic", slog.String("topic", topic), slog.Any("panic", rec))
		}
	}()
	if !mqtt.IsAckTopic(topic) {
		return
	}
	_, robotID, _ := mqtt.ParseTopic(topic)
	var ack domain.AckMessage
	if err := json.Unmarshal(payload, &ack); err != nil || ack.CommandID == "" {
		d.drop("ack", robotID, "parse")
		return
	}
	observability.IngestMessagesTotal.WithLabelValues("ack").Inc()
	d.acks.HandleAck(domain.CommandAck{
		CommandID: ack.CommandID,
		RobotID:   robotID,
		Status:    ack.Status,
		Detail:    ack.Detail,
	})
}

func (d *Dispatcher) observe(ctx domain.Context, robotID, metric string, value float64, ts time.Time) {
	if err := d.alerts.Observe(ctx, robotID, metric, value, ts); err != nil {
		if d.limiter.Allow(robotID + "|observe|" + metric) {
			d.log.Warn("observation failed",
				slog.String("robot_id", robotID), slog.String("metric", metric), slog.Any("error", err))
		}
	}
}
