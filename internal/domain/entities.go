// Package domain holds the core entities, sentinel errors and ports of the
// fleet telemetry pipeline. Adapters depend on this package, never the other
// way around.
package domain

import (
	"context"
	"errors"
	"math"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTerminal        = errors.New("job already terminal")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrQueueFull       = errors.New("queue full")
	ErrStopped         = errors.New("stopped")
	ErrInternal        = errors.New("internal error")
)

// RobotState enumerates the lifecycle states of a fleet robot.
type RobotState string

const (
	RobotFirstSeen   RobotState = "first_seen"
	RobotOnline      RobotState = "online"
	RobotOffline     RobotState = "offline"
	RobotError       RobotState = "error"
	RobotMaintenance RobotState = "maintenance"
)

// Robot is the canonical entity-store view of a fleet member.
// Invariants: ID unique; an offline robot only advances LastSeen when it
// reconnects.
type Robot struct {
	ID             string
	Name           string
	Description    string
	NetworkAddress string
	State          RobotState
	LastSeen       time.Time
	Settings       []byte // opaque JSON blob, owned by the operator UI
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Threshold configures alerting for one metric of one robot.
// Warn must be less severe than Crit in the metric's adverse direction.
type Threshold struct {
	RobotID  string
	Metric   string
	Warn     float64
	Crit     float64
	HystWarn float64
	HystCrit float64
	Enabled  bool
}

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is immutable once created except for acknowledgment and resolution.
type Alert struct {
	ID             int64
	RobotID        string
	Type           string
	Severity       Severity
	Source         string
	ObservedValue  float64
	ThresholdValue float64
	Title          string
	Message        string
	CreatedAt      time.Time
	AcknowledgedBy *string
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	Extras         map[string]string
}

// DedupKey identifies at most one open alert at a time.
func (a Alert) DedupKey() string { return AlertDedupKey(a.RobotID, a.Type, a.Severity) }

// AlertDedupKey builds the (robot_id, metric, severity) dedup key.
func AlertDedupKey(robotID, metric string, sev Severity) string {
	return robotID + "|" + metric + "|" + string(sev)
}

// JobStatus enumerates job lifecycle statuses.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool { return s != JobActive }

// JobPhase enumerates coarse progress phases reported by the agent.
type JobPhase string

const (
	PhaseScanning  JobPhase = "scanning"
	PhaseSearching JobPhase = "searching"
	PhaseExecuting JobPhase = "executing"
	PhaseDone      JobPhase = "done"
)

// Job aggregates progress events for one task on one robot.
// Invariants: 0 <= ItemsDone <= ItemsTotal; Status==active iff EndTime==nil;
// a terminal status is set exactly once.
type Job struct {
	ID              int64
	RobotID         string
	TaskName        string
	Phase           JobPhase
	Status          JobStatus
	ItemsTotal      int
	ItemsDone       int
	PercentComplete float64
	StartTime       time.Time
	EndTime         *time.Time
	LastItem        string
	CancelReason    string
	Success         *bool
}

// Percent computes the one-decimal completion percentage for done of total.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(100*float64(done)/float64(total)*10) / 10
}

// AuditLevel enumerates audit log levels.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "info"
	AuditWarning  AuditLevel = "warning"
	AuditError    AuditLevel = "error"
	AuditCritical AuditLevel = "critical"
)

// AuditEntry is an append-only operational log record.
type AuditEntry struct {
	ID        int64
	Level     AuditLevel
	Category  string
	Message   string
	RobotID   string
	Details   map[string]string
	Timestamp time.Time
}

// Measurement names a time-series table.
type Measurement string

const (
	MeasurementSensor   Measurement = "sensor"
	MeasurementServo    Measurement = "servo"
	MeasurementBattery  Measurement = "battery"
	MeasurementStatus   Measurement = "status"
	MeasurementLocation Measurement = "location"
	MeasurementVision   Measurement = "vision"
	MeasurementScan     Measurement = "scan"
)

// Point is one immutable time-series sample, addressed by
// (measurement, tags, timestamp). Tags always include robot_id.
type Point struct {
	Measurement Measurement
	Tags        map[string]string
	Fields      map[string]any
	Timestamp   time.Time
}

// CommandType enumerates the control instructions a robot accepts.
type CommandType string

const (
	CommandMove          CommandType = "move"
	CommandStop          CommandType = "stop"
	CommandGesture       CommandType = "gesture"
	CommandStatusQuery   CommandType = "status_query"
	CommandBatteryQuery  CommandType = "battery_query"
	CommandEmergencyStop CommandType = "emergency_stop"
	CommandResume        CommandType = "resume"
	CommandShutdown      CommandType = "shutdown"
)

// Command is a server-minted control instruction for one robot.
type Command struct {
	ID         string
	Type       CommandType
	Parameters map[string]any
	Timeout    time.Duration
}

// AckStatus enumerates command acknowledgment outcomes.
type AckStatus string

const (
	AckOK    AckStatus = "ok"
	AckError AckStatus = "error"
)

// CommandAck correlates with a Command by id.
type CommandAck struct {
	CommandID string
	RobotID   string
	Status    AckStatus
	Detail    string
}

// Context aliases context.Context; adapters pass it through unchanged.
type Context = context.Context
