package domain

import "time"

// Wire payloads shared by the agent and the server-side dispatcher. All
// payloads are self-describing JSON with RFC 3339 UTC timestamps. Each stream
// is a closed struct; untyped maps never cross this boundary.

// SourceTag distinguishes real hardware samples from simulated fallbacks.
const (
	SourceReal      = "real"
	SourceSimulated = "simulated"
)

// StatusMessage is published on <ns>/status/<robot_id>.
type StatusMessage struct {
	RobotID       string    `json:"robot_id"`
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	Temperature   float64   `json:"temperature"`
	IsOnline      bool      `json:"is_online"`
	IPAddress     string    `json:"ip_address,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// SensorMessage is published on <ns>/sensors/<robot_id>.
type SensorMessage struct {
	RobotID    string    `json:"robot_id"`
	Timestamp  time.Time `json:"timestamp"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// ServoReading is one servo's state inside a ServoMessage.
type ServoReading struct {
	ID            int     `json:"id"`
	Position      int     `json:"position"`
	Temperature   float64 `json:"temperature"`
	Voltage       float64 `json:"voltage"`
	TorqueEnabled bool    `json:"torque_enabled"`
	Offset        int     `json:"offset"`
	AngleMin      int     `json:"angle_min"`
	AngleMax      int     `json:"angle_max"`
}

// ServoMessage is published on <ns>/servos/<robot_id>.
type ServoMessage struct {
	RobotID   string                  `json:"robot_id"`
	Timestamp time.Time               `json:"timestamp"`
	Servos    map[string]ServoReading `json:"servos"`
	Source    string                  `json:"source,omitempty"`
}

// BatteryMessage is published on <ns>/battery/<robot_id>.
type BatteryMessage struct {
	RobotID    string    `json:"robot_id"`
	Timestamp  time.Time `json:"timestamp"`
	Voltage    float64   `json:"voltage"`
	Percentage float64   `json:"percentage"`
	Charging   bool      `json:"charging"`
	Source     string    `json:"source,omitempty"`
}

// LocationMessage is published on <ns>/location/<robot_id>.
type LocationMessage struct {
	RobotID   string    `json:"robot_id"`
	Timestamp time.Time `json:"timestamp"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	Source    string    `json:"source,omitempty"`
}

// VisionMessage is published on <ns>/vision/<robot_id> when detection output
// changes.
type VisionMessage struct {
	RobotID    string    `json:"robot_id"`
	Timestamp  time.Time `json:"timestamp"`
	Detected   string    `json:"detected,omitempty"`
	Confidence float64   `json:"confidence"`
	FrameW     int       `json:"frame_w,omitempty"`
	FrameH     int       `json:"frame_h,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// ScanMessage is published on <ns>/scan/<robot_id> when the robot identifies
// an item during a task.
type ScanMessage struct {
	RobotID    string    `json:"robot_id"`
	Timestamp  time.Time `json:"timestamp"`
	Item       string    `json:"item"`
	Confidence float64   `json:"confidence,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// JobEventKind enumerates job stream events.
type JobEventKind string

const (
	JobEventStart    JobEventKind = "start"
	JobEventProgress JobEventKind = "progress"
	JobEventItem     JobEventKind = "item"
	JobEventComplete JobEventKind = "complete"
	JobEventCancel   JobEventKind = "cancel"
	JobEventFail     JobEventKind = "fail"
)

// JobEventMessage is published on <ns>/job/<robot_id>.
type JobEventMessage struct {
	RobotID      string       `json:"robot_id"`
	Event        JobEventKind `json:"event"`
	Timestamp    time.Time    `json:"timestamp"`
	TaskName     string       `json:"task_name,omitempty"`
	Phase        JobPhase     `json:"phase,omitempty"`
	ItemsTotal   int          `json:"items_total,omitempty"`
	ItemsDone    int          `json:"items_done,omitempty"`
	LastItem     string       `json:"last_item,omitempty"`
	CancelReason string       `json:"cancel_reason,omitempty"`
	Success      *bool        `json:"success,omitempty"`
}

// AlertMessage is published on <ns>/alerts/<robot_id>, both by the agent
// (advisory pre-alerts) and by the server-side alert engine.
type AlertMessage struct {
	RobotID   string    `json:"robot_id"`
	Severity  Severity  `json:"severity"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Resolved  bool      `json:"resolved,omitempty"`
}

// CommandMessage is published on <ns>/commands/<robot_id> (or .../broadcast).
type CommandMessage struct {
	CommandID  string         `json:"command_id"`
	Type       CommandType    `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeoutSec float64        `json:"timeout,omitempty"`
}

// AckMessage is published on <ns>/commands/<robot_id>/ack.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	RobotID   string    `json:"robot_id,omitempty"`
	Status    AckStatus `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
