// Package mqtt implements the single-socket broker adapter: topic routing,
// bounded drop-oldest buffering on both directions, QoS 1 delivery and
// reconnection with capped exponential backoff.
//
// Topics are structured strings <ns>/<stream>/<robot_id>; the adapter never
// interprets payloads.
package mqtt

import "strings"

// Stream names carried in topic segments.
const (
	StreamStatus   = "status"
	StreamSensors  = "sensors"
	StreamServos   = "servos"
	StreamBattery  = "battery"
	StreamLocation = "location"
	StreamVision   = "vision"
	StreamJob      = "job"
	StreamScan     = "scan"
	StreamAlerts   = "alerts"
	StreamCommands = "commands"
)

// BroadcastID is the pseudo robot id used for fleet-wide commands.
const BroadcastID = "broadcast"

// Topic builds <ns>/<stream>/<robot_id>.
func Topic(ns, stream, robotID string) string {
	return ns + "/" + stream + "/" + robotID
}

// StreamPattern builds the single-level wildcard pattern for a stream,
// matching any robot id.
func StreamPattern(ns, stream string) string {
	return ns + "/" + stream + "/+"
}

// CommandTopic builds the directed command topic for a robot.
func CommandTopic(ns, robotID string) string {
	return Topic(ns, StreamCommands, robotID)
}

// AckTopic builds the command acknowledgment topic for a robot.
func AckTopic(ns, robotID string) string {
	return Topic(ns, StreamCommands, robotID) + "/ack"
}

// AckPattern matches acks from any robot.
func AckPattern(ns string) string {
	return ns + "/" + StreamCommands + "/+/ack"
}

// ParseTopic splits <ns>/<stream>/<robot_id>[...], returning the stream and
// robot id. ok is false for topics with fewer than three segments.
func ParseTopic(topic string) (stream, robotID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// IsAckTopic reports whether topic is a command ack topic.
func IsAckTopic(topic string) bool {
	parts := strings.Split(topic, "/")
	return len(parts) == 4 && parts[1] == StreamCommands && parts[3] == "ack"
}

// MatchPattern reports whether topic matches an MQTT filter with single-level
// (+) or trailing multi-level (#) wildcards.
func MatchPattern(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg == "+" {
			continue
		}
		if seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
