package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicBuilders(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "tonypi/sensors/tonypi-01", Topic("tonypi", StreamSensors, "tonypi-01"))
	assert.Equal(t, "tonypi/sensors/+", StreamPattern("tonypi", StreamSensors))
	assert.Equal(t, "tonypi/commands/tonypi-01", CommandTopic("tonypi", "tonypi-01"))
	assert.Equal(t, "tonypi/commands/tonypi-01/ack", AckTopic("tonypi", "tonypi-01"))
	assert.Equal(t, "tonypi/commands/+/ack", AckPattern("tonypi"))
	assert.Equal(t, "tonypi/commands/broadcast", CommandTopic("tonypi", BroadcastID))
}

func TestParseTopic(t *testing.T) {
	t.Parallel()
	stream, robotID, ok := ParseTopic("tonypi/battery/tonypi-02")
	assert.True(t, ok)
	assert.Equal(t, StreamBattery, stream)
	assert.Equal(t, "tonypi-02", robotID)

	stream, robotID, ok = ParseTopic("tonypi/commands/tonypi-02/ack")
	assert.True(t, ok)
	assert.Equal(t, StreamCommands, stream)
	assert.Equal(t, "tonypi-02", robotID)

	_, _, ok = ParseTopic("tonypi/battery")
	assert.False(t, ok)
}

func TestIsAckTopic(t *testing.T) {
	t.Parallel()
	assert.True(t, IsAckTopic("tonypi/commands/tonypi-01/ack"))
	assert.False(t, IsAckTopic("tonypi/commands/tonypi-01"))
	assert.False(t, IsAckTopic("tonypi/sensors/tonypi-01/ack"))
	assert.False(t, IsAckTopic("tonypi/commands/tonypi-01/ack/extra"))
}

func TestMatchPattern(t *testing.T) {
	t.Parallel()
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"tonypi/sensors/+", "tonypi/sensors/tonypi-01", true},
		{"tonypi/sensors/+", "tonypi/battery/tonypi-01", false},
		{"tonypi/sensors/+", "tonypi/sensors/tonypi-01/extra", false},
		{"tonypi/commands/+/ack", "tonypi/commands/tonypi-01/ack", true},
		{"tonypi/commands/+/ack", "tonypi/commands/tonypi-01", false},
		{"tonypi/#", "tonypi/anything/at/all", true},
		{"tonypi/sensors/tonypi-01", "tonypi/sensors/tonypi-01", true},
		{"tonypi/sensors/tonypi-01", "tonypi/sensors/tonypi-02", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchPattern(c.pattern, c.topic), "%s vs %s", c.pattern, c.topic)
	}
}
