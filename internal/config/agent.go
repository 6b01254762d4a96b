package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// AgentConfig holds robot-agent configuration parsed from environment
// variables, optionally overlaid by a YAML intervals file.
type AgentConfig struct {
	RobotID        string `env:"ROBOT_ID,required"`
	RobotName      string `env:"ROBOT_NAME"`
	BrokerURL      string `env:"MQTT_BROKER_URL" envDefault:"tcp://localhost:1883"`
	BrokerUsername string `env:"MQTT_USERNAME"`
	BrokerPassword string `env:"MQTT_PASSWORD"`
	Namespace      string `env:"MQTT_NAMESPACE" envDefault:"tonypi"`

	// Task intervals
	StatusInterval    time.Duration `env:"STATUS_INTERVAL" envDefault:"5s"`
	SensorInterval    time.Duration `env:"SENSOR_INTERVAL" envDefault:"1s"`
	ServoInterval     time.Duration `env:"SERVO_INTERVAL" envDefault:"5s"`
	BatteryInterval   time.Duration `env:"BATTERY_INTERVAL" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	VisionPoll        time.Duration `env:"VISION_POLL" envDefault:"500ms"`

	// Outbound queue
	OutboundQueueSize int `env:"OUTBOUND_QUEUE_SIZE" envDefault:"256"`

	// Backoff for broker reconnect
	BackoffInitial    time.Duration `env:"BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX" envDefault:"120s"`
	BackoffJitterFrac float64       `env:"BACKOFF_JITTER_FRAC" envDefault:"0.2"`

	// IntervalsFile optionally points at a YAML file overriding task
	// intervals, e.g. {status: 2s, sensors: 500ms}.
	IntervalsFile string `env:"INTERVALS_FILE"`
}

type intervalOverrides struct {
	Status    duration `yaml:"status"`
	Sensors   duration `yaml:"sensors"`
	Servos    duration `yaml:"servos"`
	Battery   duration `yaml:"battery"`
	Heartbeat duration `yaml:"heartbeat"`
	Vision    duration `yaml:"vision"`
}

// duration accepts Go duration strings ("2s", "500ms") in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// LoadAgent parses environment variables into an AgentConfig and applies the
// intervals file when configured.
func LoadAgent() (AgentConfig, error) {
	var cfg AgentConfig
	if err := env.Parse(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("op=config.LoadAgent: %w", err)
	}
	if cfg.IntervalsFile != "" {
		if err := cfg.applyIntervalsFile(cfg.IntervalsFile); err != nil {
			return AgentConfig{}, err
		}
	}
	return cfg, nil
}

func (c *AgentConfig) applyIntervalsFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=config.applyIntervalsFile: %w", err)
	}
	var ov intervalOverrides
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return fmt.Errorf("op=config.applyIntervalsFile: %w", err)
	}
	if ov.Status > 0 {
		c.StatusInterval = time.Duration(ov.Status)
	}
	if ov.Sensors > 0 {
		c.SensorInterval = time.Duration(ov.Sensors)
	}
	if ov.Servos > 0 {
		c.ServoInterval = time.Duration(ov.Servos)
	}
	if ov.Battery > 0 {
		c.BatteryInterval = time.Duration(ov.Battery)
	}
	if ov.Heartbeat > 0 {
		c.HeartbeatInterval = time.Duration(ov.Heartbeat)
	}
	if ov.Vision > 0 {
		c.VisionPoll = time.Duration(ov.Vision)
	}
	return nil
}
