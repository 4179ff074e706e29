package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/agrofert/agrofert/controller/modules/dispenser"
	"github.com/agrofert/agrofert/controller/telemetry"
)

type AuthSettings struct {
	Enable       bool   `yaml:"enable"`
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
	SessionKey   string `yaml:"session_key"`
}

type HTTPSettings struct {
	Address string       `yaml:"address"`
	Auth    AuthSettings `yaml:"auth"`
}

// ChannelPins maps one outlet onto the PCA9685 outputs and ADS1115 inputs.
type ChannelPins struct {
	PWM      int `yaml:"pwm"`
	INA      int `yaml:"ina"`
	INB      int `yaml:"inb"`
	SEL      int `yaml:"sel"`
	Position int `yaml:"position"`
	Current  int `yaml:"current"`
}

type HardwareSettings struct {
	ADCAddress   byte        `yaml:"adc_address"`
	PWMAddress   byte        `yaml:"pwm_address"`
	PWMFrequency int         `yaml:"pwm_frequency"`
	ClosedVolts  float64     `yaml:"closed_volts"`
	OpenVolts    float64     `yaml:"open_volts"`
	Left         ChannelPins `yaml:"left"`
	Right        ChannelPins `yaml:"right"`
}

type GPSSettings struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type DispenserSettings struct {
	TopicPrefix    string        `yaml:"topic_prefix"`
	FlowExpression string        `yaml:"flow_expression"`
	PersistRule    string        `yaml:"persist_rule"`
	PruneSpec      string        `yaml:"prune_spec"`
	Retention      time.Duration `yaml:"retention"`
	HomingTimeout  time.Duration `yaml:"homing_timeout"`
}

// Settings is the daemon configuration file. Operator settings live in the
// database instead.
type Settings struct {
	Database  string            `yaml:"database"`
	DevMode   bool              `yaml:"dev_mode"`
	HTTP      HTTPSettings      `yaml:"http"`
	Telemetry telemetry.Config  `yaml:"telemetry"`
	Hardware  HardwareSettings  `yaml:"hardware"`
	GPS       GPSSettings       `yaml:"gps"`
	Dispenser DispenserSettings `yaml:"dispenser"`
}

var DefaultSettings = Settings{
	Database: "agrofert.db",
	HTTP: HTTPSettings{
		Address: "0.0.0.0:8080",
	},
	Telemetry: telemetry.Config{
		MQTT: telemetry.MQTTConfig{
			ClientID: "agrofert",
			QoS:      1,
		},
		Prometheus: true,
	},
	Hardware: HardwareSettings{
		ADCAddress:   0x48,
		PWMAddress:   0x40,
		PWMFrequency: 1000,
		ClosedVolts:  0.15,
		OpenVolts:    3.0,
		Left:         ChannelPins{PWM: 0, INA: 1, INB: 2, SEL: 3, Position: 0, Current: 1},
		Right:        ChannelPins{PWM: 4, INA: 5, INB: 6, SEL: 7, Position: 2, Current: 3},
	},
	GPS: GPSSettings{
		Port: "/dev/ttyS0",
		Baud: 9600,
	},
	Dispenser: DispenserSettings{
		PersistRule:   dispenser.DefaultPersistRule,
		PruneSpec:     dispenser.DefaultPrune,
		Retention:     90 * 24 * time.Hour,
		HomingTimeout: dispenser.DefaultHomingTimeout,
	},
}

// ParseSettings reads a YAML file over the defaults.
func ParseSettings(path string) (Settings, error) {
	s := DefaultSettings
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if s.Database == "" {
		return fmt.Errorf("database path is empty")
	}
	if s.HTTP.Auth.Enable && (s.HTTP.Auth.User == "" || s.HTTP.Auth.PasswordHash == "") {
		return fmt.Errorf("auth enabled without user or password hash")
	}
	if s.DevMode {
		return nil
	}
	h := s.Hardware
	if h.OpenVolts <= h.ClosedVolts {
		return fmt.Errorf("open volts %.2f must exceed closed volts %.2f", h.OpenVolts, h.ClosedVolts)
	}
	if h.PWMFrequency <= 0 || h.PWMFrequency > 1500 {
		return fmt.Errorf("pca9685 frequency %d out of range (1-1500)", h.PWMFrequency)
	}
	seen := make(map[int]string)
	for name, pins := range map[string]ChannelPins{"left": h.Left, "right": h.Right} {
		for pin, n := range map[string]int{"pwm": pins.PWM, "ina": pins.INA, "inb": pins.INB, "sel": pins.SEL} {
			if n < 0 || n > 15 {
				return fmt.Errorf("%s %s: pca9685 channel %d out of range", name, pin, n)
			}
			if other, ok := seen[n]; ok {
				return fmt.Errorf("%s %s: pca9685 channel %d already used by %s", name, pin, n, other)
			}
			seen[n] = name + " " + pin
		}
		if pins.Position < 0 || pins.Position > 3 || pins.Current < 0 || pins.Current > 3 {
			return fmt.Errorf("%s: ads1115 input out of range", name)
		}
	}
	if s.GPS.Port == "" || s.GPS.Baud <= 0 {
		return fmt.Errorf("gps port and baud are required")
	}
	return nil
}

func (s DispenserSettings) options(devMode bool, hostname string) dispenser.Options {
	prefix := s.TopicPrefix
	if prefix == "" {
		prefix = dispenser.DefaultPrefix + "/" + hostname
	}
	return dispenser.Options{
		DevMode:        devMode,
		TopicPrefix:    prefix,
		PersistRule:    s.PersistRule,
		PruneSpec:      s.PruneSpec,
		Retention:      s.Retention,
		FlowExpression: s.FlowExpression,
		HomingTimeout:  s.HomingTimeout,
	}
}
