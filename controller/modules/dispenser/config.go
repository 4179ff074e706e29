package dispenser

import "fmt"

// Bucket is the DB bucket for the dispenser configuration.
const Bucket = "dispenser"

const (
	DefaultRatePerDaa  = 20.0
	DefaultRatePerMin  = 15.0
	DefaultFlowCoeff   = 1.0
	DefaultMinSpeed    = 1.0
	DefaultSimSpeed    = 1.0
	DefaultAutoRefresh = 4
	DefaultHeartbeat   = 25
	DefaultTankLevel   = 1000.0
	DefaultKp          = 25.0
	DefaultKi          = 4.0
	DefaultDeviceName  = "AgroFertilizer"
)

// ChannelConfig is the persisted setup of one outlet.
type ChannelConfig struct {
	RatePerDaa float64 `json:"rate_daa"`
	RatePerMin float64 `json:"rate_min"`
	FlowCoeff  float64 `json:"flow_coeff"`
	BoomWidth  float64 `json:"boom_width"`
}

// Config holds the operator settings. It is loaded at boot and saved
// whenever a command changes a value.
type Config struct {
	ID          string        `json:"id"`
	DeviceName  string        `json:"device_name"`
	SpeedSource SpeedSource   `json:"speed_source"`
	SimSpeed    float64       `json:"sim_speed"`
	MinSpeed    float64       `json:"min_speed"`
	AutoRefresh int           `json:"auto_refresh"`
	Heartbeat   int           `json:"heartbeat"`
	TankLevel   float64       `json:"tank_level"`
	Kp          float64       `json:"pi_kp"`
	Ki          float64       `json:"pi_ki"`
	Left        ChannelConfig `json:"left"`
	Right       ChannelConfig `json:"right"`
}

func DefaultConfig() Config {
	ch := ChannelConfig{
		RatePerDaa: DefaultRatePerDaa,
		RatePerMin: DefaultRatePerMin,
		FlowCoeff:  DefaultFlowCoeff,
	}
	return Config{
		ID:          "default",
		DeviceName:  DefaultDeviceName,
		SpeedSource: SpeedGPS,
		SimSpeed:    DefaultSimSpeed,
		MinSpeed:    DefaultMinSpeed,
		AutoRefresh: DefaultAutoRefresh,
		Heartbeat:   DefaultHeartbeat,
		TankLevel:   DefaultTankLevel,
		Kp:          DefaultKp,
		Ki:          DefaultKi,
		Left:        ch,
		Right:       ch,
	}
}

func (c *Config) Channel(id ChannelID) *ChannelConfig {
	if id == Left {
		return &c.Left
	}
	return &c.Right
}

func (c Config) Settings() Settings {
	return Settings{
		SpeedSource: c.SpeedSource,
		SimSpeed:    c.SimSpeed,
		MinSpeed:    c.MinSpeed,
		AutoRefresh: c.AutoRefresh,
		Heartbeat:   c.Heartbeat,
	}
}

func (c Config) Validate() error {
	if _, err := ParseSpeedSource(string(c.SpeedSource)); err != nil {
		return err
	}
	if c.SimSpeed < 0 || c.MinSpeed < 0 {
		return fmt.Errorf("speeds must be non-negative")
	}
	if c.Heartbeat < 1 {
		return fmt.Errorf("heartbeat must be at least 1 second")
	}
	if c.AutoRefresh < 1 {
		return fmt.Errorf("auto refresh must be at least 1 second")
	}
	if c.Kp < 0 || c.Ki < 0 {
		return fmt.Errorf("PI gains must be non-negative")
	}
	for _, id := range []ChannelID{Left, Right} {
		ch := c.Channel(id)
		if ch.RatePerDaa < 0 || ch.RatePerMin < 0 || ch.BoomWidth < 0 {
			return fmt.Errorf("%s: rate and boom width must be non-negative", id)
		}
		if ch.FlowCoeff <= 0 {
			return fmt.Errorf("%s: flow coefficient must be positive", id)
		}
	}
	return nil
}

// apply pushes the configuration into the running dispenser. The caller
// holds the channel lock.
func (c Config) apply(d *Dispenser) error {
	d.SetSettings(c.Settings())
	for _, id := range []ChannelID{Left, Right} {
		ch, cfg := d.Channel(id), c.Channel(id)
		ch.PI().SetGains(c.Kp, c.Ki)
		if err := ch.SetFlowCoefficient(cfg.FlowCoeff); err != nil {
			return err
		}
		if err := ch.SetBoomWidth(cfg.BoomWidth); err != nil {
			return err
		}
		ch.rateDaa, ch.rateMin = cfg.RatePerDaa, cfg.RatePerMin
	}
	return nil
}
