package daemon

import (
	"context"
	"fmt"
	"log"

	"github.com/reef-pi/drivers/ads1x15"
	"github.com/reef-pi/drivers/pca9685"
	"github.com/reef-pi/hal"
	"github.com/reef-pi/rpi/i2c"

	"github.com/agrofert/agrofert/controller/drivers/gps"
	"github.com/agrofert/agrofert/controller/drivers/sensor"
	"github.com/agrofert/agrofert/controller/drivers/sim"
	"github.com/agrofert/agrofert/controller/drivers/vnh7070as"
	"github.com/agrofert/agrofert/controller/modules/dispenser"
)

// ADS1115 inputs run at gain "1", a 4.096 V full scale over 15 bits.
const (
	adcGain      = "1"
	adcFullScale = 4.096
	adcCounts    = 32768.0
)

// Swapped in tests.
var openBus = func() (i2c.Bus, error) { return i2c.New() }

// Hardware is the set of drivers handed to the dispenser.
type Hardware struct {
	Left, Right dispenser.Hardware
	GPS         dispenser.PositionProvider

	run    func(context.Context)
	motors []*vnh7070as.Motor
	pwm    hal.Driver
	bus    i2c.Bus
}

// NewHardware opens the I2C bus and builds both channels, or returns
// simulated drivers in dev mode.
func NewHardware(s Settings) (*Hardware, error) {
	if s.DevMode {
		log.Println("hardware: dev mode, using simulated actuators and gps")
		return simHardware(), nil
	}
	bus, err := openBus()
	if err != nil {
		return nil, fmt.Errorf("open i2c bus: %w", err)
	}
	h, err := busHardware(bus, s)
	if err != nil {
		bus.Close()
		return nil, err
	}
	receiver := gps.NewReceiver(s.GPS.Port, s.GPS.Baud)
	h.GPS = receiver
	h.run = receiver.Run
	return h, nil
}

func simHardware() *Hardware {
	ch := func() dispenser.Hardware {
		a := sim.NewActuator()
		return dispenser.Hardware{Actuator: a, Position: a, Current: a, Stall: vnh7070as.NewStallDetector()}
	}
	return &Hardware{Left: ch(), Right: ch(), GPS: sim.NewGPS(dispenser.DefaultSimSpeed)}
}

func busHardware(bus i2c.Bus, s Settings) (*Hardware, error) {
	hs := s.Hardware
	adc, err := ads1x15.Ads1115Factory().NewDriver(map[string]interface{}{
		"Address": int(hs.ADCAddress),
		"Gain 1":  adcGain,
		"Gain 2":  adcGain,
		"Gain 3":  adcGain,
		"Gain 4":  adcGain,
	}, bus)
	if err != nil {
		return nil, fmt.Errorf("ads1115: %w", err)
	}
	d, err := pca9685.Factory().NewDriver(map[string]interface{}{
		"Address":   int(hs.PWMAddress),
		"Frequency": hs.PWMFrequency,
	}, bus)
	if err != nil {
		return nil, fmt.Errorf("pca9685: %w", err)
	}
	h := &Hardware{bus: bus, pwm: d}
	inputs := adc.(hal.AnalogInputDriver)
	pwm := d.(hal.PWMDriver)
	window := sensor.Window{Closed: hs.ClosedVolts, Open: hs.OpenVolts}
	for _, c := range []struct {
		pins ChannelPins
		hw   *dispenser.Hardware
	}{{hs.Left, &h.Left}, {hs.Right, &h.Right}} {
		motor, err := newMotor(pwm, c.pins)
		if err != nil {
			return nil, err
		}
		pos, err := inputs.AnalogInputPin(c.pins.Position)
		if err != nil {
			return nil, err
		}
		cur, err := inputs.AnalogInputPin(c.pins.Current)
		if err != nil {
			return nil, err
		}
		*c.hw = dispenser.Hardware{
			Actuator: motor,
			Position: sensor.NewPosition(volts(pos), window),
			Current:  sensor.NewCurrent(volts(cur), vnh7070as.SenseCurrent),
			Stall:    vnh7070as.NewStallDetector(),
		}
		h.motors = append(h.motors, motor)
	}
	return h, nil
}

// volts reads pin and converts the conversion result to volts.
func volts(pin hal.AnalogInputPin) func() (float64, error) {
	return func() (float64, error) {
		v, err := pin.Value()
		if err != nil {
			return 0, err
		}
		return v * adcFullScale / adcCounts, nil
	}
}

func newMotor(pwm hal.PWMDriver, pins ChannelPins) (*vnh7070as.Motor, error) {
	var chans [4]hal.PWMChannel
	for i, n := range []int{pins.PWM, pins.INA, pins.INB, pins.SEL} {
		c, err := pwm.PWMChannel(n)
		if err != nil {
			return nil, err
		}
		chans[i] = c
	}
	return vnh7070as.New(chans[0], chans[1], chans[2], chans[3]), nil
}

// Run blocks serving the GPS receiver, if any, until ctx ends.
func (h *Hardware) Run(ctx context.Context) {
	if h.run != nil {
		h.run(ctx)
	}
}

// Close stops both motors and releases the bus.
func (h *Hardware) Close() error {
	for _, m := range h.motors {
		if err := m.Stop(); err != nil {
			log.Println("hardware: stop motor:", err)
		}
	}
	if h.pwm != nil {
		if err := h.pwm.Close(); err != nil {
			log.Println("hardware: close pca9685:", err)
		}
	}
	if h.bus == nil {
		return nil
	}
	return h.bus.Close()
}
