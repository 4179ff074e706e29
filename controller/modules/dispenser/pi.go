package dispenser

import (
	"math"
	"time"

	"golang.org/x/exp/constraints"
)

const (
	PositionMin = 0.0
	PositionMax = 100.0
	OutputMin   = -100.0
	OutputMax   = 100.0
)

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PI turns an actuator position setpoint into a signed motor command.
// The integral is re-clamped every step so Ki*integral never leaves the
// output range.
type PI struct {
	kp, ki   float64
	dt       float64
	min, max float64
	integral float64
	err      float64
	output   float64
	rounded  int
}

func NewPI(kp, ki float64, period time.Duration) *PI {
	return &PI{kp: kp, ki: ki, dt: period.Seconds(), min: OutputMin, max: OutputMax}
}

func (p *PI) SetGains(kp, ki float64) {
	p.kp, p.ki = kp, ki
}

func (p *PI) Gains() (kp, ki float64) {
	return p.kp, p.ki
}

func (p *PI) Compute(setpoint, measurement float64) float64 {
	sp := clamp(setpoint, PositionMin, PositionMax)
	pv := clamp(measurement, PositionMin, PositionMax)
	e := sp - pv
	p.integral += e * p.dt
	if p.ki != 0 {
		switch i := p.ki * p.integral; {
		case i > p.max:
			p.integral = p.max / p.ki
		case i < p.min:
			p.integral = p.min / p.ki
		}
	}
	p.err = e
	p.output = clamp(p.kp*e+p.ki*p.integral, p.min, p.max)
	return p.output
}

func (p *PI) Reset() {
	p.integral = 0
	p.err = 0
	p.output = 0
}

// OutputChanged reports whether the rounded output differs from the value
// seen at the previous call.
func (p *PI) OutputChanged() bool {
	r := p.Command()
	if r == p.rounded {
		return false
	}
	p.rounded = r
	return true
}

// Command is the output rounded to the actuator's integer duty.
func (p *PI) Command() int {
	return int(math.Round(p.output))
}

func (p *PI) LastError() float64 { return p.err }
func (p *PI) Output() float64    { return p.output }
func (p *PI) Integral() float64  { return p.integral }
