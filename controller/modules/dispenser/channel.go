package dispenser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/agrofert/agrofert/controller/drivers/gps"
)

const (
	SquareMetersPerDaa = 1000.0
	KmhToMps           = 1000.0 / 3600.0

	// settleThreshold is the PI error, in percent of stroke, above which
	// the flow counts as not settled.
	settleThreshold = 2.0
	// flowDeadband is the position below which the valve is treated as shut.
	flowDeadband = 0.5

	AlignSpeed    = 50
	homeTolerance = 1.0
	homingPoll    = 100 * time.Millisecond
)

var ErrHomingTimeout = errors.New("homing timeout")

type ChannelID int

const (
	Left ChannelID = iota
	Right
)

func (id ChannelID) String() string {
	if id == Left {
		return "left"
	}
	return "right"
}

func ParseChannel(s string) (ChannelID, error) {
	switch s {
	case "left", "0":
		return Left, nil
	case "right", "1":
		return Right, nil
	}
	return Left, fmt.Errorf("unknown channel %q", s)
}

type ActuatorDriver interface {
	SetSpeed(duty int) error
}

type PositionSensor interface {
	Sample() error
	Position() float64
}

type CurrentSensor interface {
	Sample() error
	Current() float64
}

type StallDetector interface {
	Check(amps float64) bool
	Stuck() bool
	Reset()
}

// Hardware is everything a channel drives or reads. Current and Stall are
// optional.
type Hardware struct {
	Actuator ActuatorDriver
	Position PositionSensor
	Current  CurrentSensor
	Stall    StallDetector
}

// FlowEstimator derives the delivered flow per minute from the measured
// actuator position.
type FlowEstimator func(position, coefficient float64) float64

// LinearFlow inverts the target position formula.
func LinearFlow(position, coefficient float64) float64 {
	if coefficient <= 0 || position < flowDeadband {
		return 0
	}
	return position / coefficient * 60
}

// Inputs is what the supervisory tick knows about the vehicle.
type Inputs struct {
	SpeedKmh    float64
	Fix         gps.Fix
	FromGPS     bool
	MinSpeedKmh float64
	Heartbeat   int
}

func (in Inputs) SpeedMps() float64 { return in.SpeedKmh * KmhToMps }

type TaskSummary struct {
	Channel ChannelID       `json:"channel"`
	Started time.Time       `json:"started"`
	Ended   time.Time       `json:"ended"`
	Metrics MetricsSnapshot `json:"metrics"`
	Flags   Flags           `json:"flags"`
}

// Listener receives channel events. Calls arrive from the tick goroutines
// and must not block.
type Listener interface {
	FaultsReported(ch ChannelID, flags Flags)
	TaskEnded(s TaskSummary)
	StatusRefreshed(s Status)
	HardwareFault(ch ChannelID, err error)
}

type nopListener struct{}

func (nopListener) FaultsReported(ChannelID, Flags) {}
func (nopListener) TaskEnded(TaskSummary)           {}
func (nopListener) StatusRefreshed(Status)          {}
func (nopListener) HardwareFault(ChannelID, error)  {}

// Channel is one actuated outlet with its own task, PI loop and faults.
type Channel struct {
	id       ChannelID
	task     *Task
	pi       *PI
	hw       Hardware
	listener Listener
	estimate FlowEstimator
	sweep    sweep

	rateDaa float64
	rateMin float64
	coeff   float64
	width   float64

	target      float64
	position    float64
	realFlowMin float64
	speedMps    float64

	lowSpeed    bool
	settleCount int
	beatCount   int
	prevFlags   Flags
	startedAt   time.Time

	homing      atomic.Bool
	homeRequest atomic.Bool
}

func NewChannel(id ChannelID, hw Hardware, tank *Tank, l Listener) *Channel {
	if l == nil {
		l = nopListener{}
	}
	c := &Channel{
		id:       id,
		task:     NewTask(id.String(), tank),
		pi:       NewPI(DefaultKp, DefaultKi, ControlPeriod),
		hw:       hw,
		listener: l,
		estimate: LinearFlow,
		coeff:    DefaultFlowCoeff,
	}
	c.task.OnTransition(c.transitioned)
	return c
}

func (c *Channel) transitioned(from, to State) {
	if isActive(from) != isActive(to) || from == SelfTest || to == SelfTest {
		c.pi.Reset()
	}
	if to != Paused {
		c.lowSpeed = false
	}
	switch to {
	case Idle, Paused:
		c.homeRequest.Store(true)
	case SelfTest:
		c.sweep.start()
	case Running:
		if from == Idle {
			c.settleCount = 0
			c.startedAt = time.Now()
			if c.hw.Stall != nil {
				c.hw.Stall.Reset()
			}
		}
	}
	if to == Idle && from != SelfTest {
		c.listener.TaskEnded(TaskSummary{
			Channel: c.id,
			Started: c.startedAt,
			Ended:   time.Now(),
			Metrics: c.task.Metrics().Snapshot(),
			Flags:   c.task.Errors().Flags(),
		})
	}
}

func (c *Channel) ID() ChannelID { return c.id }
func (c *Channel) Task() *Task   { return c.task }
func (c *Channel) PI() *PI       { return c.pi }

func (c *Channel) SetFlowEstimator(fn FlowEstimator) {
	if fn == nil {
		fn = LinearFlow
	}
	c.estimate = fn
}

// SetTargetRatePerDaa sets the area based target. It clears the per-minute
// target since only one mode is in force.
func (c *Channel) SetTargetRatePerDaa(v float64) error {
	if v < 0 || math.IsNaN(v) {
		return fmt.Errorf("invalid rate %v", v)
	}
	c.rateDaa = v
	if v > 0 {
		c.rateMin = 0
	}
	return nil
}

func (c *Channel) SetTargetRatePerMin(v float64) error {
	if v < 0 || math.IsNaN(v) {
		return fmt.Errorf("invalid rate %v", v)
	}
	c.rateMin = v
	if v > 0 {
		c.rateDaa = 0
	}
	return nil
}

func (c *Channel) SetFlowCoefficient(v float64) error {
	if v <= 0 || math.IsNaN(v) {
		return fmt.Errorf("invalid flow coefficient %v", v)
	}
	c.coeff = v
	return nil
}

func (c *Channel) SetBoomWidth(v float64) error {
	if v < 0 || math.IsNaN(v) {
		return fmt.Errorf("invalid boom width %v", v)
	}
	c.width = v
	return nil
}

func (c *Channel) TargetRatePerDaa() float64 { return c.rateDaa }
func (c *Channel) TargetRatePerMin() float64 { return c.rateMin }
func (c *Channel) FlowCoefficient() float64  { return c.coeff }
func (c *Channel) BoomWidth() float64        { return c.width }
func (c *Channel) LowSpeedLatched() bool     { return c.lowSpeed }
func (c *Channel) RealFlowPerMin() float64   { return c.realFlowMin }

func (c *Channel) HasTarget() bool {
	return c.rateDaa > 0 || c.rateMin > 0
}

// RealFlowPerDaa converts the measured flow back into an application rate
// at the current ground speed.
func (c *Channel) RealFlowPerDaa() float64 {
	areaPerSec := c.speedMps * c.width
	if areaPerSec <= 0 {
		return 0
	}
	return c.realFlowMin / 60 / areaPerSec * SquareMetersPerDaa
}

// TargetPosition is the actuator position for the configured rate at
// speedMps. A channel without width or rate stays shut.
func (c *Channel) TargetPosition(speedMps float64) float64 {
	if c.width <= 0 || !c.HasTarget() {
		return 0
	}
	flowPerSec := c.rateMin / 60
	if c.rateDaa > 0 {
		flowPerSec = c.rateDaa / SquareMetersPerDaa * speedMps * c.width
	}
	return clamp(flowPerSec*c.coeff, PositionMin, PositionMax)
}

// ApplyPIControl runs one control period. It only touches memory and the
// actuator registers.
func (c *Channel) ApplyPIControl(speedMps float64) {
	if c.homing.Load() {
		return
	}
	c.speedMps = speedMps
	c.position = c.hw.Position.Position()
	switch {
	case c.task.State() == SelfTest:
		t, done := c.sweep.next()
		c.target = t
		if done {
			c.task.SetState(Idle)
		}
	case c.task.IsPassive():
		c.target = 0
	default:
		c.target = c.TargetPosition(speedMps)
	}
	c.pi.Compute(c.target, c.position)
	if c.pi.OutputChanged() {
		if err := c.hw.Actuator.SetSpeed(c.pi.Command()); err != nil {
			c.task.Errors().Set(HardwareFault)
		}
	}
}

// UpdateMetrics books one second of work. It is a no-op unless the task is
// active.
func (c *Channel) UpdateMetrics(in Inputs) {
	if !c.task.IsActive() {
		return
	}
	m := c.task.Metrics()
	errs := c.task.Errors()
	speedMps := in.SpeedMps()
	c.speedMps = speedMps
	c.realFlowMin = c.estimate(c.position, c.coeff)

	boomOK := c.width > 0
	speedOK := in.SpeedKmh >= in.MinSpeedKmh
	if boomOK && speedOK && c.realFlowMin > 0 {
		m.IncreaseDistance(speedMps)
		m.IncreaseArea(speedMps * c.width)
		m.IncrementDuration()
		m.ApplyFlowSlice(c.realFlowMin)
		errs.Clear(InsufficientFlow)
		if math.Abs(c.pi.LastError()) > settleThreshold {
			c.settleCount++
			if c.settleCount >= in.Heartbeat {
				errs.Set(FlowNotSettled)
				c.settleCount = 0
			}
		} else {
			errs.Clear(FlowNotSettled)
			c.settleCount = 0
		}
	} else {
		c.settleCount = 0
		errs.Clear(FlowNotSettled)
		errs.Assign(InsufficientFlow, boomOK && speedOK && c.HasTarget())
	}

	errs.Assign(TankEmpty, m.Tank().Level() <= 0)
	errs.Assign(NoSatellite, in.Fix.Satellites < gps.MinSatellites)
	if in.FromGPS {
		errs.Assign(InvalidFixQuality, in.Fix.Satellites >= gps.MinSatellites && !in.Fix.QualityValid())
		errs.Assign(InvalidLocation, !in.Fix.LocationValid)
		errs.Assign(InvalidSpeed, !in.Fix.SpeedValid)
	}
}

// CheckLowSpeedState pauses an active task when the vehicle is too slow and
// resumes it once speed recovers.
func (c *Channel) CheckLowSpeedState(in Inputs) {
	if !c.HasTarget() {
		return
	}
	slow := in.MinSpeedKmh > 0 && in.SpeedKmh < in.MinSpeedKmh
	switch {
	case slow && c.task.IsActive():
		if c.task.SetState(Paused) {
			log.Printf("dispenser: %s: speed %.1f km/h below %.1f, pausing", c.id, in.SpeedKmh, in.MinSpeedKmh)
			c.lowSpeed = true
		}
	case !slow && c.lowSpeed && c.task.State() == Paused:
		if c.task.SetState(Resuming) {
			log.Printf("dispenser: %s: speed recovered, resuming", c.id)
			c.lowSpeed = false
		}
	}
}

// ReportErrorFlags pushes the fault mask every heartbeat seconds, and at
// once when the channel becomes fault free.
func (c *Channel) ReportErrorFlags(heartbeat int) {
	flags := c.task.Errors().Flags()
	c.beatCount++
	if (flags == 0 && c.prevFlags != 0) || c.beatCount >= heartbeat {
		c.listener.FaultsReported(c.id, flags)
		c.beatCount = 0
	}
	c.prevFlags = flags
}

// CheckStall feeds the filtered motor current to the stall detector. A new
// stall raises ActuatorStuck and pauses the task.
func (c *Channel) CheckStall() bool {
	if c.hw.Stall == nil || c.hw.Current == nil || c.homing.Load() {
		return false
	}
	was := c.hw.Stall.Stuck()
	stuck := c.hw.Stall.Check(c.hw.Current.Current())
	if !stuck {
		return false
	}
	c.task.Errors().Set(ActuatorStuck)
	if !was {
		log.Printf("dispenser: %s: actuator stuck at %.2f A", c.id, c.hw.Current.Current())
		if c.task.IsActive() {
			c.task.SetState(Paused)
		}
	}
	return true
}

// sample refreshes the filtered sensor readings.
func (c *Channel) sample() error {
	if err := c.hw.Position.Sample(); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if c.hw.Current != nil {
		if err := c.hw.Current.Sample(); err != nil {
			return fmt.Errorf("current: %w", err)
		}
	}
	return nil
}

// home drives the actuator to the closed end and waits for the position
// feedback to confirm it, giving up after timeout.
func (c *Channel) home(ctx context.Context, timeout time.Duration) error {
	if err := c.hw.Actuator.SetSpeed(-AlignSpeed); err != nil {
		return err
	}
	defer c.hw.Actuator.SetSpeed(0)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(homingPoll)
	defer poll.Stop()
	for {
		if err := c.hw.Position.Sample(); err != nil {
			return err
		}
		pos := c.hw.Position.Position()
		if pos <= homeTolerance {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s at %.1f%%", ErrHomingTimeout, timeout, pos)
		case <-poll.C:
		}
	}
}

type ChannelStatus struct {
	Channel     string          `json:"channel"`
	State       string          `json:"state"`
	Flags       Flags           `json:"flags"`
	Codes       string          `json:"codes"`
	RateDaa     float64         `json:"rate_daa"`
	RateMin     float64         `json:"rate_min"`
	RealDaa     float64         `json:"real_daa"`
	RealMin     float64         `json:"real_min"`
	Coefficient float64         `json:"flow_coeff"`
	BoomWidth   float64         `json:"boom_width"`
	Target      float64         `json:"target"`
	Position    float64         `json:"position"`
	Output      float64         `json:"output"`
	PIError     float64         `json:"pi_error"`
	Current     float64         `json:"current"`
	LowSpeed    bool            `json:"low_speed"`
	Stuck       bool            `json:"stuck"`
	Homing      bool            `json:"homing"`
	Metrics     MetricsSnapshot `json:"metrics"`
}

func (c *Channel) Status() ChannelStatus {
	s := ChannelStatus{
		Channel:     c.id.String(),
		State:       c.task.State().String(),
		Flags:       c.task.Errors().Flags(),
		Codes:       c.task.Errors().Flags().String(),
		RateDaa:     c.rateDaa,
		RateMin:     c.rateMin,
		RealDaa:     c.RealFlowPerDaa(),
		RealMin:     c.realFlowMin,
		Coefficient: c.coeff,
		BoomWidth:   c.width,
		Target:      c.target,
		Position:    c.position,
		Output:      c.pi.Output(),
		PIError:     c.pi.LastError(),
		LowSpeed:    c.lowSpeed,
		Homing:      c.homing.Load(),
		Metrics:     c.task.Metrics().Snapshot(),
	}
	if c.hw.Current != nil {
		s.Current = c.hw.Current.Current()
	}
	if c.hw.Stall != nil {
		s.Stuck = c.hw.Stall.Stuck()
	}
	return s
}
