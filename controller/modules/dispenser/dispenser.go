package dispenser

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agrofert/agrofert/controller/drivers/gps"
)

const (
	ControlPeriod     = 100 * time.Millisecond
	SupervisoryPeriod = time.Second

	DefaultHomingTimeout = 4 * time.Second
)

type SpeedSource string

const (
	SpeedGPS SpeedSource = "gps"
	SpeedSim SpeedSource = "sim"
)

func ParseSpeedSource(s string) (SpeedSource, error) {
	switch SpeedSource(strings.ToLower(s)) {
	case SpeedGPS:
		return SpeedGPS, nil
	case SpeedSim:
		return SpeedSim, nil
	}
	return "", fmt.Errorf("unknown speed source %q", s)
}

// Settings are shared by both channels.
type Settings struct {
	SpeedSource SpeedSource `json:"speed_source"`
	SimSpeed    float64     `json:"sim_speed"`
	MinSpeed    float64     `json:"min_speed"`
	AutoRefresh int         `json:"auto_refresh"`
	Heartbeat   int         `json:"heartbeat"`
}

// PositionProvider supplies the current GPS fix.
type PositionProvider interface {
	Fix() gps.Fix
}

type Status struct {
	Time       time.Time       `json:"time"`
	Channels   []ChannelStatus `json:"channels"`
	TankLevel  float64         `json:"tank_level"`
	SpeedKmh   float64         `json:"speed_kmh"`
	Fix        gps.Fix         `json:"fix"`
	Settings   Settings        `json:"settings"`
	InWorkZone bool            `json:"in_work_zone"`
	Kp         float64         `json:"kp"`
	Ki         float64         `json:"ki"`
}

// Dispenser owns both channels, the shared tank and the three execution
// contexts: the control tick, the supervisory tick and the main loop.
// mu guards every channel; the ticks hold it only for their bounded
// computations and the main loop never holds it across I/O waits.
type Dispenser struct {
	mu         sync.Mutex
	channels   [2]*Channel
	tank       *Tank
	gps        PositionProvider
	listener   Listener
	settings   Settings
	speedKmh   float64
	speedMps   float64
	fix        gps.Fix
	inWorkZone bool
	refreshes  int

	control  *Flag
	refresh  *Flag
	requests chan func()

	homingTimeout time.Duration
	lastLoop      atomic.Int64
}

func NewDispenser(left, right Hardware, tank *Tank, pos PositionProvider, l Listener) *Dispenser {
	if l == nil {
		l = nopListener{}
	}
	d := &Dispenser{
		tank:          tank,
		gps:           pos,
		listener:      l,
		settings:      Settings{SpeedSource: SpeedGPS, SimSpeed: DefaultSimSpeed, MinSpeed: DefaultMinSpeed, AutoRefresh: DefaultAutoRefresh, Heartbeat: DefaultHeartbeat},
		control:       NewFlag(),
		refresh:       NewFlag(),
		requests:      make(chan func()),
		homingTimeout: DefaultHomingTimeout,
	}
	d.channels[Left] = NewChannel(Left, left, tank, l)
	d.channels[Right] = NewChannel(Right, right, tank, l)
	return d
}

func (d *Dispenser) Channel(id ChannelID) *Channel { return d.channels[id] }
func (d *Dispenser) Tank() *Tank                   { return d.tank }

// With runs fn while holding the channel lock.
func (d *Dispenser) With(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

func (d *Dispenser) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// SetSettings must be called with the channel lock held.
func (d *Dispenser) SetSettings(s Settings) {
	d.settings = s
	if s.SpeedSource == SpeedSim {
		d.speedKmh = s.SimSpeed
		d.speedMps = s.SimSpeed * KmhToMps
	}
}

// SetInWorkZone must be called with the channel lock held.
func (d *Dispenser) SetInWorkZone(v bool) { d.inWorkZone = v }

func (d *Dispenser) inputs() Inputs {
	in := Inputs{
		Fix:         d.gps.Fix(),
		FromGPS:     d.settings.SpeedSource == SpeedGPS,
		MinSpeedKmh: d.settings.MinSpeed,
		Heartbeat:   d.settings.Heartbeat,
	}
	switch {
	case !in.FromGPS:
		in.SpeedKmh = d.settings.SimSpeed
	case in.Fix.SpeedValid:
		in.SpeedKmh = in.Fix.SpeedKmh
	}
	return in
}

// ControlTick runs the PI loop of both channels and wakes the main loop.
func (d *Dispenser) ControlTick() {
	d.mu.Lock()
	for _, c := range d.channels {
		c.ApplyPIControl(d.speedMps)
	}
	d.mu.Unlock()
	d.control.Raise()
}

// SupervisoryTick runs the once a second task policy, metrics and fault
// reporting for both channels.
func (d *Dispenser) SupervisoryTick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	in := d.inputs()
	d.fix = in.Fix
	d.speedKmh = in.SpeedKmh
	d.speedMps = in.SpeedMps()
	for _, c := range d.channels {
		c.CheckLowSpeedState(in)
		c.UpdateMetrics(in)
		c.ReportErrorFlags(in.Heartbeat)
	}
	if d.settings.AutoRefresh <= 0 {
		return
	}
	d.refreshes++
	if d.refreshes >= d.settings.AutoRefresh {
		d.refreshes = 0
		d.refresh.Raise()
	}
}

// Run starts both tickers and runs the main loop until ctx is done.
func (d *Dispenser) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		every(ctx, ControlPeriod, d.ControlTick)
	}()
	go func() {
		defer wg.Done()
		every(ctx, SupervisoryPeriod, d.SupervisoryTick)
	}()
	for _, c := range d.channels {
		c.homeRequest.Store(true)
	}
	d.loop(ctx)
	wg.Wait()
	for _, c := range d.channels {
		if err := c.hw.Actuator.SetSpeed(0); err != nil {
			log.Printf("dispenser: %s: stop actuator: %v", c.id, err)
		}
	}
}

func every(ctx context.Context, period time.Duration, fn func()) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (d *Dispenser) loop(ctx context.Context) {
	for {
		d.lastLoop.Store(time.Now().UnixNano())
		select {
		case <-ctx.Done():
			return
		case <-d.control.C():
			d.deferredWork(ctx)
		case <-d.refresh.C():
			d.listener.StatusRefreshed(d.Status())
		case fn := <-d.requests:
			fn()
		}
	}
}

// deferredWork samples the sensors, checks for stalls and homes any
// channel that just went passive.
func (d *Dispenser) deferredWork(ctx context.Context) {
	for _, c := range d.channels {
		if c.homing.Load() {
			continue
		}
		err := c.sample()
		d.mu.Lock()
		if err != nil {
			c.task.Errors().Set(HardwareFault)
		} else {
			c.CheckStall()
		}
		d.mu.Unlock()
		if err != nil {
			d.listener.HardwareFault(c.id, err)
		}
	}
	for _, c := range d.channels {
		if c.homeRequest.Swap(false) {
			d.home(ctx, c)
		}
	}
}

func (d *Dispenser) home(ctx context.Context, c *Channel) {
	d.mu.Lock()
	c.homing.Store(true)
	d.mu.Unlock()

	err := c.home(ctx, d.homingTimeout)

	d.mu.Lock()
	c.homing.Store(false)
	if err != nil && ctx.Err() == nil {
		c.task.Errors().Set(HardwareFault)
	}
	d.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		log.Printf("dispenser: %s: homing failed: %v", c.id, err)
		d.listener.HardwareFault(c.id, err)
	}
}

// Do runs fn on the main loop and waits for it to finish.
func (d *Dispenser) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case d.requests <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether the main loop turned within maxAge.
func (d *Dispenser) Healthy(maxAge time.Duration) bool {
	last := d.lastLoop.Load()
	return last != 0 && time.Since(time.Unix(0, last)) <= maxAge
}

func (d *Dispenser) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status()
}

func (d *Dispenser) status() Status {
	kp, ki := d.channels[Left].pi.Gains()
	s := Status{
		Time:       time.Now(),
		TankLevel:  d.tank.Level(),
		SpeedKmh:   d.speedKmh,
		Fix:        d.fix,
		Settings:   d.settings,
		InWorkZone: d.inWorkZone,
		Kp:         kp,
		Ki:         ki,
	}
	for _, c := range d.channels {
		s.Channels = append(s.Channels, c.Status())
	}
	return s
}
