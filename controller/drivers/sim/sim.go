// Package sim provides a deterministic actuator plant and position fix for
// running the daemon without hardware.
package sim

import (
	"math"
	"sync"
	"time"

	"github.com/agrofert/agrofert/controller/drivers/gps"
)

const (
	// DefaultTravel is how many percent of stroke the actuator covers per
	// second at full duty.
	DefaultTravel = 40.0

	idleAmps  = 0.2
	runAmps   = 1.5
	stallAmps = 3.2
)

type Actuator struct {
	Travel float64
	mu     sync.Mutex
	pos    float64
	duty   int
	last   time.Time
	now    func() time.Time
}

func NewActuator() *Actuator {
	return &Actuator{Travel: DefaultTravel, now: time.Now}
}

func (a *Actuator) advance() {
	t := a.now()
	if !a.last.IsZero() {
		dt := t.Sub(a.last).Seconds()
		a.pos += float64(a.duty) / 100 * a.Travel * dt
		a.pos = math.Max(0, math.Min(100, a.pos))
	}
	a.last = t
}

func (a *Actuator) SetSpeed(duty int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advance()
	a.duty = duty
	return nil
}

func (a *Actuator) Sample() error {
	a.mu.Lock()
	a.advance()
	a.mu.Unlock()
	return nil
}

func (a *Actuator) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

// Current reports a stall-level current while driving into an end stop.
func (a *Actuator) Current() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.duty == 0:
		return idleAmps
	case a.duty > 0 && a.pos >= 100, a.duty < 0 && a.pos <= 0:
		return stallAmps
	}
	return idleAmps + runAmps*math.Abs(float64(a.duty))/100
}

// GPS reports a fixed, always valid position at a settable speed.
type GPS struct {
	mu       sync.Mutex
	speedKmh float64
	Lat, Lng float64
}

func NewGPS(speedKmh float64) *GPS {
	return &GPS{speedKmh: speedKmh, Lat: 39.9208, Lng: 32.8541}
}

func (g *GPS) SetSpeed(kmh float64) {
	g.mu.Lock()
	g.speedKmh = kmh
	g.mu.Unlock()
}

func (g *GPS) Fix() gps.Fix {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gps.Fix{
		SpeedKmh:      g.speedKmh,
		Lat:           g.Lat,
		Lng:           g.Lng,
		Satellites:    9,
		HDOP:          0.8,
		LocationValid: true,
		SpeedValid:    true,
		Updated:       time.Now(),
	}
}
