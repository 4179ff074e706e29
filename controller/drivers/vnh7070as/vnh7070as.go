// Package vnh7070as drives an ST VNH7070AS H-bridge and detects actuator
// stalls from its current-sense output.
package vnh7070as

import (
	"fmt"
	"sync"

	"github.com/reef-pi/hal"
)

const (
	// Current sense divider and shunt on the driver board.
	senseDividerHigh = 4700.0
	senseDividerLow  = 1000.0
	senseShunt       = 0.010

	DefaultStallThreshold = 2.5
	DefaultStallSamples   = 5
)

// Motor is one H-bridge. Duty is signed: sign selects direction, magnitude
// selects the PWM duty in percent.
type Motor struct {
	pwm hal.PWMChannel
	ina hal.DigitalOutputPin
	inb hal.DigitalOutputPin
	sel hal.DigitalOutputPin
	mu  sync.Mutex
	cur int
}

func New(pwm hal.PWMChannel, ina, inb, sel hal.DigitalOutputPin) *Motor {
	return &Motor{pwm: pwm, ina: ina, inb: inb, sel: sel}
}

func (m *Motor) SetSpeed(duty int) error {
	if duty > 100 {
		duty = 100
	}
	if duty < -100 {
		duty = -100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var a, b bool
	switch {
	case duty > 0:
		a = true
	case duty < 0:
		b = true
	}
	if err := m.ina.Write(a); err != nil {
		return fmt.Errorf("vnh7070as: ina: %w", err)
	}
	if err := m.inb.Write(b); err != nil {
		return fmt.Errorf("vnh7070as: inb: %w", err)
	}
	if m.sel != nil && duty != 0 {
		if err := m.sel.Write(duty > 0); err != nil {
			return fmt.Errorf("vnh7070as: sel: %w", err)
		}
	}
	mag := duty
	if mag < 0 {
		mag = -mag
	}
	if err := m.pwm.Set(float64(mag)); err != nil {
		return fmt.Errorf("vnh7070as: pwm: %w", err)
	}
	m.cur = duty
	return nil
}

// Speed returns the last duty written.
func (m *Motor) Speed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Brake shorts the motor terminals (both inputs high).
func (m *Motor) Brake() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ina.Write(true); err != nil {
		return err
	}
	if err := m.inb.Write(true); err != nil {
		return err
	}
	m.cur = 0
	return m.pwm.Set(100)
}

func (m *Motor) Stop() error {
	return m.SetSpeed(0)
}

// SenseCurrent converts the voltage seen at the ADC into motor amps.
func SenseCurrent(volts float64) float64 {
	return volts * (senseDividerHigh + senseDividerLow) / senseDividerLow / senseShunt
}

// StallDetector latches once Samples consecutive readings reach Threshold.
type StallDetector struct {
	Threshold float64
	Samples   int
	count     int
	stuck     bool
}

func NewStallDetector() *StallDetector {
	return &StallDetector{Threshold: DefaultStallThreshold, Samples: DefaultStallSamples}
}

// Check feeds one current sample and returns the latched stuck state.
func (s *StallDetector) Check(amps float64) bool {
	if amps >= s.Threshold {
		s.count++
		if s.count >= s.Samples {
			s.stuck = true
		}
	} else {
		s.count = 0
	}
	return s.stuck
}

func (s *StallDetector) Stuck() bool { return s.stuck }
func (s *StallDetector) Count() int  { return s.count }

func (s *StallDetector) Reset() {
	s.count = 0
	s.stuck = false
}
