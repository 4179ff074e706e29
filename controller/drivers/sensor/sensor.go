// Package sensor smooths raw analog readings for the control loop.
package sensor

import (
	"math"
	"sync"
	"sync/atomic"
)

const DefaultWindow = 10

// Average is a fixed size moving average.
type Average struct {
	buf   []float64
	next  int
	count int
	sum   float64
}

func NewAverage(size int) *Average {
	if size < 1 {
		size = 1
	}
	return &Average{buf: make([]float64, size)}
}

func (a *Average) Add(v float64) {
	if a.count == len(a.buf) {
		a.sum -= a.buf[a.next]
	} else {
		a.count++
	}
	a.buf[a.next] = v
	a.sum += v
	a.next = (a.next + 1) % len(a.buf)
}

func (a *Average) Value() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func (a *Average) Len() int { return a.count }

// Input samples a reading function into a moving average. Sample is called
// by the slow loop; Value never blocks and returns the last average.
type Input struct {
	read  func() (float64, error)
	scale func(float64) float64
	mu    sync.Mutex
	avg   *Average
	last  atomic.Uint64
}

// NewInput wraps read. scale, if non-nil, converts each raw reading before
// averaging.
func NewInput(read func() (float64, error), scale func(float64) float64, window int) *Input {
	return &Input{read: read, scale: scale, avg: NewAverage(window)}
}

func (in *Input) Sample() error {
	v, err := in.read()
	if err != nil {
		return err
	}
	if in.scale != nil {
		v = in.scale(v)
	}
	in.mu.Lock()
	in.avg.Add(v)
	avg := in.avg.Value()
	in.mu.Unlock()
	in.last.Store(math.Float64bits(avg))
	return nil
}

func (in *Input) Value() float64 {
	return math.Float64frombits(in.last.Load())
}

// Window maps a voltage between closed and open to 0-100 percent.
type Window struct {
	Closed float64
	Open   float64
}

var DefaultWindowVolts = Window{Closed: 0.15, Open: 3.0}

func (w Window) Percent(v float64) float64 {
	span := w.Open - w.Closed
	if span == 0 {
		return 0
	}
	p := (v - w.Closed) / span * 100
	return math.Max(0, math.Min(100, p))
}

// Position adapts an Input reading actuator voltage to a percent position.
type Position struct{ *Input }

func NewPosition(read func() (float64, error), w Window) Position {
	return Position{NewInput(read, w.Percent, DefaultWindow)}
}

func (p Position) Position() float64 { return p.Value() }

// Current adapts an Input already scaled to amps.
type Current struct{ *Input }

func NewCurrent(read func() (float64, error), toAmps func(float64) float64) Current {
	return Current{NewInput(read, toAmps, DefaultWindow)}
}

func (c Current) Current() float64 { return c.Value() }
