package sensor

import (
	"errors"
	"math"
	"testing"
)

func TestAverage(t *testing.T) {
	a := NewAverage(3)
	if a.Value() != 0 {
		t.Error("empty average should be zero")
	}
	a.Add(3)
	a.Add(6)
	if a.Value() != 4.5 {
		t.Errorf("partial average = %v, want 4.5", a.Value())
	}
	a.Add(9)
	a.Add(12)
	if a.Value() != 9 || a.Len() != 3 {
		t.Errorf("average = %v len %d, want 9 len 3", a.Value(), a.Len())
	}
}

func TestWindowPercent(t *testing.T) {
	w := DefaultWindowVolts
	tests := []struct {
		v, want float64
	}{
		{0.15, 0},
		{3.0, 100},
		{1.575, 50},
		{0.0, 0},
		{4.0, 100},
	}
	for _, tt := range tests {
		if got := w.Percent(tt.v); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Percent(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestPositionSampling(t *testing.T) {
	volts := []float64{0.15, 3.0}
	i := 0
	p := NewPosition(func() (float64, error) {
		v := volts[i%len(volts)]
		i++
		return v, nil
	}, DefaultWindowVolts)
	for n := 0; n < 2; n++ {
		if err := p.Sample(); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.Position(); got != 50 {
		t.Errorf("position = %v, want 50", got)
	}
}

func TestSampleError(t *testing.T) {
	c := NewCurrent(func() (float64, error) { return 0, errors.New("bus") }, nil)
	if err := c.Sample(); err == nil {
		t.Error("expected error")
	}
	if c.Current() != 0 {
		t.Error("failed sample must not change value")
	}
}
