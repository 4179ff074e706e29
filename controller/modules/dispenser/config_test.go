package dispenser

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"speed source", func(c *Config) { c.SpeedSource = "radar" }, "speed source"},
		{"negative sim speed", func(c *Config) { c.SimSpeed = -1 }, "non-negative"},
		{"heartbeat", func(c *Config) { c.Heartbeat = 0 }, "heartbeat"},
		{"auto refresh", func(c *Config) { c.AutoRefresh = 0 }, "auto refresh"},
		{"gains", func(c *Config) { c.Ki = -2 }, "PI gains"},
		{"boom width", func(c *Config) { c.Right.BoomWidth = -3 }, "right"},
		{"coefficient", func(c *Config) { c.Left.FlowCoeff = 0 }, "left: flow coefficient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestConfigApply(t *testing.T) {
	r := newRig()
	c := DefaultConfig()
	c.Kp, c.Ki = 12, 3
	c.Left.BoomWidth = 18
	c.Right = ChannelConfig{RatePerMin: 40, FlowCoeff: 2.5}
	c.SpeedSource = SpeedSim
	var err error
	r.d.With(func() { err = c.apply(r.d) })
	if err != nil {
		t.Fatal(err)
	}
	if s := r.d.Settings(); s != c.Settings() {
		t.Errorf("settings = %+v", s)
	}
	s := r.d.Status()
	left, right := s.Channels[Left], s.Channels[Right]
	if left.RateDaa != DefaultRatePerDaa || left.BoomWidth != 18 {
		t.Errorf("left = %+v", left)
	}
	if right.RateDaa != 0 || right.RateMin != 40 || right.Coefficient != 2.5 {
		t.Errorf("right = %+v", right)
	}
	kp, ki := r.d.Channel(Right).PI().Gains()
	if kp != 12 || ki != 3 {
		t.Errorf("gains %v %v", kp, ki)
	}
}

func TestParseSchedule(t *testing.T) {
	start := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)
	rr, err := ParseSchedule(DefaultPersistRule, start)
	if err != nil {
		t.Fatal(err)
	}
	next := rr.After(start.Add(90*time.Second), false)
	if want := start.Add(2 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
	if _, err := ParseSchedule("", start); err == nil {
		t.Error("empty rule accepted")
	}
	if _, err := ParseSchedule("FREQ=FORTNIGHTLY", start); err == nil {
		t.Error("bad rule accepted")
	}
}

func TestStartSchedule(t *testing.T) {
	quit := make(chan struct{})
	defer close(quit)
	var n atomic.Int32
	if err := StartSchedule("FREQ=SECONDLY;INTERVAL=1", quit, func() { n.Add(1) }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "schedule", func() bool { return n.Load() > 0 })

	if err := StartSchedule("", quit, func() { t.Error("empty rule fired") }); err != nil {
		t.Error(err)
	}
	if err := StartSchedule("INTERVAL=x", quit, func() {}); err == nil {
		t.Error("bad rule accepted")
	}
}

func TestFlowExpression(t *testing.T) {
	fn, err := NewFlowExpression("position / coefficient * 60")
	if err != nil {
		t.Fatal(err)
	}
	for _, pos := range []float64{0, 0.2, 10, 55.5} {
		if got, want := fn(pos, 2), LinearFlow(pos, 2); !near(got, want) {
			t.Errorf("flow(%v) = %v, want %v", pos, got, want)
		}
	}
	if got := fn(20, 0); got != 0 {
		t.Errorf("division by zero gave %v", got)
	}

	quad, err := NewFlowExpression("(position - 60) * coefficient")
	if err != nil {
		t.Fatal(err)
	}
	if got := quad(30, 1); got != 0 {
		t.Errorf("negative flow gave %v", got)
	}
	if got := quad(70, 1.5); got != 15 {
		t.Errorf("flow = %v", got)
	}

	for _, expr := range []string{"position * speed", "position >", "position > 10", "'text'"} {
		if _, err := NewFlowExpression(expr); err == nil {
			t.Errorf("%q accepted", expr)
		}
	}
}
