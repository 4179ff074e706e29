package dispenser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agrofert/agrofert/controller/drivers/gps"
)

func TestControlTickRaisesFlag(t *testing.T) {
	r := newRig()
	r.d.ControlTick()
	if !r.d.control.Take() {
		t.Error("control tick did not wake the main loop")
	}
}

func TestSupervisoryRefresh(t *testing.T) {
	r := newRig()
	r.d.With(func() {
		s := r.d.settings
		s.AutoRefresh = 4
		r.d.SetSettings(s)
	})
	for i := 0; i < 3; i++ {
		r.d.SupervisoryTick()
	}
	if r.d.refresh.Take() {
		t.Fatal("refresh raised early")
	}
	r.d.SupervisoryTick()
	if !r.d.refresh.Take() {
		t.Fatal("refresh not raised after four ticks")
	}
}

func TestSpeedSources(t *testing.T) {
	r := newRig()
	r.gps.set(goodFix(12))
	r.d.SupervisoryTick()
	if s := r.d.Status(); s.SpeedKmh != 12 {
		t.Errorf("gps speed = %v", s.SpeedKmh)
	}

	r.gps.set(gps.Fix{SpeedKmh: 30})
	r.d.SupervisoryTick()
	if s := r.d.Status(); s.SpeedKmh != 0 {
		t.Errorf("invalid gps speed used: %v", s.SpeedKmh)
	}

	r.d.With(func() {
		s := r.d.settings
		s.SpeedSource, s.SimSpeed = SpeedSim, 7
		r.d.SetSettings(s)
	})
	r.d.SupervisoryTick()
	if s := r.d.Status(); s.SpeedKmh != 7 {
		t.Errorf("sim speed = %v", s.SpeedKmh)
	}
}

func TestBothChannelsShareTank(t *testing.T) {
	r := newRig()
	r.d.With(func() {
		for _, id := range []ChannelID{Left, Right} {
			c := r.d.Channel(id)
			c.SetTargetRatePerMin(60)
			c.SetBoomWidth(6)
			c.Task().SetState(Running)
		}
	})
	r.pos[Left].set(1)
	r.pos[Right].set(1)
	r.d.ControlTick()
	r.d.SupervisoryTick()
	// Each channel books 60 per minute for one second.
	if got := r.d.Tank().Level(); !near(got, 998) {
		t.Errorf("tank = %v", got)
	}
}

func TestRunHomesAndServesRequests(t *testing.T) {
	r := newRig()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.d.Run(ctx)
		close(done)
	}()

	ran := false
	if err := r.d.Do(ctx, func() { ran = true }); err != nil || !ran {
		t.Fatalf("Do = %v ran %v", err, ran)
	}
	waitFor(t, "homing", func() bool {
		return r.act[Left].count() > 0 && r.act[Right].count() > 0
	})
	if !r.d.Healthy(time.Second) {
		t.Error("running loop reported unhealthy")
	}
	cancel()
	<-done
	for i, a := range r.act {
		if a.last() != 0 {
			t.Errorf("actuator %d left at %d", i, a.last())
		}
	}
}

func TestDoAfterStop(t *testing.T) {
	r := newRig()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.d.Do(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if r.d.Healthy(time.Second) {
		t.Error("idle loop reported healthy")
	}
}

func TestHomingFailureIsReported(t *testing.T) {
	r := newRig()
	r.d.homingTimeout = 150 * time.Millisecond
	r.pos[Left].set(60)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.d.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "hardware fault", func() bool {
		r.rec.mu.Lock()
		defer r.rec.mu.Unlock()
		return len(r.rec.hw) > 0
	})
	r.rec.mu.Lock()
	err := r.rec.hw[0]
	r.rec.mu.Unlock()
	if !errors.Is(err, ErrHomingTimeout) {
		t.Errorf("fault = %v", err)
	}
	s := r.d.Status()
	if s.Channels[Left].Flags&HardwareFault == 0 {
		t.Errorf("left flags = %s", s.Channels[Left].Codes)
	}
	if s.Channels[Right].Flags != 0 {
		t.Errorf("right flags = %s", s.Channels[Right].Codes)
	}
}

func TestSensorFailureFlagsChannel(t *testing.T) {
	r := newRig()
	r.pos[Right].err = errors.New("i2c nack")
	r.d.deferredWork(context.Background())
	s := r.d.Status()
	if s.Channels[Right].Flags&HardwareFault == 0 {
		t.Errorf("right flags = %s", s.Channels[Right].Codes)
	}
	if len(r.rec.hw) != 1 {
		t.Errorf("faults = %v", r.rec.hw)
	}
}
