package dispenser

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agrofert/agrofert/controller/drivers/gps"
	"github.com/agrofert/agrofert/controller/storage"
	"github.com/agrofert/agrofert/controller/telemetry"
)

type fakeActuator struct {
	mu     sync.Mutex
	speeds []int
	err    error
}

func (a *fakeActuator) SetSpeed(duty int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speeds = append(a.speeds, duty)
	return a.err
}

func (a *fakeActuator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.speeds)
}

func (a *fakeActuator) last() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.speeds) == 0 {
		return 0
	}
	return a.speeds[len(a.speeds)-1]
}

type fakeSensor struct {
	mu  sync.Mutex
	v   float64
	err error
}

func (s *fakeSensor) Sample() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSensor) set(v float64) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

func (s *fakeSensor) value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (s *fakeSensor) Position() float64 { return s.value() }
func (s *fakeSensor) Current() float64  { return s.value() }

type fakeGPS struct {
	mu  sync.Mutex
	fix gps.Fix
}

func goodFix(kmh float64) gps.Fix {
	return gps.Fix{
		SpeedKmh:      kmh,
		Satellites:    8,
		HDOP:          1.1,
		LocationValid: true,
		SpeedValid:    true,
		Updated:       time.Now(),
	}
}

func (g *fakeGPS) Fix() gps.Fix {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fix
}

func (g *fakeGPS) set(f gps.Fix) {
	g.mu.Lock()
	g.fix = f
	g.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	faults  []Flags
	ended   []TaskSummary
	refresh int
	hw      []error
}

func (r *recorder) FaultsReported(_ ChannelID, f Flags) {
	r.mu.Lock()
	r.faults = append(r.faults, f)
	r.mu.Unlock()
}

func (r *recorder) TaskEnded(s TaskSummary) {
	r.mu.Lock()
	r.ended = append(r.ended, s)
	r.mu.Unlock()
}

func (r *recorder) StatusRefreshed(Status) {
	r.mu.Lock()
	r.refresh++
	r.mu.Unlock()
}

func (r *recorder) HardwareFault(_ ChannelID, err error) {
	r.mu.Lock()
	r.hw = append(r.hw, err)
	r.mu.Unlock()
}

type rig struct {
	act [2]*fakeActuator
	pos [2]*fakeSensor
	gps *fakeGPS
	rec *recorder
	d   *Dispenser
}

func newRig() *rig {
	r := &rig{gps: &fakeGPS{fix: goodFix(10)}, rec: &recorder{}}
	var hw [2]Hardware
	for i := range hw {
		r.act[i] = &fakeActuator{}
		r.pos[i] = &fakeSensor{}
		hw[i] = Hardware{Actuator: r.act[i], Position: r.pos[i]}
	}
	r.d = NewDispenser(hw[Left], hw[Right], NewTank(1000), r.gps, r.rec)
	return r
}

// fakeTelemetry records publishes and metrics in memory.
type fakeTelemetry struct {
	mu        sync.Mutex
	connected bool
	published map[string][][]byte
	metrics   map[string]float64
	subs      map[string]func([]byte)
	failSend  bool
}

func newFakeTelemetry() *fakeTelemetry {
	return &fakeTelemetry{
		published: make(map[string][][]byte),
		metrics:   make(map[string]float64),
		subs:      make(map[string]func([]byte)),
	}
}

func (t *fakeTelemetry) EmitMetric(module, name string, v float64) {
	t.mu.Lock()
	t.metrics[module+"_"+name] = v
	t.mu.Unlock()
}

func (t *fakeTelemetry) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend {
		return errors.New("broker gone")
	}
	t.published[topic] = append(t.published[topic], payload)
	return nil
}

func (t *fakeTelemetry) Subscribe(topic string, fn func([]byte)) error {
	t.mu.Lock()
	t.subs[topic] = fn
	t.mu.Unlock()
	return nil
}

func (t *fakeTelemetry) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTelemetry) OnConnect(func()) {}
func (t *fakeTelemetry) Close()           {}

func (t *fakeTelemetry) count(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published[topic])
}

type fakeController struct {
	store storage.Store
	tel   telemetry.Telemetry
	mu    sync.Mutex
	errs  []string
}

func (c *fakeController) Store() storage.Store           { return c.store }
func (c *fakeController) Telemetry() telemetry.Telemetry { return c.tel }
func (c *fakeController) LogError(id, msg string) error {
	c.mu.Lock()
	c.errs = append(c.errs, id+": "+msg)
	c.mu.Unlock()
	return nil
}

func newFakeController(t *testing.T, tel telemetry.Telemetry) *fakeController {
	t.Helper()
	s, err := storage.NewStore(filepath.Join(t.TempDir(), "agrofert.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return &fakeController{store: s, tel: tel}
}

type managerRig struct {
	m   *Controller
	c   *fakeController
	tel *fakeTelemetry
	act [2]*fakeActuator
	pos [2]*fakeSensor
	gps *fakeGPS
}

func newManagerRig(t *testing.T, opts Options) *managerRig {
	t.Helper()
	r := &managerRig{tel: newFakeTelemetry(), gps: &fakeGPS{fix: goodFix(10)}}
	r.c = newFakeController(t, r.tel)
	for i := range r.act {
		r.act[i] = &fakeActuator{}
		r.pos[i] = &fakeSensor{}
	}
	opts.Left = Hardware{Actuator: r.act[Left], Position: r.pos[Left]}
	opts.Right = Hardware{Actuator: r.act[Right], Position: r.pos[Right]}
	opts.GPS = r.gps
	m, err := New(r.c, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Setup(); err != nil {
		t.Fatal(err)
	}
	r.m = m
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
