package dispenser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agrofert/agrofert/controller"
	"github.com/agrofert/agrofert/controller/storage"
	"github.com/agrofert/agrofert/controller/telemetry"
)

const (
	configID      = "default"
	logLimit      = 100
	pendingSize   = 32
	commandWait   = 10 * time.Second
	DefaultPrune  = "@daily"
	DefaultPrefix = "agrofert"
)

// Options carry the daemon side wiring of the subsystem.
type Options struct {
	DevMode        bool
	Left, Right    Hardware
	GPS            PositionProvider
	TopicPrefix    string
	PersistRule    string
	PruneSpec      string
	Retention      time.Duration
	FlowExpression string
	HomingTimeout  time.Duration
}

// Controller implements controller.Subsystem for the dispenser. It owns
// the control core and connects it to storage, telemetry and the API.
type Controller struct {
	c       controller.Controller
	opts    Options
	d       *Dispenser
	outbox  *Outbox
	streams *hub
	cron    *cron.Cron

	pending chan Report
	ended   chan TaskSummary

	mu      sync.Mutex
	logs    []string
	lastHW  [2]string
	started bool

	cfgMu  sync.Mutex
	quit   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the subsystem and ensures its buckets exist.
func New(c controller.Controller, opts Options) (*Controller, error) {
	for _, b := range []string{Bucket, outboxBucket, historyBucket} {
		if err := c.Store().CreateBucket(b); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", b, err)
		}
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultPrefix
	}
	if opts.PruneSpec == "" {
		opts.PruneSpec = DefaultPrune
	}
	m := &Controller{
		c:       c,
		opts:    opts,
		outbox:  NewOutbox(c.Store()),
		streams: newHub(),
		pending: make(chan Report, pendingSize),
		ended:   make(chan TaskSummary, 4),
		quit:    make(chan struct{}),
	}
	m.d = NewDispenser(opts.Left, opts.Right, NewTank(0), opts.GPS, m)
	if opts.HomingTimeout > 0 {
		m.d.homingTimeout = opts.HomingTimeout
	}
	if opts.FlowExpression != "" {
		est, err := NewFlowExpression(opts.FlowExpression)
		if err != nil {
			return nil, err
		}
		for _, id := range []ChannelID{Left, Right} {
			m.d.Channel(id).SetFlowEstimator(est)
		}
	}
	return m, nil
}

func (m *Controller) Dispenser() *Dispenser { return m.d }

// Setup bootstraps the default configuration on first boot.
func (m *Controller) Setup() error {
	_, err := m.Get()
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	cfg := DefaultConfig()
	return m.c.Store().Update(Bucket, cfg.ID, &cfg)
}

// Start loads the configuration into the control core and launches the
// loops, the outbox worker and the schedules.
func (m *Controller) Start() {
	cfg, err := m.Get()
	if err != nil {
		m.c.LogError("dispenser", "load config: "+err.Error())
		cfg = DefaultConfig()
	}
	m.d.With(func() {
		if err := cfg.apply(m.d); err != nil {
			m.c.LogError("dispenser", "apply config: "+err.Error())
		}
	})
	m.d.Tank().Fill(cfg.TankLevel)
	m.d.Tank().MarkPersisted(cfg.TankLevel)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	tel := m.c.Telemetry()
	tel.OnConnect(m.outbox.Wake)

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.outbox.Process(tel.Connected, m.publish)
	}()
	go func() {
		defer m.wg.Done()
		m.forward(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.d.Run(ctx)
	}()

	if err := tel.Subscribe(m.topic("cmd"), m.onCommand); err != nil && !errors.Is(err, telemetry.ErrDisabled) {
		m.c.LogError("dispenser", "subscribe commands: "+err.Error())
	}
	if err := StartSchedule(m.opts.PersistRule, m.quit, m.snapshotTank); err != nil {
		m.c.LogError("dispenser", "tank schedule: "+err.Error())
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.opts.PruneSpec, func() {
		if n, err := m.pruneHistory(time.Now()); err != nil {
			log.Println("dispenser: prune history:", err)
		} else if n > 0 {
			m.appendLog(fmt.Sprintf("Pruned %d task records", n))
		}
	}); err != nil {
		m.c.LogError("dispenser", "prune schedule: "+err.Error())
	}
	m.cron.Start()

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.appendLog(fmt.Sprintf("Dispenser started (%s)", cfg.DeviceName))
}

func (m *Controller) Stop() {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()
	if !started {
		return
	}
	close(m.quit)
	<-m.cron.Stop().Done()
	m.cancel()
	m.outbox.Close()
	m.wg.Wait()
	m.streams.close()
	if err := m.persistTank(); err != nil {
		log.Println("dispenser: persist tank:", err)
	}
}

// Execute runs a command message on the main loop.
func (m *Controller) Execute(ctx context.Context, line string) (Result, error) {
	var res Result
	var err error
	if e := m.d.Do(ctx, func() { res, err = m.execute(line) }); e != nil {
		return Result{}, e
	}
	return res, err
}

func (m *Controller) onCommand(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), commandWait)
	defer cancel()
	if _, err := m.Execute(ctx, string(payload)); err != nil {
		log.Println("dispenser: mqtt command:", err)
	}
}

func (m *Controller) topic(suffix string) string {
	return strings.TrimSuffix(m.opts.TopicPrefix, "/") + "/" + suffix
}

func (m *Controller) publish(r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return m.c.Telemetry().Publish(m.topic("report/"+r.Type), data)
}

// enqueue hands r to the forwarder. It never blocks; the outbox only keeps
// the newest report per key anyway.
func (m *Controller) enqueue(r Report) {
	select {
	case m.pending <- r:
	default:
		log.Println("dispenser: report queue full, dropping", r.key())
	}
}

// forward moves listener events off the control path into storage.
func (m *Controller) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.pending:
			if err := m.outbox.Add(r); err != nil {
				log.Println("dispenser: outbox:", err)
			}
		case s := <-m.ended:
			if err := m.recordTask(s); err != nil {
				m.c.LogError("dispenser", "record task: "+err.Error())
			}
			if err := m.persistTank(); err != nil {
				m.c.LogError("dispenser", "persist tank: "+err.Error())
			}
		}
	}
}

func (m *Controller) FaultsReported(ch ChannelID, flags Flags) {
	m.enqueue(mustReport(ReportError, ch.String(), errorInfo(flags)))
}

func (m *Controller) TaskEnded(s TaskSummary) {
	select {
	case m.ended <- s:
	default:
		log.Println("dispenser: dropped task summary for", s.Channel)
	}
	m.appendLog(fmt.Sprintf("%s: Task ended, area %.1f m2, used %.2f",
		strings.ToUpper(s.Channel.String()), s.Metrics.Area, s.Metrics.Consumption))
}

func (m *Controller) StatusRefreshed(s Status) {
	tel := m.c.Telemetry()
	for _, c := range s.Channels {
		tel.EmitMetric("dispenser", c.Channel+"_position", c.Position)
		tel.EmitMetric("dispenser", c.Channel+"_target", c.Target)
		tel.EmitMetric("dispenser", c.Channel+"_output", c.Output)
		tel.EmitMetric("dispenser", c.Channel+"_flow_min", c.RealMin)
		tel.EmitMetric("dispenser", c.Channel+"_area", c.Metrics.Area)
		tel.EmitMetric("dispenser", c.Channel+"_consumption", c.Metrics.Consumption)
		tel.EmitMetric("dispenser", c.Channel+"_flags", float64(c.Flags))
	}
	tel.EmitMetric("dispenser", "tank_level", s.TankLevel)
	tel.EmitMetric("dispenser", "speed_kmh", s.SpeedKmh)
	tel.EmitMetric("dispenser", "satellites", float64(s.Fix.Satellites))

	log.Println("dispenser:", statusLine(s))
	m.streams.broadcast(s)
	if s.InWorkZone {
		m.enqueue(mustReport(ReportTask, "", taskInfo(s)))
	}
}

// HardwareFault logs a driver failure once per distinct message.
func (m *Controller) HardwareFault(ch ChannelID, err error) {
	msg := err.Error()
	m.mu.Lock()
	repeat := m.lastHW[ch] == msg
	m.lastHW[ch] = msg
	m.mu.Unlock()
	if repeat {
		return
	}
	log.Printf("dispenser: %s: hardware fault: %v", ch, err)
	m.appendLog(fmt.Sprintf("%s: Hardware fault: %v", strings.ToUpper(ch.String()), err))
}

func (m *Controller) snapshotTank() {
	active := false
	m.d.With(func() {
		for _, id := range []ChannelID{Left, Right} {
			if m.d.Channel(id).Task().IsActive() {
				active = true
			}
		}
	})
	if !active {
		return
	}
	if err := m.persistTank(); err != nil {
		log.Println("dispenser: tank snapshot:", err)
	}
}

// persistTank saves the live tank level and marks it as the restore point.
func (m *Controller) persistTank() error {
	level := m.d.Tank().Level()
	if err := m.updateConfig(func(c *Config) bool {
		if c.TankLevel == level {
			return false
		}
		c.TankLevel = level
		return true
	}); err != nil {
		return err
	}
	m.d.Tank().MarkPersisted(level)
	return nil
}

// appendLog adds an entry to the in-memory activity log, capped at 100 entries.
func (m *Controller) appendLog(msg string) {
	entry := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), msg)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	if len(m.logs) > logLimit {
		m.logs = m.logs[len(m.logs)-logLimit:]
	}
}

func (m *Controller) Logs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.logs...)
}

func (m *Controller) Get() (Config, error) {
	var cfg Config
	return cfg, m.c.Store().Get(Bucket, configID, &cfg)
}

// updateConfig loads the stored config, lets fn modify it and saves it
// only when fn reports a change.
func (m *Controller) updateConfig(fn func(*Config) bool) error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	cfg, err := m.Get()
	if errors.Is(err, storage.ErrNotFound) {
		cfg = DefaultConfig()
	} else if err != nil {
		return err
	}
	if !fn(&cfg) {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.c.Store().Update(Bucket, configID, &cfg)
}

// Replace validates cfg, saves it and applies it to the running core.
func (m *Controller) Replace(cfg Config) error {
	cfg.ID = configID
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m.cfgMu.Lock()
	old, err := m.Get()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.cfgMu.Unlock()
		return err
	}
	if err := m.c.Store().Update(Bucket, configID, &cfg); err != nil {
		m.cfgMu.Unlock()
		return err
	}
	m.cfgMu.Unlock()

	m.d.With(func() { err = cfg.apply(m.d) })
	if err != nil {
		return err
	}
	if old.TankLevel != cfg.TankLevel {
		m.d.Tank().Fill(cfg.TankLevel)
		m.d.Tank().MarkPersisted(cfg.TankLevel)
	}
	m.appendLog("Dispenser configuration saved")
	return nil
}
