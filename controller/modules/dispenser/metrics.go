package dispenser

import "sync"

// Tank is the single material tank feeding both channels. The live level is
// written by whichever channel is consuming; the persisted level mirrors the
// last value saved to the store.
type Tank struct {
	mu        sync.Mutex
	level     float64
	persisted float64
}

func NewTank(level float64) *Tank {
	return &Tank{level: level, persisted: level}
}

func (t *Tank) Level() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func (t *Tank) Persisted() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persisted
}

// Fill sets the live level, as after an operator refill.
func (t *Tank) Fill(level float64) {
	t.mu.Lock()
	t.level = level
	t.mu.Unlock()
}

func (t *Tank) Consume(v float64) {
	t.mu.Lock()
	t.level -= v
	t.mu.Unlock()
}

func (t *Tank) MarkPersisted(level float64) {
	t.mu.Lock()
	t.persisted = level
	t.mu.Unlock()
}

// Restore resets the live level to the last persisted value.
func (t *Tank) Restore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = t.persisted
	return t.level
}

type MetricsSnapshot struct {
	Duration    int     `json:"duration"`
	Distance    float64 `json:"distance"`
	Area        float64 `json:"area"`
	Consumption float64 `json:"consumption"`
}

// Metrics accumulates one channel's work during a task.
type Metrics struct {
	MetricsSnapshot
	tank *Tank
}

func NewMetrics(tank *Tank) *Metrics {
	return &Metrics{tank: tank}
}

func (m *Metrics) IncrementDuration()            { m.Duration++ }
func (m *Metrics) IncreaseDistance(d float64)    { m.Distance += d }
func (m *Metrics) IncreaseArea(a float64)        { m.Area += a }
func (m *Metrics) IncreaseConsumption(v float64) { m.Consumption += v }

// ApplyFlowSlice books one second of flow at ratePerMinute against this
// channel and the shared tank.
func (m *Metrics) ApplyFlowSlice(ratePerMinute float64) {
	slice := ratePerMinute / 60
	m.IncreaseConsumption(slice)
	m.tank.Consume(slice)
}

func (m *Metrics) Reset() {
	m.MetricsSnapshot = MetricsSnapshot{}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return m.MetricsSnapshot
}

func (m *Metrics) Tank() *Tank { return m.tank }
