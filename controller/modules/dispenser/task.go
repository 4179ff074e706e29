package dispenser

import (
	"fmt"
	"log"
	"strings"
)

type State int

const (
	Idle State = iota
	Running
	Paused
	Resuming
	SelfTest
)

var stateNames = [...]string{"idle", "running", "paused", "resuming", "selftest"}

func (s State) String() string {
	if s < Idle || s > SelfTest {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(s, n) {
			return State(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown state %q", s)
}

var transitions = map[State][]State{
	Idle:     {Running, SelfTest},
	Running:  {Paused, Idle},
	Paused:   {Resuming, Idle},
	Resuming: {Running, Paused, Idle},
	SelfTest: {Idle},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func isActive(s State) bool { return s == Running || s == Resuming }

// Task is the lifecycle of one channel's dispensing job.
type Task struct {
	name    string
	state   State
	errors  ErrorManager
	metrics *Metrics
	hooks   []func(from, to State)
}

func NewTask(name string, tank *Tank) *Task {
	return &Task{name: name, metrics: NewMetrics(tank)}
}

// OnTransition registers fn to run after every accepted transition.
func (t *Task) OnTransition(fn func(from, to State)) {
	t.hooks = append(t.hooks, fn)
}

// SetState applies the transition if the table allows it. Rejected
// requests are logged and leave the task untouched.
func (t *Task) SetState(to State) bool {
	from := t.state
	if !CanTransition(from, to) {
		log.Printf("dispenser: %s: rejected transition %s -> %s", t.name, from, to)
		return false
	}
	t.state = to
	if from == Idle && to == Running {
		t.errors.ClearAll()
		t.metrics.Reset()
		t.metrics.Tank().Restore()
	}
	if to == Idle || to == Paused {
		t.errors.Clear(passiveClear)
	}
	log.Printf("dispenser: %s: %s -> %s", t.name, from, to)
	for _, fn := range t.hooks {
		fn(from, to)
	}
	return true
}

func (t *Task) State() State          { return t.state }
func (t *Task) IsActive() bool        { return isActive(t.state) }
func (t *Task) IsPassive() bool       { return t.state == Idle || t.state == Paused }
func (t *Task) Errors() *ErrorManager { return &t.errors }
func (t *Task) Metrics() *Metrics     { return t.metrics }
