package dispenser

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultPersistRule saves the tank level once a minute during a task.
const DefaultPersistRule = "FREQ=MINUTELY;INTERVAL=1"

// ParseSchedule parses an RRULE body anchored at start.
func ParseSchedule(rule string, start time.Time) (*rrule.RRule, error) {
	if rule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	rr, err := rrule.StrToRRule("DTSTART=" + start.UTC().Format("20060102T150405Z") + ";" + rule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", rule, err)
	}
	return rr, nil
}

// StartSchedule calls fn at every recurrence of rule until quit is closed.
// An empty rule schedules nothing.
func StartSchedule(rule string, quit <-chan struct{}, fn func()) error {
	if rule == "" {
		return nil
	}
	rr, err := ParseSchedule(rule, time.Now())
	if err != nil {
		return err
	}
	go func() {
		for {
			next := rr.After(time.Now(), false)
			if next.IsZero() {
				return
			}
			t := time.NewTimer(time.Until(next))
			select {
			case <-t.C:
				fn()
			case <-quit:
				t.Stop()
				return
			}
		}
	}()
	return nil
}
