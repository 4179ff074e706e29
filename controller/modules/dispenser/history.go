package dispenser

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

const historyBucket = "dispenser_history"

// TaskRecord is the stored summary of one finished task.
type TaskRecord struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	Started     time.Time `json:"started"`
	Ended       time.Time `json:"ended"`
	Duration    int       `json:"duration"`
	Distance    float64   `json:"distance"`
	Area        float64   `json:"area"`
	Consumption float64   `json:"consumption"`
	Flags       Flags     `json:"flags"`
	Codes       string    `json:"codes"`
}

func newTaskRecord(s TaskSummary) TaskRecord {
	return TaskRecord{
		ID:          uuid.NewString(),
		Channel:     s.Channel.String(),
		Started:     s.Started,
		Ended:       s.Ended,
		Duration:    s.Metrics.Duration,
		Distance:    s.Metrics.Distance,
		Area:        s.Metrics.Area,
		Consumption: s.Metrics.Consumption,
		Flags:       s.Flags,
		Codes:       s.Flags.String(),
	}
}

func (m *Controller) recordTask(s TaskSummary) error {
	if s.Started.IsZero() {
		return nil
	}
	rec := newTaskRecord(s)
	return m.c.Store().Update(historyBucket, rec.ID, &rec)
}

type historyLister interface {
	List(bucket string, fn func(string, []byte) error) error
}

// ListHistory returns the stored task records, newest first.
func ListHistory(store historyLister) ([]TaskRecord, error) {
	records := []TaskRecord{}
	if err := store.List(historyBucket, func(_ string, v []byte) error {
		var r TaskRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		records = append(records, r)
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Ended.After(records[j].Ended)
	})
	return records, nil
}

func (m *Controller) History() ([]TaskRecord, error) {
	return ListHistory(m.c.Store())
}

// pruneHistory drops records that ended before now minus the retention.
// A zero retention keeps everything.
func (m *Controller) pruneHistory(now time.Time) (int, error) {
	if m.opts.Retention <= 0 {
		return 0, nil
	}
	records, err := m.History()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-m.opts.Retention)
	n := 0
	for _, r := range records {
		if !r.Ended.Before(cutoff) {
			continue
		}
		if err := m.c.Store().Delete(historyBucket, r.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
