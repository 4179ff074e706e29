package dispenser

import (
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"sync"
)

const outboxBucket = "dispenser_outbox"

// storeIface is the minimal subset of the controller store we need.
type storeIface interface {
	List(bucket string, fn func(string, []byte) error) error
	Create(bucket string, fn func(string) interface{}) error
	Delete(bucket, id string) error
}

// Outbox is a persistent FIFO of reports waiting for the broker. Only the
// newest report per type and channel is kept, so a long disconnect delivers
// the current picture instead of a backlog.
type Outbox struct {
	store  storeIface
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func NewOutbox(store storeIface) *Outbox {
	o := &Outbox{store: store}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Add persists r, replacing any queued report with the same key.
func (o *Outbox) Add(r Report) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stale []string
	if err := o.store.List(outboxBucket, func(id string, v []byte) error {
		var q Report
		if err := json.Unmarshal(v, &q); err == nil && q.key() == r.key() {
			stale = append(stale, id)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, id := range stale {
		if err := o.store.Delete(outboxBucket, id); err != nil {
			return err
		}
	}
	if err := o.store.Create(outboxBucket, func(id string) interface{} {
		r.ID = id
		return &r
	}); err != nil {
		return err
	}
	o.cond.Signal()
	return nil
}

// List returns the pending reports, oldest first.
func (o *Outbox) List() ([]Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.list()
}

func (o *Outbox) list() ([]Report, error) {
	reports := []Report{}
	if err := o.store.List(outboxBucket, func(_ string, v []byte) error {
		var r Report
		if err := json.Unmarshal(v, &r); err == nil {
			reports = append(reports, r)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Time != reports[j].Time {
			return reports[i].Time < reports[j].Time
		}
		a, _ := strconv.Atoi(reports[i].ID)
		b, _ := strconv.Atoi(reports[j].ID)
		return a < b
	})
	return reports, nil
}

// Wake makes a blocked Process re-check readiness, e.g. after the broker
// reconnects.
func (o *Outbox) Wake() {
	o.mu.Lock()
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

// Process hands reports to send, oldest first, for as long as ready
// reports true. A report is removed only after send succeeds. It blocks
// until Close.
func (o *Outbox) Process(ready func() bool, send func(Report) error) {
	for {
		o.mu.Lock()
		var next *Report
		for !o.closed {
			if ready() {
				pending, err := o.list()
				if err == nil && len(pending) > 0 {
					next = &pending[0]
					break
				}
			}
			o.cond.Wait()
		}
		if o.closed {
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()

		if err := send(*next); err != nil {
			// Leave it queued; the next Add or Wake retries.
			o.mu.Lock()
			if !o.closed {
				o.cond.Wait()
			}
			o.mu.Unlock()
			continue
		}

		// If Add replaced it meanwhile the id is already gone and this is a no-op.
		o.mu.Lock()
		if err := o.store.Delete(outboxBucket, next.ID); err != nil {
			log.Println("dispenser: outbox: remove sent", next.key()+":", err)
			if !o.closed {
				o.cond.Wait()
			}
		}
		o.mu.Unlock()
	}
}
