package daemon

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"
)

const (
	errorsBucket = "errors"
	errorLimit   = 100
)

// ErrorEntry is a persisted operator-visible error.
type ErrorEntry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Module  string    `json:"module"`
	Message string    `json:"message"`
}

// LogError stores msg for module and drops the oldest entries beyond the
// limit.
func (d *Daemon) LogError(module, msg string) error {
	log.Printf("%s: %s", module, msg)
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if err := d.store.Create(errorsBucket, func(id string) interface{} {
		return &ErrorEntry{ID: id, Time: time.Now(), Module: module, Message: msg}
	}); err != nil {
		return err
	}
	entries, err := d.Errors()
	if err != nil {
		return err
	}
	for len(entries) > errorLimit {
		if err := d.store.Delete(errorsBucket, entries[0].ID); err != nil {
			return err
		}
		entries = entries[1:]
	}
	return nil
}

// Errors returns the stored errors, oldest first.
func (d *Daemon) Errors() ([]ErrorEntry, error) {
	entries := []ErrorEntry{}
	err := d.store.List(errorsBucket, func(_ string, v []byte) error {
		var e ErrorEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	sort.Slice(entries, func(i, j int) bool {
		a, _ := strconv.Atoi(entries[i].ID)
		b, _ := strconv.Atoi(entries[j].ID)
		return a < b
	})
	return entries, err
}

func (d *Daemon) clearErrors() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	entries, err := d.Errors()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := d.store.Delete(errorsBucket, e.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) listErrors(w http.ResponseWriter, r *http.Request) {
	entries, err := d.Errors()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (d *Daemon) deleteErrors(w http.ResponseWriter, r *http.Request) {
	if err := d.clearErrors(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
