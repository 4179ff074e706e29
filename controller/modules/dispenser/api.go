package dispenser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

const maxCommandBody = 4096

// LoadAPI registers all REST endpoints.
func (m *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/dispenser").Subrouter()
	sr.HandleFunc("/status", m.getStatus).Methods("GET")
	sr.HandleFunc("/config", m.getConfig).Methods("GET")
	sr.HandleFunc("/config", m.putConfig).Methods("PUT")
	sr.HandleFunc("/command", m.postCommand).Methods("POST")
	sr.HandleFunc("/channels/{channel}/state/{state}", m.setState).Methods("POST")
	sr.HandleFunc("/log", m.logList).Methods("GET")
	sr.HandleFunc("/history", m.historyList).Methods("GET")
	sr.HandleFunc("/outbox", m.outboxList).Methods("GET")
	sr.HandleFunc("/stream", m.streams.serve).Methods("GET")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Controller) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.d.Status())
}

func (m *Controller) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := m.Get()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, cfg)
}

func (m *Controller) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.Replace(cfg); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrMalformed) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) postCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := m.Execute(r.Context(), string(body))
	switch {
	case errors.Is(err, ErrParse), errors.Is(err, ErrMalformed):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, ErrRejected):
		w.WriteHeader(http.StatusConflict)
	case err != nil && len(res.Errors) == 0:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
	}
	writeJSON(w, res)
}

func (m *Controller) setState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := ParseChannel(vars["channel"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	to, err := ParseState(vars["state"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var ok bool
	if err := m.d.Do(r.Context(), func() {
		m.d.With(func() { ok = m.d.Channel(id).Task().SetState(to) })
	}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("%s: cannot enter %s", id, to), http.StatusConflict)
		return
	}
	m.appendLog(fmt.Sprintf("%s: %s", strings.ToUpper(id.String()), to))
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) logList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Logs())
}

func (m *Controller) historyList(w http.ResponseWriter, r *http.Request) {
	records, err := m.History()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (m *Controller) outboxList(w http.ResponseWriter, r *http.Request) {
	reports, err := m.outbox.List()
	if err != nil {
		http.Error(w, "Failed to list outbox", http.StatusInternalServerError)
		return
	}
	writeJSON(w, reports)
}
