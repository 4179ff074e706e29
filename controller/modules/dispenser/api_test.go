package dispenser

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

func apiRig(t *testing.T) (*managerRig, *mux.Router) {
	t.Helper()
	r := startedRig(t, Options{})
	router := mux.NewRouter()
	r.m.LoadAPI(router)
	return r, router
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStatusAPI(t *testing.T) {
	_, router := apiRig(t)
	w := do(t, router, "GET", "/api/dispenser/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code %d", w.Code)
	}
	var s Status
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if len(s.Channels) != 2 || s.TankLevel != DefaultTankLevel {
		t.Errorf("status = %s", w.Body.String())
	}
}

func TestConfigAPI(t *testing.T) {
	r, router := apiRig(t)
	w := do(t, router, "GET", "/api/dispenser/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get code %d", w.Code)
	}
	var cfg Config
	if err := json.NewDecoder(w.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}

	if w := do(t, router, "PUT", "/api/dispenser/config", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("bad json code %d", w.Code)
	}
	cfg.Left.FlowCoeff = -1
	body, _ := json.Marshal(cfg)
	if w := do(t, router, "PUT", "/api/dispenser/config", string(body)); w.Code != http.StatusBadRequest {
		t.Errorf("invalid config code %d", w.Code)
	}
	cfg.Left.FlowCoeff = 1.4
	body, _ = json.Marshal(cfg)
	if w := do(t, router, "PUT", "/api/dispenser/config", string(body)); w.Code != http.StatusNoContent {
		t.Errorf("put code %d: %s", w.Code, w.Body.String())
	}
	if got := r.config(t).Left.FlowCoeff; got != 1.4 {
		t.Errorf("stored coefficient %v", got)
	}
}

func TestCommandAPI(t *testing.T) {
	_, router := apiRig(t)
	tests := []struct {
		body string
		code int
	}{
		{"getTaskInfo", http.StatusOK},
		{"setBoomWidth0=6 getTaskInfo", http.StatusOK},
		{"bogus", http.StatusBadRequest},
		{`setDeviceName="x`, http.StatusBadRequest},
		{"endTask0", http.StatusConflict},
	}
	for _, tt := range tests {
		w := do(t, router, "POST", "/api/dispenser/command", tt.body)
		if w.Code != tt.code {
			t.Errorf("%q: code %d, want %d: %s", tt.body, w.Code, tt.code, w.Body.String())
			continue
		}
		var res Result
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Errorf("%q: %v", tt.body, err)
		}
		if tt.code != http.StatusOK && len(res.Errors) == 0 {
			t.Errorf("%q: no errors in %s", tt.body, w.Body.String())
		}
	}
}

func TestStateAPI(t *testing.T) {
	r, router := apiRig(t)
	tests := []struct {
		path string
		code int
	}{
		{"/api/dispenser/channels/left/state/running", http.StatusNoContent},
		{"/api/dispenser/channels/0/state/running", http.StatusConflict},
		{"/api/dispenser/channels/left/state/paused", http.StatusNoContent},
		{"/api/dispenser/channels/middle/state/running", http.StatusNotFound},
		{"/api/dispenser/channels/right/state/flying", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := do(t, router, "POST", tt.path, ""); w.Code != tt.code {
			t.Errorf("%s: code %d, want %d", tt.path, w.Code, tt.code)
		}
	}
	if s := r.m.Dispenser().Status(); s.Channels[Left].State != "paused" {
		t.Errorf("left state %s", s.Channels[Left].State)
	}

	w := do(t, router, "GET", "/api/dispenser/log", "")
	var logs []string
	if err := json.NewDecoder(w.Body).Decode(&logs); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(strings.Join(logs, "\n"), "LEFT: paused") {
		t.Errorf("log = %v", logs)
	}
}

func TestHistoryAndOutboxAPI(t *testing.T) {
	r, router := apiRig(t)
	w := do(t, router, "GET", "/api/dispenser/history", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty history: %d %s", w.Code, w.Body.String())
	}

	do(t, router, "POST", "/api/dispenser/command", "startNewTask1")
	do(t, router, "POST", "/api/dispenser/command", "endTask1")
	waitFor(t, "history", func() bool {
		h, err := r.m.History()
		return err == nil && len(h) == 1
	})
	var records []TaskRecord
	w = do(t, router, "GET", "/api/dispenser/history", "")
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Channel != "right" {
		t.Errorf("history = %s", w.Body.String())
	}

	var pending []Report
	w = do(t, router, "GET", "/api/dispenser/outbox", "")
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&pending); err != nil {
		t.Fatal(err)
	}
	if len(pending) == 0 {
		t.Error("offline outbox is empty")
	}
}

func TestStatusStream(t *testing.T) {
	r, router := apiRig(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/dispenser/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "stream client", func() bool { return r.m.streams.count() == 1 })

	r.m.Dispenser().Tank().Fill(321)
	r.m.StatusRefreshed(r.m.Dispenser().Status())
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var s Status
		if err := conn.ReadJSON(&s); err != nil {
			t.Fatal(err)
		}
		if s.TankLevel == 321 {
			break
		}
	}

	conn.Close()
	waitFor(t, "stream disconnect", func() bool { return r.m.streams.count() == 0 })
}
