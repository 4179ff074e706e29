// Package daemon wires storage, telemetry, hardware and the dispenser
// subsystem into the long running agrofert service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agrofert/agrofert/controller"
	"github.com/agrofert/agrofert/controller/modules/dispenser"
	"github.com/agrofert/agrofert/controller/storage"
	"github.com/agrofert/agrofert/controller/telemetry"
)

const healthWindow = 5 * time.Second

// Daemon implements controller.Controller for its subsystems.
type Daemon struct {
	settings   Settings
	store      storage.Store
	telemetry  telemetry.Telemetry
	registry   *prometheus.Registry
	hardware   *Hardware
	dispenser  *dispenser.Controller
	subsystems map[string]controller.Subsystem
	auth       *auth
	router     *mux.Router
	server     *http.Server

	errMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(s Settings) (*Daemon, error) {
	store, err := storage.NewStore(s.Database)
	if err != nil {
		return nil, err
	}
	if err := store.CreateBucket(errorsBucket); err != nil {
		store.Close()
		return nil, err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tel, err := telemetry.New(s.Telemetry, registry)
	if err != nil {
		store.Close()
		return nil, err
	}
	hw, err := NewHardware(s)
	if err != nil {
		tel.Close()
		store.Close()
		return nil, err
	}
	d := &Daemon{
		settings:   s,
		store:      store,
		telemetry:  tel,
		registry:   registry,
		hardware:   hw,
		subsystems: make(map[string]controller.Subsystem),
		auth:       newAuth(s.HTTP.Auth),
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	opts := s.Dispenser.options(s.DevMode, hostname)
	opts.Left, opts.Right, opts.GPS = hw.Left, hw.Right, hw.GPS
	disp, err := dispenser.New(d, opts)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("dispenser: %w", err)
	}
	d.dispenser = disp
	d.subsystems["dispenser"] = disp
	d.router = d.newRouter()
	return d, nil
}

func (d *Daemon) Store() storage.Store           { return d.store }
func (d *Daemon) Telemetry() telemetry.Telemetry { return d.telemetry }
func (d *Daemon) Handler() http.Handler          { return d.router }

func (d *Daemon) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(d.auth.middleware)
	r.HandleFunc("/auth/signin", d.auth.signIn).Methods("POST")
	r.HandleFunc("/auth/signout", d.auth.signOut).Methods("GET", "POST")
	r.HandleFunc("/api/health", d.health).Methods("GET")
	r.HandleFunc("/api/errors", d.listErrors).Methods("GET")
	r.HandleFunc("/api/errors/clear", d.deleteErrors).Methods("DELETE")
	if d.settings.Telemetry.Prometheus {
		r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	}
	for _, s := range d.subsystems {
		s.LoadAPI(r)
	}
	return r
}

func (d *Daemon) health(w http.ResponseWriter, r *http.Request) {
	if !d.dispenser.Dispenser().Healthy(healthWindow) {
		http.Error(w, "main loop stalled", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Start brings up the subsystems and the HTTP server. The returned address
// is the one actually bound.
func (d *Daemon) Start() (string, error) {
	for name, s := range d.subsystems {
		if err := s.Setup(); err != nil {
			return "", fmt.Errorf("setup %s: %w", name, err)
		}
	}
	ln, err := net.Listen("tcp", d.settings.HTTP.Address)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.hardware.Run(ctx)
	}()
	for _, s := range d.subsystems {
		s.Start()
	}

	d.server = &http.Server{Handler: d.router, ReadHeaderTimeout: 10 * time.Second}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Println("ERROR: http server:", err)
		}
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watchdog(ctx)
	}()

	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Println("systemd notify:", err)
	} else if ok {
		log.Println("notified systemd")
	}
	log.Println("agrofert listening on", ln.Addr())
	return ln.Addr().String(), nil
}

// watchdog pets systemd for as long as the dispenser main loop is alive.
func (d *Daemon) watchdog(ctx context.Context) {
	interval, err := sd.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.dispenser.Dispenser().Healthy(interval) {
				log.Println("watchdog: dispenser loop stalled")
				continue
			}
			sd.SdNotify(false, sd.SdNotifyWatchdog)
		}
	}
}

func (d *Daemon) Stop() {
	sd.SdNotify(false, sd.SdNotifyStopping)
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.server.Shutdown(ctx); err != nil {
			log.Println("http shutdown:", err)
		}
		cancel()
	}
	for _, s := range d.subsystems {
		s.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.close()
	log.Println("agrofert stopped")
}

func (d *Daemon) close() {
	if err := d.hardware.Close(); err != nil {
		log.Println("hardware close:", err)
	}
	d.telemetry.Close()
	if err := d.store.Close(); err != nil {
		log.Println("store close:", err)
	}
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func Run(s Settings) error {
	d, err := New(s)
	if err != nil {
		return err
	}
	if _, err := d.Start(); err != nil {
		d.close()
		return err
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	sig := <-ch
	log.Println("received", sig)
	d.Stop()
	return nil
}
