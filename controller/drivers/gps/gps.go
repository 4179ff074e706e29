// Package gps tracks ground speed and fix quality from an NMEA 0183 stream.
package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
)

const (
	MinSatellites = 4
	MaxHDOP       = 25.0

	knotsToKmh = 1.852
	kmhToMps   = 1000.0 / 3600.0

	DefaultStaleAfter = 3 * time.Second
)

var (
	ErrMalformed   = errors.New("gps: malformed sentence")
	ErrUnsupported = errors.New("gps: unused sentence")
)

// Fix is a snapshot of the receiver state.
type Fix struct {
	SpeedKmh      float64   `json:"speed_kmh"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	Satellites    int       `json:"satellites"`
	HDOP          float64   `json:"hdop"`
	LocationValid bool      `json:"location_valid"`
	SpeedValid    bool      `json:"speed_valid"`
	Updated       time.Time `json:"updated"`
}

func (f Fix) SpeedMps() float64 { return f.SpeedKmh * kmhToMps }

// QualityValid reports whether enough satellites with a usable HDOP are seen.
func (f Fix) QualityValid() bool {
	return f.Satellites >= MinSatellites && f.HDOP > 0 && f.HDOP <= MaxHDOP
}

func (f Fix) Valid() bool {
	return f.LocationValid && f.SpeedValid && f.QualityValid()
}

// Tracker merges sentences into a Fix.
type Tracker struct {
	mu         sync.Mutex
	fix        Fix
	staleAfter time.Duration
	now        func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{staleAfter: DefaultStaleAfter, now: time.Now}
}

// Fix returns the current fix. A fix not refreshed within the stale window
// is reported with every validity flag cleared.
func (t *Tracker) Fix() Fix {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fix
	if f.Updated.IsZero() || t.now().Sub(f.Updated) > t.staleAfter {
		f.LocationValid = false
		f.SpeedValid = false
		f.SpeedKmh = 0
		f.Satellites = 0
	}
	return f
}

// Update parses one NMEA sentence and merges it into the fix.
func (t *Tracker) Update(sentence string) error {
	parsed, err := nmea.Parse(strings.TrimSpace(sentence))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch s := parsed.(type) {
	case nmea.RMC:
		t.rmc(s)
	case nmea.GGA:
		t.gga(s)
	case nmea.VTG:
		t.fix.SpeedKmh = s.GroundSpeedKPH
		t.fix.SpeedValid = true
	default:
		return ErrUnsupported
	}
	t.fix.Updated = t.now()
	return nil
}

func (t *Tracker) rmc(s nmea.RMC) {
	if s.Validity != nmea.ValidRMC {
		t.fix.LocationValid = false
		t.fix.SpeedValid = false
		t.fix.SpeedKmh = 0
		return
	}
	t.fix.Lat, t.fix.Lng, t.fix.LocationValid = s.Latitude, s.Longitude, true
	t.fix.SpeedKmh = s.Speed * knotsToKmh
	t.fix.SpeedValid = true
}

func (t *Tracker) gga(s nmea.GGA) {
	t.fix.Satellites = int(s.NumSatellites)
	t.fix.HDOP = s.HDOP
	if s.FixQuality == nmea.Invalid {
		t.fix.LocationValid = false
		return
	}
	t.fix.Lat, t.fix.Lng, t.fix.LocationValid = s.Latitude, s.Longitude, true
}

// Scan feeds every line of r into the tracker until r fails or ctx ends.
func (t *Tracker) Scan(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Text()
		if err := t.Update(line); err != nil && !errors.Is(err, ErrUnsupported) {
			log.Println("gps:", err, line)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Receiver reads NMEA from a serial port.
type Receiver struct {
	*Tracker
	name string
	baud int
}

func NewReceiver(name string, baud int) *Receiver {
	return &Receiver{Tracker: NewTracker(), name: name, baud: baud}
}

// Run keeps the serial port open, reopening it after errors, until ctx ends.
func (r *Receiver) Run(ctx context.Context) {
	for {
		port, err := serial.Open(r.name, &serial.Mode{BaudRate: r.baud})
		if err != nil {
			log.Println("gps: open", r.name, err)
		} else {
			stop := context.AfterFunc(ctx, func() { port.Close() })
			err = r.Scan(ctx, port)
			stop()
			port.Close()
			if ctx.Err() == nil {
				log.Println("gps: read", r.name, err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}
