package gps

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

const (
	rmcValid   = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	rmcVoid    = "$GPRMC,123519,V,4807.038,N,01131.000,E,000.0,000.0,230394,003.1,W*71"
	ggaGood    = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	ggaNoFix   = "$GPGGA,123521,4807.038,N,01131.000,E,0,02,9.9,545.4,M,46.9,M,,*4E"
	ggaWeak    = "$GPGGA,123520,3855.200,S,07702.100,W,1,03,30.5,10.0,M,0.0,M,,*74"
	vtgSpeed   = "$GNVTG,054.7,T,034.4,M,005.5,N,010.2,K*56"
	badSum     = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*00"
	unknownGSV = "$GPGSV,1,1,00*79"
)

func newTestTracker(now *time.Time) *Tracker {
	t := NewTracker()
	t.now = func() time.Time { return *now }
	return t
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestValidFix(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newTestTracker(&now)
	for _, s := range []string{rmcValid, ggaGood} {
		if err := tr.Update(s); err != nil {
			t.Fatalf("Update(%q) = %v", s, err)
		}
	}
	f := tr.Fix()
	if !f.Valid() {
		t.Fatalf("fix not valid: %+v", f)
	}
	if !near(f.Lat, 48+7.038/60) || !near(f.Lng, 11+31.0/60) {
		t.Errorf("location = %v,%v", f.Lat, f.Lng)
	}
	if !near(f.SpeedKmh, 22.4*1.852) {
		t.Errorf("speed = %v", f.SpeedKmh)
	}
	if f.Satellites != 8 || f.HDOP != 0.9 {
		t.Errorf("sats %d hdop %v", f.Satellites, f.HDOP)
	}
}

func TestVTGOverridesSpeed(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newTestTracker(&now)
	tr.Update(rmcValid)
	if err := tr.Update(vtgSpeed); err != nil {
		t.Fatal(err)
	}
	f := tr.Fix()
	if f.SpeedKmh != 10.2 {
		t.Errorf("speed = %v, want 10.2", f.SpeedKmh)
	}
	if !near(f.SpeedMps(), 10.2/3.6) {
		t.Errorf("speed m/s = %v", f.SpeedMps())
	}
}

func TestWeakAndVoidFix(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newTestTracker(&now)
	tr.Update(rmcValid)
	tr.Update(ggaWeak)
	f := tr.Fix()
	if f.QualityValid() {
		t.Errorf("3 satellites / hdop 30.5 reported as valid quality")
	}
	if f.Lat >= 0 || f.Lng >= 0 {
		t.Errorf("southern/western hemisphere not applied: %v,%v", f.Lat, f.Lng)
	}
	tr.Update(rmcVoid)
	f = tr.Fix()
	if f.LocationValid || f.SpeedValid || f.SpeedKmh != 0 {
		t.Errorf("void RMC left fix valid: %+v", f)
	}
}

func TestNoFixQuality(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newTestTracker(&now)
	tr.Update(rmcValid)
	if err := tr.Update(ggaNoFix); err != nil {
		t.Fatal(err)
	}
	f := tr.Fix()
	if f.LocationValid || f.Satellites != 2 || f.HDOP != 9.9 {
		t.Errorf("fix quality 0 kept location: %+v", f)
	}
}

func TestStaleFix(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newTestTracker(&now)
	tr.Update(rmcValid)
	tr.Update(ggaGood)
	now = now.Add(DefaultStaleAfter + time.Second)
	f := tr.Fix()
	if f.Valid() || f.SpeedKmh != 0 {
		t.Errorf("stale fix still valid: %+v", f)
	}
}

func TestSentenceErrors(t *testing.T) {
	tr := NewTracker()
	tests := []struct {
		in   string
		want error
	}{
		{badSum, ErrMalformed},
		{"GPRMC,1,A*00", ErrMalformed},
		{"$GPRMC,1,A", ErrMalformed},
		{unknownGSV, ErrUnsupported},
	}
	for _, tt := range tests {
		if err := tr.Update(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("Update(%q) = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestScan(t *testing.T) {
	tr := NewTracker()
	in := strings.Join([]string{rmcValid, "garbage", unknownGSV, ggaGood}, "\r\n")
	if err := tr.Scan(context.Background(), strings.NewReader(in)); err == nil {
		t.Fatal("expected EOF")
	}
	if f := tr.Fix(); !f.Valid() {
		t.Errorf("fix after scan not valid: %+v", f)
	}
}
