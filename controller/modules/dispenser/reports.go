package dispenser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	FirmwareVersion = "04.06.2025"
	DeviceVersion   = "29.05.2025"
)

const (
	ReportDevice = "devInfo"
	ReportGPS    = "gpsInfo"
	ReportTask   = "taskInfo"
	ReportError  = "errInfo"
	ReportPI     = "piInfo"
	ReportUser   = "userInfo"
)

// Report is one outbound packet.
type Report struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Time    int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (r Report) key() string { return r.Type + "/" + r.Channel }

func newReport(typ, channel string, v interface{}) (Report, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Report{}, fmt.Errorf("%s report: %w", typ, err)
	}
	return Report{Type: typ, Channel: channel, Time: time.Now().UnixMilli(), Payload: data}, nil
}

func mustReport(typ, channel string, v interface{}) Report {
	r, err := newReport(typ, channel, v)
	if err != nil {
		panic(err)
	}
	return r
}

type DeviceInfo struct {
	Name       string  `json:"bleName"`
	DeviceID   string  `json:"devUUID"`
	Hostname   string  `json:"hostname"`
	Firmware   string  `json:"fwVer"`
	Hardware   string  `json:"devVer"`
	Booted     string  `json:"booted,omitempty"`
	MemoryUsed float64 `json:"memUsed,omitempty"`
	DevMode    bool    `json:"devMode"`
}

// Swapped in tests.
var (
	hostInfo      = host.Info
	virtualMemory = mem.VirtualMemory
)

func deviceInfo(name string, devMode bool) DeviceInfo {
	d := DeviceInfo{Name: name, Firmware: FirmwareVersion, Hardware: DeviceVersion, DevMode: devMode}
	if info, err := hostInfo(); err == nil {
		d.DeviceID = info.HostID
		d.Hostname = info.Hostname
		d.Booted = humanize.Time(time.Unix(int64(info.BootTime), 0))
	}
	if vm, err := virtualMemory(); err == nil {
		d.MemoryUsed = vm.UsedPercent
	}
	return d
}

type GPSInfo struct {
	SpeedSource SpeedSource `json:"spdSrc"`
	MinSpeed    float64     `json:"minSpd"`
	SimSpeed    float64     `json:"simSpd"`
	SpeedKmh    float64     `json:"gpsSpd"`
	Lat         float64     `json:"lat"`
	Lng         float64     `json:"lng"`
	Satellites  int         `json:"sats"`
	HDOP        float64     `json:"hdop"`
	Valid       bool        `json:"valid"`
}

func gpsInfo(s Status) GPSInfo {
	return GPSInfo{
		SpeedSource: s.Settings.SpeedSource,
		MinSpeed:    s.Settings.MinSpeed,
		SimSpeed:    s.Settings.SimSpeed,
		SpeedKmh:    s.Fix.SpeedKmh,
		Lat:         s.Fix.Lat,
		Lng:         s.Fix.Lng,
		Satellites:  s.Fix.Satellites,
		HDOP:        s.Fix.HDOP,
		Valid:       s.Fix.Valid(),
	}
}

type TaskInfo struct {
	Channel     string  `json:"channel"`
	State       string  `json:"state"`
	RateDaaSet  float64 `json:"flowDaaSet"`
	RateMinSet  float64 `json:"flowMinSet"`
	RateDaaReal float64 `json:"flowDaaReal"`
	RateMinReal float64 `json:"flowMinReal"`
	TankLevel   float64 `json:"tankLevel"`
	AreaDaa     float64 `json:"areaDone"`
	Duration    int     `json:"duration"`
	Consumed    float64 `json:"consumed"`
}

func taskInfo(s Status) []TaskInfo {
	var out []TaskInfo
	for _, c := range s.Channels {
		out = append(out, TaskInfo{
			Channel:     c.Channel,
			State:       c.State,
			RateDaaSet:  c.RateDaa,
			RateMinSet:  c.RateMin,
			RateDaaReal: round2(c.RealDaa),
			RateMinReal: round2(c.RealMin),
			TankLevel:   round2(s.TankLevel),
			AreaDaa:     round2(c.Metrics.Area / SquareMetersPerDaa),
			Duration:    c.Metrics.Duration,
			Consumed:    round2(c.Metrics.Consumption),
		})
	}
	return out
}

type ErrorInfo struct {
	Flags Flags    `json:"flags"`
	Codes string   `json:"codes"`
	List  []string `json:"list"`
}

func errorInfo(f Flags) ErrorInfo {
	return ErrorInfo{Flags: f, Codes: f.String(), List: f.Codes()}
}

type PIInfo struct {
	Kp float64 `json:"Kp"`
	Ki float64 `json:"Ki"`
}

func round2(v float64) float64 {
	return float64(int64(v*100+copysign(0.5, v))) / 100
}

func copysign(a, b float64) float64 {
	if b < 0 {
		return -a
	}
	return a
}

// statusLine renders the periodic diagnostic log line.
func statusLine(s Status) string {
	var b strings.Builder
	for _, c := range s.Channels {
		fmt.Fprintf(&b, "%s %s %s pos %.1f/%.1f%% out %.0f flow %s/min area %s m2 used %s | ",
			c.Channel, c.State, c.Codes, c.Position, c.Target, c.Output,
			humanize.FormatFloat("#,###.##", c.RealMin),
			humanize.FormatFloat("#,###.#", c.Metrics.Area),
			humanize.FormatFloat("#,###.##", c.Metrics.Consumption))
	}
	fmt.Fprintf(&b, "tank %s speed %.1f km/h (%s) sats %d",
		humanize.FormatFloat("#,###.##", s.TankLevel), s.SpeedKmh, s.Settings.SpeedSource, s.Fix.Satellites)
	return b.String()
}
