package dispenser

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lupguo/go-render/render"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

func stubHost(t *testing.T) {
	t.Helper()
	origHost, origMem := hostInfo, virtualMemory
	hostInfo = func() (*host.InfoStat, error) {
		return &host.InfoStat{
			HostID:   "test-host",
			Hostname: "tractor",
			BootTime: uint64(time.Now().Add(-3 * time.Hour).Unix()),
		}, nil
	}
	virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 42}, nil
	}
	t.Cleanup(func() { hostInfo, virtualMemory = origHost, origMem })
}

func TestDeviceInfo(t *testing.T) {
	stubHost(t)
	d := deviceInfo("Field7", true)
	want := DeviceInfo{
		Name:       "Field7",
		DeviceID:   "test-host",
		Hostname:   "tractor",
		Firmware:   FirmwareVersion,
		Hardware:   DeviceVersion,
		Booted:     "3 hours ago",
		MemoryUsed: 42,
		DevMode:    true,
	}
	if d != want {
		t.Errorf("got %s, want %s", render.Render(d), render.Render(want))
	}

	hostInfo = func() (*host.InfoStat, error) { return nil, errors.New("no /proc") }
	d = deviceInfo("Field7", false)
	if d.DeviceID != "" || d.Booted != "" || d.Firmware != FirmwareVersion {
		t.Errorf("host failure: %s", render.Render(d))
	}
}

func TestReportEnvelope(t *testing.T) {
	r := mustReport(ReportError, "left", errorInfo(NoSatellite|InvalidSpeed))
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "errInfo" || got["channel"] != "left" || got["ts"] == nil {
		t.Errorf("envelope = %s", data)
	}
	payload := got["payload"].(map[string]interface{})
	if payload["codes"] != "[NS][GS]" || payload["flags"] != float64(NoSatellite|InvalidSpeed) {
		t.Errorf("payload = %v", payload)
	}
	if r.key() != "errInfo/left" {
		t.Errorf("key = %s", r.key())
	}
}

func TestTaskInfo(t *testing.T) {
	r := newRig()
	r.d.With(func() {
		c := r.d.Channel(Right)
		c.SetTargetRatePerMin(30)
		m := c.Task().Metrics()
		m.IncreaseArea(2500)
		m.IncreaseConsumption(1.23456)
		m.IncrementDuration()
	})
	info := taskInfo(r.d.Status())
	if len(info) != 2 {
		t.Fatalf("got %d entries", len(info))
	}
	want := TaskInfo{
		Channel:    "right",
		State:      "idle",
		RateMinSet: 30,
		TankLevel:  1000,
		AreaDaa:    2.5,
		Duration:   1,
		Consumed:   1.23,
	}
	if info[1] != want {
		t.Errorf("got %s, want %s", render.Render(info[1]), render.Render(want))
	}
	if info[0].Channel != "left" || info[0].RateDaaSet != 0 {
		t.Errorf("left = %s", render.Render(info[0]))
	}
}

func TestRound2(t *testing.T) {
	for in, want := range map[float64]float64{1.006: 1.01, 2.344: 2.34, -1.236: -1.24, 0: 0} {
		if got := round2(in); !near(got, want) {
			t.Errorf("round2(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestStatusLine(t *testing.T) {
	r := newRig()
	r.d.With(func() {
		r.d.Channel(Left).Task().Errors().Set(NoSatellite)
	})
	r.d.Tank().Fill(1234.5)
	line := statusLine(r.d.Status())
	for _, part := range []string{"left idle [NS]", "right idle [OK]", "tank 1,234.5", "(gps)"} {
		if !strings.Contains(line, part) {
			t.Errorf("%q missing from %q", part, line)
		}
	}
}
