package dispenser

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/shlex"
)

var (
	ErrParse     = errors.New("parse error")
	ErrMalformed = errors.New("malformed command")
	ErrRejected  = errors.New("transition rejected")
)

const maxDeviceName = 32

// Instruction is one operator command such as "setBoomWidth1=12.5".
type Instruction struct {
	Name     string
	Index    int
	Value    string
	HasValue bool
}

// ParseInstructions splits a command message into instructions. Tokens
// follow shell quoting rules.
func ParseInstructions(line string) ([]Instruction, error) {
	toks, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrParse)
	}
	out := make([]Instruction, 0, len(toks))
	for _, tok := range toks {
		ins, err := parseInstruction(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

func parseInstruction(tok string) (Instruction, error) {
	ins := Instruction{Index: -1}
	name := tok
	if i := strings.IndexByte(tok, '='); i >= 0 {
		name, ins.Value, ins.HasValue = tok[:i], tok[i+1:], true
	}
	j := len(name)
	for j > 0 && name[j-1] >= '0' && name[j-1] <= '9' {
		j--
	}
	if j < len(name) {
		idx, err := strconv.Atoi(name[j:])
		if err != nil {
			return ins, fmt.Errorf("%w: bad index in %q", ErrParse, tok)
		}
		ins.Index = idx
		name = name[:j]
	}
	if name == "" {
		return ins, fmt.Errorf("%w: missing name in %q", ErrParse, tok)
	}
	for _, r := range name {
		if !unicode.IsLetter(r) {
			return ins, fmt.Errorf("%w: bad name %q", ErrParse, tok)
		}
	}
	ins.Name = name
	return ins, nil
}

func (ins Instruction) Float() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(ins.Value), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s expects a number, got %q", ErrMalformed, ins.Name, ins.Value)
	}
	return v, nil
}

func (ins Instruction) Int() (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(ins.Value))
	if err != nil {
		return 0, fmt.Errorf("%w: %s expects an integer, got %q", ErrMalformed, ins.Name, ins.Value)
	}
	return v, nil
}

type paramKind int

const (
	noParam paramKind = iota
	numberParam
	textParam
)

type handler func(m *Controller, ins Instruction, chans []ChannelID) ([]Report, error)

type command struct {
	param      paramKind
	perChannel bool
	run        handler
}

var commands = map[string]command{
	"getDeviceInfo":    {noParam, false, (*Controller).cmdDeviceInfo},
	"getSpeedInfo":     {noParam, false, (*Controller).cmdSpeedInfo},
	"getTaskInfo":      {noParam, false, (*Controller).cmdTaskInfo},
	"getErrorInfo":     {noParam, true, (*Controller).cmdErrorInfo},
	"reportError":      {noParam, true, (*Controller).cmdErrorInfo},
	"reportPIDParams":  {noParam, false, (*Controller).cmdPIInfo},
	"reportUserParams": {noParam, false, (*Controller).cmdUserInfo},

	"startNewTask":  {noParam, true, transition(Running)},
	"pauseTask":     {noParam, true, transition(Paused)},
	"resumeTask":    {noParam, true, transition(Resuming)},
	"endTask":       {noParam, true, transition(Idle)},
	"startSelfTest": {noParam, true, transition(SelfTest)},

	"setInWorkZone":           {numberParam, false, (*Controller).cmdInWorkZone},
	"setTargetFlowRatePerDaa": {numberParam, true, channelValue((*Channel).SetTargetRatePerDaa)},
	"setTargetFlowRatePerMin": {numberParam, true, channelValue((*Channel).SetTargetRatePerMin)},
	"setFlowCoeff":            {numberParam, true, channelValue((*Channel).SetFlowCoefficient)},
	"setBoomWidth":            {numberParam, true, channelValue((*Channel).SetBoomWidth)},
	"setMeasuredWeight":       {numberParam, true, (*Controller).cmdMeasuredWeight},
	"setTankLevel":            {numberParam, false, (*Controller).cmdTankLevel},

	"setSpeedSource":     {textParam, false, setting(setSpeedSource)},
	"setMinWorkingSpeed": {numberParam, false, setting(setMinSpeed)},
	"setSimSpeed":        {numberParam, false, setting(setSimSpeed)},
	"setAutoRefresh":     {numberParam, false, setting(setAutoRefresh)},
	"setHeartBeat":       {numberParam, false, setting(setHeartbeat)},

	"setPIDKp":      {numberParam, false, gain(true)},
	"setPIDKi":      {numberParam, false, gain(false)},
	"setDeviceName": {textParam, false, (*Controller).cmdDeviceName},
}

func setSpeedSource(s *Settings, ins Instruction) error {
	src, err := ParseSpeedSource(ins.Value)
	if err != nil {
		return err
	}
	s.SpeedSource = src
	return nil
}

func setMinSpeed(s *Settings, ins Instruction) error    { return nonNegative(ins, &s.MinSpeed) }
func setSimSpeed(s *Settings, ins Instruction) error    { return nonNegative(ins, &s.SimSpeed) }
func setAutoRefresh(s *Settings, ins Instruction) error { return atLeastOne(ins, &s.AutoRefresh) }
func setHeartbeat(s *Settings, ins Instruction) error   { return atLeastOne(ins, &s.Heartbeat) }

func nonNegative(ins Instruction, dst *float64) error {
	v, err := ins.Float()
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("%w: %s must be non-negative", ErrMalformed, ins.Name)
	}
	*dst = v
	return nil
}

func atLeastOne(ins Instruction, dst *int) error {
	v, err := ins.Int()
	if err != nil {
		return err
	}
	if v < 1 {
		return fmt.Errorf("%w: %s must be at least 1", ErrMalformed, ins.Name)
	}
	*dst = v
	return nil
}

// Result is what a command message produced.
type Result struct {
	Reports []Report `json:"reports"`
	Errors  []string `json:"errors,omitempty"`
}

// execute runs every instruction of line. Reports are queued for
// publishing and returned to the caller. It runs on the main loop.
func (m *Controller) execute(line string) (Result, error) {
	list, err := ParseInstructions(line)
	if err != nil {
		m.inputFault(-1, ParseError)
		m.appendLog(fmt.Sprintf("Command rejected: %v", err))
		return Result{Errors: []string{err.Error()}}, err
	}
	var res Result
	var failed error
	for _, ins := range list {
		reports, err := m.run(ins)
		res.Reports = append(res.Reports, reports...)
		if err == nil {
			continue
		}
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", ins.Name, err))
		if failed == nil {
			failed = err
		}
		if errors.Is(err, ErrMalformed) {
			m.inputFault(ins.Index, MalformedCommand)
		}
		m.appendLog(fmt.Sprintf("Command %s failed: %v", ins.Name, err))
	}
	for _, r := range res.Reports {
		m.enqueue(r)
	}
	return res, failed
}

func (m *Controller) run(ins Instruction) ([]Report, error) {
	cmd, ok := commands[ins.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformed, ins.Name)
	}
	switch {
	case cmd.param == noParam && ins.HasValue:
		return nil, fmt.Errorf("%w: %s takes no value", ErrMalformed, ins.Name)
	case cmd.param != noParam && !ins.HasValue:
		return nil, fmt.Errorf("%w: %s needs a value", ErrMalformed, ins.Name)
	}
	chans, err := selectChannels(ins.Index, cmd.perChannel)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, ins.Name, err)
	}
	return cmd.run(m, ins, chans)
}

func selectChannels(index int, perChannel bool) ([]ChannelID, error) {
	switch {
	case index < 0:
		return []ChannelID{Left, Right}, nil
	case !perChannel:
		return nil, fmt.Errorf("no channel index expected")
	case index == int(Left), index == int(Right):
		return []ChannelID{ChannelID(index)}, nil
	}
	return nil, fmt.Errorf("channel index %d out of range", index)
}

// inputFault flags a rejected request on the addressed channel, or on both
// when the channel is unknown.
func (m *Controller) inputFault(index int, f Flags) {
	chans, err := selectChannels(index, true)
	if err != nil {
		chans = []ChannelID{Left, Right}
	}
	m.d.With(func() {
		for _, id := range chans {
			m.d.Channel(id).Task().Errors().Set(f)
		}
	})
}

func transition(to State) handler {
	return func(m *Controller, _ Instruction, chans []ChannelID) ([]Report, error) {
		var rejected []string
		var s Status
		m.d.With(func() {
			for _, id := range chans {
				if m.d.Channel(id).Task().SetState(to) {
					m.appendLog(fmt.Sprintf("%s: %s", strings.ToUpper(id.String()), to))
				} else {
					rejected = append(rejected, id.String())
				}
			}
			s = m.d.status()
		})
		reports := []Report{mustReport(ReportTask, "", taskInfo(s))}
		if len(rejected) > 0 {
			return reports, fmt.Errorf("%w: %s to %s", ErrRejected, strings.Join(rejected, ","), to)
		}
		return reports, nil
	}
}

func channelValue(set func(*Channel, float64) error) handler {
	return func(m *Controller, ins Instruction, chans []ChannelID) ([]Report, error) {
		v, err := ins.Float()
		if err != nil {
			return nil, err
		}
		m.d.With(func() {
			for _, id := range chans {
				if err = set(m.d.Channel(id), v); err != nil {
					return
				}
			}
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, m.saveChannels()
	}
}

func setting(fn func(*Settings, Instruction) error) handler {
	return func(m *Controller, ins Instruction, _ []ChannelID) ([]Report, error) {
		var err error
		var s Settings
		m.d.With(func() {
			s = m.d.settings
			if err = fn(&s, ins); err == nil {
				m.d.SetSettings(s)
			}
		})
		if err != nil {
			if !errors.Is(err, ErrMalformed) {
				err = fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			return nil, err
		}
		if err := m.updateConfig(func(c *Config) bool {
			if c.Settings() == s {
				return false
			}
			c.SpeedSource, c.SimSpeed, c.MinSpeed = s.SpeedSource, s.SimSpeed, s.MinSpeed
			c.AutoRefresh, c.Heartbeat = s.AutoRefresh, s.Heartbeat
			return true
		}); err != nil {
			return nil, err
		}
		return []Report{mustReport(ReportGPS, "", gpsInfo(m.d.Status()))}, nil
	}
}

// saveChannels persists the live per channel setup if it differs from the
// stored one.
func (m *Controller) saveChannels() error {
	var l, r ChannelConfig
	m.d.With(func() {
		l = channelConfig(m.d.Channel(Left))
		r = channelConfig(m.d.Channel(Right))
	})
	return m.updateConfig(func(c *Config) bool {
		if c.Left == l && c.Right == r {
			return false
		}
		c.Left, c.Right = l, r
		return true
	})
}

func channelConfig(c *Channel) ChannelConfig {
	return ChannelConfig{
		RatePerDaa: c.TargetRatePerDaa(),
		RatePerMin: c.TargetRatePerMin(),
		FlowCoeff:  c.FlowCoefficient(),
		BoomWidth:  c.BoomWidth(),
	}
}

func (m *Controller) cmdDeviceInfo(Instruction, []ChannelID) ([]Report, error) {
	cfg, err := m.Get()
	if err != nil {
		return nil, err
	}
	return []Report{mustReport(ReportDevice, "", deviceInfo(cfg.DeviceName, m.opts.DevMode))}, nil
}

func (m *Controller) cmdSpeedInfo(Instruction, []ChannelID) ([]Report, error) {
	return []Report{mustReport(ReportGPS, "", gpsInfo(m.d.Status()))}, nil
}

func (m *Controller) cmdTaskInfo(Instruction, []ChannelID) ([]Report, error) {
	return []Report{mustReport(ReportTask, "", taskInfo(m.d.Status()))}, nil
}

func (m *Controller) cmdErrorInfo(_ Instruction, chans []ChannelID) ([]Report, error) {
	var reports []Report
	m.d.With(func() {
		for _, id := range chans {
			f := m.d.Channel(id).Task().Errors().Flags()
			reports = append(reports, mustReport(ReportError, id.String(), errorInfo(f)))
		}
	})
	return reports, nil
}

func (m *Controller) cmdPIInfo(Instruction, []ChannelID) ([]Report, error) {
	s := m.d.Status()
	return []Report{mustReport(ReportPI, "", PIInfo{Kp: s.Kp, Ki: s.Ki})}, nil
}

func (m *Controller) cmdUserInfo(Instruction, []ChannelID) ([]Report, error) {
	cfg, err := m.Get()
	if err != nil {
		return nil, err
	}
	return []Report{mustReport(ReportUser, "", cfg)}, nil
}

func (m *Controller) cmdInWorkZone(ins Instruction, _ []ChannelID) ([]Report, error) {
	v, err := ins.Int()
	if err != nil {
		return nil, err
	}
	var s Status
	m.d.With(func() {
		m.d.SetInWorkZone(v == 1)
		s = m.d.status()
	})
	if v != 1 {
		return nil, nil
	}
	return []Report{mustReport(ReportTask, "", taskInfo(s))}, nil
}

// cmdMeasuredWeight recalibrates the flow coefficient from a weighed
// delivery: the estimate booked so far is scaled to the measured amount.
func (m *Controller) cmdMeasuredWeight(ins Instruction, chans []ChannelID) ([]Report, error) {
	measured, err := ins.Float()
	if err != nil {
		return nil, err
	}
	if measured <= 0 {
		return nil, fmt.Errorf("%w: measured weight must be positive", ErrMalformed)
	}
	m.d.With(func() {
		coeffs := make([]float64, len(chans))
		for i, id := range chans {
			c := m.d.Channel(id)
			consumed := c.Task().Metrics().Consumption
			if consumed <= 0 {
				err = fmt.Errorf("%w: %s has no booked consumption", ErrMalformed, id)
				return
			}
			coeffs[i] = c.FlowCoefficient() * consumed / measured
			if coeffs[i] <= 0 || math.IsNaN(coeffs[i]) || math.IsInf(coeffs[i], 0) {
				err = fmt.Errorf("%w: %s: invalid flow coefficient %v", ErrMalformed, id, coeffs[i])
				return
			}
		}
		for i, id := range chans {
			m.d.Channel(id).SetFlowCoefficient(coeffs[i])
			log.Printf("dispenser: %s: flow coefficient recalibrated to %.4f", id, coeffs[i])
		}
	})
	if err != nil {
		return nil, err
	}
	return nil, m.saveChannels()
}

func (m *Controller) cmdTankLevel(ins Instruction, _ []ChannelID) ([]Report, error) {
	v, err := ins.Float()
	if err != nil {
		return nil, err
	}
	if v < 0 {
		return nil, fmt.Errorf("%w: tank level must be non-negative", ErrMalformed)
	}
	m.d.Tank().Fill(v)
	m.appendLog(fmt.Sprintf("Tank filled to %.2f", v))
	return nil, m.persistTank()
}

// gain sets one PI gain on both channels; the loops share their tuning.
func gain(kp bool) handler {
	return func(m *Controller, ins Instruction, _ []ChannelID) ([]Report, error) {
		v, err := ins.Float()
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: gain must be non-negative", ErrMalformed)
		}
		var info PIInfo
		m.d.With(func() {
			for _, id := range []ChannelID{Left, Right} {
				pi := m.d.Channel(id).PI()
				p, i := pi.Gains()
				if kp {
					p = v
				} else {
					i = v
				}
				pi.SetGains(p, i)
				info = PIInfo{Kp: p, Ki: i}
			}
		})
		if err := m.updateConfig(func(c *Config) bool {
			if c.Kp == info.Kp && c.Ki == info.Ki {
				return false
			}
			c.Kp, c.Ki = info.Kp, info.Ki
			return true
		}); err != nil {
			return nil, err
		}
		return []Report{mustReport(ReportPI, "", info)}, nil
	}
}

func (m *Controller) cmdDeviceName(ins Instruction, _ []ChannelID) ([]Report, error) {
	name := strings.TrimSpace(ins.Value)
	if name == "" || len(name) > maxDeviceName {
		return nil, fmt.Errorf("%w: device name must be 1 to %d characters", ErrMalformed, maxDeviceName)
	}
	if err := m.updateConfig(func(c *Config) bool {
		if c.DeviceName == name {
			return false
		}
		c.DeviceName = name
		return true
	}); err != nil {
		return nil, err
	}
	return []Report{mustReport(ReportDevice, "", deviceInfo(name, m.opts.DevMode))}, nil
}
