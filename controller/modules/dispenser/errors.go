package dispenser

import "strings"

// Flags is the per-channel fault bitmask. Bit positions are part of the
// report format and must not move; bit 4 is unassigned.
type Flags uint16

const (
	TankEmpty Flags = 1 << iota
	InsufficientFlow
	FlowNotSettled
	ActuatorStuck
	_
	BatteryLow
	NoSatellite
	InvalidFixQuality
	InvalidLocation
	InvalidSpeed
	MalformedCommand
	ParseError
	HardwareFault
)

// passiveClear is dropped on entry to Idle or Paused. Tank empty and
// actuator stuck describe the machine, not the task, so they stay.
const passiveClear = InsufficientFlow | FlowNotSettled | NoSatellite | InvalidFixQuality |
	InvalidLocation | InvalidSpeed | MalformedCommand | ParseError | HardwareFault

var flagCodes = []struct {
	flag Flags
	code string
}{
	{TankEmpty, "LT"},
	{InsufficientFlow, "IF"},
	{FlowNotSettled, "FS"},
	{ActuatorStuck, "MS"},
	{BatteryLow, "BL"},
	{NoSatellite, "NS"},
	{InvalidFixQuality, "IS"},
	{InvalidLocation, "GL"},
	{InvalidSpeed, "GS"},
	{MalformedCommand, "PC"},
	{ParseError, "MP"},
	{HardwareFault, "HW"},
}

// Codes returns the two letter display code of every raised flag.
func (f Flags) Codes() []string {
	var codes []string
	for _, fc := range flagCodes {
		if f&fc.flag != 0 {
			codes = append(codes, fc.code)
		}
	}
	return codes
}

func (f Flags) String() string {
	if f == 0 {
		return "[OK]"
	}
	var b strings.Builder
	for _, c := range f.Codes() {
		b.WriteString("[" + c + "]")
	}
	return b.String()
}

// ErrorManager holds one channel's fault flags.
type ErrorManager struct {
	flags Flags
}

func (e *ErrorManager) Set(f Flags)      { e.flags |= f }
func (e *ErrorManager) Clear(f Flags)    { e.flags &^= f }
func (e *ErrorManager) ClearAll()        { e.flags = 0 }
func (e *ErrorManager) Has(f Flags) bool { return e.flags&f != 0 }
func (e *ErrorManager) Any() bool        { return e.flags != 0 }
func (e *ErrorManager) Flags() Flags     { return e.flags }

// Assign raises f when cond holds and clears it otherwise.
func (e *ErrorManager) Assign(f Flags, cond bool) {
	if cond {
		e.Set(f)
	} else {
		e.Clear(f)
	}
}
