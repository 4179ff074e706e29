package dispenser

// SelfTestStep is the ramp increment per control tick; a full sweep takes
// 2*100/SelfTestStep ticks.
const SelfTestStep = 2.0

// sweep ramps the actuator target from closed to fully open and back.
type sweep struct {
	target  float64
	falling bool
}

func (s *sweep) start() {
	s.target = 0
	s.falling = false
}

// next advances one tick. done is true once the ramp is back at zero.
func (s *sweep) next() (target float64, done bool) {
	if !s.falling {
		s.target += SelfTestStep
		if s.target >= PositionMax {
			s.target = PositionMax
			s.falling = true
		}
		return s.target, false
	}
	s.target -= SelfTestStep
	if s.target <= PositionMin {
		s.target = PositionMin
		return s.target, true
	}
	return s.target, false
}
