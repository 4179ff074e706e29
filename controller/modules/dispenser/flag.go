package dispenser

// Flag hands a "work pending" signal from one goroutine to another.
// Raise never blocks; repeated raises before the consumer wakes collapse
// into one.
type Flag struct {
	c chan struct{}
}

func NewFlag() *Flag {
	return &Flag{c: make(chan struct{}, 1)}
}

func (f *Flag) Raise() {
	select {
	case f.c <- struct{}{}:
	default:
	}
}

func (f *Flag) C() <-chan struct{} { return f.c }

// Take consumes a pending signal without waiting.
func (f *Flag) Take() bool {
	select {
	case <-f.c:
		return true
	default:
		return false
	}
}
