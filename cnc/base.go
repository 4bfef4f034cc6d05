package cnc

import "sync"

// Base is the shared state-vector and event plumbing composed into every
// concrete controller. It serialises all state mutation and hands out
// immutable snapshots, so backends are free to run parallel I/O goroutines.
type Base struct {
	mu     sync.Mutex
	st     MachineState
	broker *Broker
}

// NewBase creates a Base with the state vector at defaults.
func NewBase() *Base {
	b := &Base{broker: NewBroker()}
	b.st.Reset()
	return b
}

func (b *Base) core() *Base { return b }

// Events returns the controller's broadcast hub.
func (b *Base) Events() *Broker { return b.broker }

// Status returns a self-consistent snapshot of the state vector.
func (b *Base) Status() *Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(&b.st)
}

// Mutate runs fn with exclusive access to the state vector and publishes a
// statusUpdate snapshot afterwards.
func (b *Base) Mutate(fn func(*MachineState)) {
	b.mu.Lock()
	fn(&b.st)
	st := snapshot(&b.st)
	b.mu.Unlock()
	b.broker.PublishStatus(st)
}

// Read runs fn with exclusive access to the state vector without
// publishing. fn must not mutate.
func (b *Base) Read(fn func(*MachineState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.st)
}

// ResetState re-initialises the state vector to defaults.
func (b *Base) ResetState() {
	b.Mutate(func(s *MachineState) { s.Reset() })
}

// LatchError records a controller-level failure: the error latches on the
// state vector (forcing Ready false) and fans out on the error channel.
// Fan-out of cancellation to in-flight instructions is the backend's job.
func (b *Base) LatchError(err *Error) {
	b.Mutate(func(s *MachineState) { s.SetError(err) })
	b.broker.PublishError(err)
}

func (b *Base) setProgramRunning(v bool) {
	b.Mutate(func(s *MachineState) { s.ProgramRunning = v })
}
