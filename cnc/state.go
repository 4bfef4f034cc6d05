package cnc

// Units of the machine's linear axes.
type Units string

const (
	UnitsMM   Units = "mm"
	UnitsInch Units = "in"
)

// Coolant is the coolant output state bitmask.
type Coolant int

const (
	CoolantOff   Coolant = 0
	CoolantMist  Coolant = 1
	CoolantFlood Coolant = 2
	CoolantBoth  Coolant = 3
)

// Spindle rotation directions.
const (
	SpindleCW  = 1
	SpindleCCW = -1
)

// NoCoordSys is the ActiveCoordSys value meaning raw machine coordinates.
const NoCoordSys = -1

// MachineState mirrors the device's kinematic and modal state. It is the
// single source of truth for the owning controller; everything derived
// (work position, effective offsets) is computed from it on demand.
//
// Mutation is confined to the owning controller. Readers get copies via
// Controller.Status.
type MachineState struct {
	Ready bool

	AxisLabels  []string
	UsedAxes    []bool
	HomableAxes []bool

	MPos []float64

	ActiveCoordSys  int
	CoordSysOffsets [][]float64
	Offset          []float64
	OffsetEnabled   bool
	StoredPositions [2][]float64

	Homed []bool
	Held  bool

	Units       Units
	Feed        float64
	Incremental bool
	Moving      bool

	Coolant      Coolant
	Spindle      bool
	SpindleDir   int
	SpindleSpeed float64

	InverseFeed bool

	Line int

	Err *Error

	ProgramRunning bool
}

// Reset restores the state vector to its defaults: three axes x/y/z at zero,
// work coordinate system 0 with a single zero offset vector, millimeter
// units, no motion, no error, not ready.
func (s *MachineState) Reset() {
	*s = MachineState{
		AxisLabels:      []string{"x", "y", "z"},
		UsedAxes:        []bool{true, true, true},
		HomableAxes:     []bool{true, true, true},
		MPos:            make([]float64, 3),
		ActiveCoordSys:  0,
		CoordSysOffsets: [][]float64{make([]float64, 3)},
		Offset:          make([]float64, 3),
		Homed:           make([]bool, 3),
		Units:           UnitsMM,
		SpindleDir:      SpindleCW,
	}
	s.StoredPositions[0] = make([]float64, 3)
	s.StoredPositions[1] = make([]float64, 3)
}

// NumAxes returns the number of configured axes.
func (s *MachineState) NumAxes() int { return len(s.AxisLabels) }

// SetError latches an error on the state vector. Ready is forced false
// while an error is latched.
func (s *MachineState) SetError(err *Error) {
	s.Err = err
	if err != nil {
		s.Ready = false
	}
}

// ClearError drops a latched error.
func (s *MachineState) ClearError() { s.Err = nil }

func (s *MachineState) clone() *MachineState {
	c := *s
	c.AxisLabels = append([]string(nil), s.AxisLabels...)
	c.UsedAxes = append([]bool(nil), s.UsedAxes...)
	c.HomableAxes = append([]bool(nil), s.HomableAxes...)
	c.MPos = append([]float64(nil), s.MPos...)
	c.CoordSysOffsets = make([][]float64, len(s.CoordSysOffsets))
	for i, ofs := range s.CoordSysOffsets {
		c.CoordSysOffsets[i] = append([]float64(nil), ofs...)
	}
	c.Offset = append([]float64(nil), s.Offset...)
	c.StoredPositions[0] = append([]float64(nil), s.StoredPositions[0]...)
	c.StoredPositions[1] = append([]float64(nil), s.StoredPositions[1]...)
	c.Homed = append([]bool(nil), s.Homed...)
	return &c
}
