package cnc

// Status is an immutable snapshot of the controller state. It is the stable
// schema consumed by upstream surfaces (job server, HTTP API, console); Pos
// and MPosOffset are always derived from the same state as MPos.
type Status struct {
	Ready bool `json:"ready"`

	AxisLabels []string `json:"axisLabels"`
	UsedAxes   []bool   `json:"usedAxes"`

	MPos       []float64 `json:"mpos"`
	Pos        []float64 `json:"pos"`
	MPosOffset []float64 `json:"mposOffset"`

	ActiveCoordSys  int          `json:"activeCoordSys"`
	Offset          []float64    `json:"offset"`
	OffsetEnabled   bool         `json:"offsetEnabled"`
	StoredPositions [2][]float64 `json:"storedPositions"`

	Homed []bool `json:"homed"`
	Held  bool   `json:"held"`

	Units       Units   `json:"units"`
	Feed        float64 `json:"feed"`
	Incremental bool    `json:"incremental"`
	Moving      bool    `json:"moving"`

	Coolant Coolant `json:"coolant"`
	Spindle bool    `json:"spindle"`

	Line int `json:"line"`

	Error     bool   `json:"error"`
	ErrorData *Error `json:"errorData,omitempty"`

	ProgramRunning bool `json:"programRunning"`
}

func snapshot(s *MachineState) *Status {
	c := s.clone()
	return &Status{
		Ready:           c.Ready,
		AxisLabels:      c.AxisLabels,
		UsedAxes:        c.UsedAxes,
		MPos:            c.MPos,
		Pos:             c.WorkPosition(),
		MPosOffset:      c.EffectiveOffsets(),
		ActiveCoordSys:  c.ActiveCoordSys,
		Offset:          c.Offset,
		OffsetEnabled:   c.OffsetEnabled,
		StoredPositions: c.StoredPositions,
		Homed:           c.Homed,
		Held:            c.Held,
		Units:           c.Units,
		Feed:            c.Feed,
		Incremental:     c.Incremental,
		Moving:          c.Moving,
		Coolant:         c.Coolant,
		Spindle:         c.Spindle,
		Line:            c.Line,
		Error:           c.Err != nil,
		ErrorData:       c.Err,
		ProgramRunning:  c.ProgramRunning,
	}
}
