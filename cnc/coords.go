package cnc

// EffectiveOffsets returns the total work offset per axis: the active
// coordinate system's offset plus the transient offset when enabled.
// Offset vectors shorter than the axis count are zero-padded.
func (s *MachineState) EffectiveOffsets() []float64 {
	offsets := make([]float64, s.NumAxes())
	if s.ActiveCoordSys >= 0 && s.ActiveCoordSys < len(s.CoordSysOffsets) {
		addVec(offsets, s.CoordSysOffsets[s.ActiveCoordSys])
	}
	if s.OffsetEnabled && s.Offset != nil {
		addVec(offsets, s.Offset)
	}
	return offsets
}

// WorkPosition returns the machine position with the effective offsets
// applied. The result has one entry per axis.
func (s *MachineState) WorkPosition() []float64 {
	offsets := s.EffectiveOffsets()
	pos := make([]float64, len(s.MPos))
	for i, m := range s.MPos {
		if i < len(offsets) {
			pos[i] = m - offsets[i]
		} else {
			pos[i] = m
		}
	}
	return pos
}

// UsedAxisIndices returns the indices of axes flagged as used, in axis order.
func (s *MachineState) UsedAxisIndices() []int {
	var idx []int
	for i, used := range s.UsedAxes {
		if used {
			idx = append(idx, i)
		}
	}
	return idx
}

// UsedAxisLabels returns the labels of axes flagged as used, in axis order.
func (s *MachineState) UsedAxisLabels() []string {
	var labels []string
	for i, used := range s.UsedAxes {
		if used && i < len(s.AxisLabels) {
			labels = append(labels, s.AxisLabels[i])
		}
	}
	return labels
}

func addVec(dst, src []float64) {
	for i := range dst {
		if i < len(src) {
			dst[i] += src[i]
		}
	}
}
